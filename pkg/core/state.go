package core

// State is a tensor reference's lifecycle position. Transitions:
//
//	ALLOCATED → MATERIALIZING → ACTIVE ⇄ CACHED
//	ACTIVE → PERSISTING → ACTIVE
//	any non-terminal → DETACHING → DETACHED
//	MATERIALIZING/ACTIVE → CORRUPTED, EXPIRED
//
// DETACHED, CORRUPTED, and EXPIRED are terminal.
type State int32

const (
	StateAllocated State = iota
	StateMaterializing
	StateActive
	StatePersisting
	StateCached
	StateDetaching
	StateDetached
	StateCorrupted
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateMaterializing:
		return "materializing"
	case StateActive:
		return "active"
	case StatePersisting:
		return "persisting"
	case StateCached:
		return "cached"
	case StateDetaching:
		return "detaching"
	case StateDetached:
		return "detached"
	case StateCorrupted:
		return "corrupted"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDetached || s == StateCorrupted || s == StateExpired
}

// Valid reports whether the stored bytes are usable: a live decoded
// copy exists or the bytes can be re-decoded on demand.
func (s State) Valid() bool {
	return s == StateActive || s == StateCached
}
