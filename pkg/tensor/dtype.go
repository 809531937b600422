package tensor

import "fmt"

// DType identifies the element type of a buffer. The engine never
// interprets element values; it only needs the per-element byte width.
type DType uint8

const (
	Float32 DType = iota + 1
	Float64
	Float16
	Int8
	Int16
	Int32
	Int64
	Uint8
	Bool
	Complex64
	Complex128
)

// Size returns the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64, Complex64:
		return 8
	case Float16, Int16:
		return 2
	case Int8, Uint8, Bool:
		return 1
	case Complex128:
		return 16
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	case Complex64:
		return "complex64"
	case Complex128:
		return "complex128"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Valid reports whether d is one of the supported element types.
func (d DType) Valid() bool { return d.Size() > 0 }
