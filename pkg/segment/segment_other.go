//go:build !linux

package segment

import (
	"github.com/tensoroptim/tensoroptim/api"
	"github.com/tensoroptim/tensoroptim/pkg/tensor"
)

// Only the in-process aligned buffer is available off Linux; the
// mmap-based backends report themselves unavailable.
func newOSSegment(cfg Config) (api.Segment, error) {
	return nil, tensor.Errf(tensor.CodeBackend, "segment.New",
		"backend %v unavailable on this platform", cfg.Backend)
}
