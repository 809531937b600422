// Package tensor holds the value types shared by every layer of the
// engine: element types, the host buffer boundary, the immutable
// tensor descriptor, and the error taxonomy.
package tensor

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Compression selects how encoded tensor bytes are compressed at rest.
type Compression uint8

const (
	CompressionNone Compression = iota
	// CompressionLZ4 is the fast byte-oriented codec for low latency.
	CompressionLZ4
	// CompressionZstd is the stronger general-purpose compressor.
	CompressionZstd
	// CompressionCustom is reserved for caller-provided codecs. With
	// no codec registered it degrades to uncompressed bytes.
	CompressionCustom
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	case CompressionCustom:
		return "custom"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// DefaultAlignment is the byte alignment applied to stored tensors
// when the caller does not request one.
const DefaultAlignment = 64

// Descriptor is the immutable metadata binding a logical tensor to its
// storage parameters. Replacing the checksum or compression produces a
// new value; a Descriptor held by a caller never changes underneath it.
type Descriptor struct {
	ID          uuid.UUID
	Shape       []int
	DType       DType
	Strides     []int // element strides, row-major
	Device      string
	Alignment   int
	Compression Compression
	Checksum    uint64
	// StoredSize is the exact number of bytes written at the bound
	// offset: equal to RawByteSize when uncompressed, smaller (or in
	// degenerate cases larger, which share/persist reject) otherwise.
	// The checksum covers exactly these bytes.
	StoredSize int64
	NUMANode   int
	CreatedAt  time.Time
}

// NewDescriptor derives a descriptor from a buffer layout. Strides are
// computed row-major; checksum and stored size are filled in by the
// pool once the bytes are encoded.
func NewDescriptor(shape []int, dtype DType, device string, alignment int) (Descriptor, error) {
	if !dtype.Valid() {
		return Descriptor{}, Errf(CodeInvalidState, "tensor.NewDescriptor", "invalid dtype %v", dtype)
	}
	if len(shape) == 0 {
		return Descriptor{}, Errf(CodeInvalidState, "tensor.NewDescriptor", "empty shape")
	}
	for _, dim := range shape {
		if dim <= 0 {
			return Descriptor{}, Errf(CodeInvalidState, "tensor.NewDescriptor", "non-positive dim %d", dim)
		}
	}
	if alignment <= 0 {
		alignment = DefaultAlignment
	}
	if alignment&(alignment-1) != 0 {
		return Descriptor{}, Errf(CodeInvalidState, "tensor.NewDescriptor", "alignment %d not a power of two", alignment)
	}
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	if device == "" {
		device = "cpu"
	}
	return Descriptor{
		ID:        uuid.New(),
		Shape:     append([]int(nil), shape...),
		DType:     dtype,
		Strides:   strides,
		Device:    device,
		Alignment: alignment,
		NUMANode:  -1,
		CreatedAt: time.Now(),
	}, nil
}

// ElementCount returns product(Shape).
func (d Descriptor) ElementCount() int64 {
	n := int64(1)
	for _, dim := range d.Shape {
		n *= int64(dim)
	}
	return n
}

// RawByteSize is the uncompressed contiguous byte size.
func (d Descriptor) RawByteSize() int64 {
	return d.ElementCount() * int64(d.DType.Size())
}

// AlignedByteSize rounds RawByteSize up to the descriptor alignment.
func (d Descriptor) AlignedByteSize() int64 {
	a := int64(d.Alignment)
	return (d.RawByteSize() + a - 1) / a * a
}

// WithStorage returns a copy recording a fresh checksum, compression
// type and stored byte count after an encode.
func (d Descriptor) WithStorage(checksum uint64, compression Compression, storedSize int64) Descriptor {
	d.Checksum = checksum
	d.Compression = compression
	d.StoredSize = storedSize
	return d
}

// WithNUMANode returns a copy bound to the given node.
func (d Descriptor) WithNUMANode(node int) Descriptor {
	d.NUMANode = node
	return d
}

// ShapeKey renders the shape as an index key, e.g. "100x100".
func (d Descriptor) ShapeKey() string { return ShapeKey(d.Shape) }

// CacheKey identifies descriptors with identical layout, used to cache
// per-layout compression estimates.
func (d Descriptor) CacheKey() string {
	return d.ShapeKey() + ":" + d.DType.String() + ":" + d.Device
}

// ShapeKey renders dims as "AxBxC".
func ShapeKey(shape []int) string {
	var b strings.Builder
	for i, dim := range shape {
		if i > 0 {
			b.WriteByte('x')
		}
		fmt.Fprintf(&b, "%d", dim)
	}
	return b.String()
}
