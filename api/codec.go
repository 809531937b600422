package api

import "github.com/tensoroptim/tensoroptim/pkg/tensor"

// Buffer is the boundary with the host numeric-buffer library. The
// engine only needs a buffer's layout and its contiguous row-major
// bytes; it never inspects element values.
type Buffer interface {
	Shape() []int
	DType() tensor.DType
	// Bytes returns the contiguous row-major byte layout.
	Bytes() []byte
}

// Codec serializes, compresses, and checksums buffer contents.
type Codec interface {
	// Encode normalizes buf to contiguous bytes and applies the given
	// compression. Unknown or custom compressors fall back to the
	// uncompressed bytes.
	Encode(buf Buffer, compression tensor.Compression) ([]byte, error)
	// Decode reverses whatever compression the descriptor records and
	// reconstructs a buffer. Fails with a corruption error when the
	// decompressed length differs from the descriptor's raw byte size.
	Decode(data []byte, desc tensor.Descriptor) (Buffer, error)
	// Checksum computes the fast non-cryptographic digest used for
	// corruption detection. It is not a security primitive.
	Checksum(p []byte) uint64
	// EstimateRatio samples a bounded prefix of buf and returns the
	// compressed/original ratio, cached per (shape, dtype, device).
	EstimateRatio(buf Buffer) float64
}
