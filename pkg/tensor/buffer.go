package tensor

import (
	"encoding/binary"
	"math"
)

// Dense is a contiguous row-major byte buffer with shape and element
// type attached. It is the concrete materialization target used by the
// codec; callers with their own numeric library only need to satisfy
// api.Buffer over raw bytes.
type Dense struct {
	shape []int
	dtype DType
	data  []byte
}

// NewDense wraps data as a dense buffer. The data length must equal
// product(shape) * dtype.Size() exactly.
func NewDense(shape []int, dtype DType, data []byte) (*Dense, error) {
	if !dtype.Valid() {
		return nil, Errf(CodeInvalidState, "tensor.NewDense", "invalid dtype %v", dtype)
	}
	n := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, Errf(CodeInvalidState, "tensor.NewDense", "non-positive dim %d in shape", dim)
		}
		n *= dim
	}
	if want := n * dtype.Size(); len(data) != want {
		return nil, Errf(CodeInvalidState, "tensor.NewDense", "data length %d, want %d", len(data), want)
	}
	return &Dense{shape: append([]int(nil), shape...), dtype: dtype, data: data}, nil
}

// Zeros allocates a zero-filled dense buffer.
func Zeros(shape []int, dtype DType) (*Dense, error) {
	n := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, Errf(CodeInvalidState, "tensor.Zeros", "non-positive dim %d in shape", dim)
		}
		n *= dim
	}
	return NewDense(shape, dtype, make([]byte, n*dtype.Size()))
}

// FromFloat32 builds a float32 dense buffer from values in row-major order.
func FromFloat32(shape []int, values []float32) (*Dense, error) {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return NewDense(shape, Float32, data)
}

func (d *Dense) Shape() []int { return append([]int(nil), d.shape...) }
func (d *Dense) DType() DType { return d.dtype }

// Bytes returns the backing storage without copying.
func (d *Dense) Bytes() []byte { return d.data }

// ElementCount returns product(shape).
func (d *Dense) ElementCount() int {
	n := 1
	for _, dim := range d.shape {
		n *= dim
	}
	return n
}

// Float32s decodes the buffer as float32 values. Only valid for
// Float32 dense buffers.
func (d *Dense) Float32s() []float32 {
	out := make([]float32, len(d.data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(d.data[i*4:]))
	}
	return out
}
