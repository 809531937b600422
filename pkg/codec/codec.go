// Package codec serializes, compresses, and checksums tensor bytes.
// LZ4 frames serve the low-latency path, zstd the better-ratio path;
// the checksum is a fast non-cryptographic digest used purely for
// corruption detection.
package codec

import (
	"bytes"
	"io"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/pierrec/lz4/v4"
	"github.com/valyala/bytebufferpool"

	"github.com/tensoroptim/tensoroptim/api"
	"github.com/tensoroptim/tensoroptim/pkg/tensor"
)

const (
	// chunkThreshold is the decode size above which reconstruction is
	// split across the worker pool to bound single-threaded latency.
	chunkThreshold = 1 << 20
	// sampleLimit bounds the prefix compressed by EstimateRatio.
	sampleLimit = 64 << 10
)

// Codec is safe for concurrent use. Compression-ratio estimates are
// cached per buffer layout.
type Codec struct {
	workers *ants.Pool
	ratios  cmap.ConcurrentMap[string, float64]
}

// New builds a codec with a decode worker pool sized to the host.
func New() (*Codec, error) {
	workers, err := ants.NewPool(runtime.NumCPU())
	if err != nil {
		return nil, tensor.Wrap(tensor.CodeUnknown, "codec.New", err)
	}
	return &Codec{
		workers: workers,
		ratios:  cmap.New[float64](),
	}, nil
}

// Close releases the worker pool. Decodes after Close fall back to
// single-threaded reconstruction.
func (c *Codec) Close() {
	c.workers.Release()
}

// Encode normalizes buf to its contiguous byte layout and applies the
// requested compression. Compression types without an implementation
// degrade to the uncompressed bytes.
func (c *Codec) Encode(buf api.Buffer, compression tensor.Compression) ([]byte, error) {
	src := buf.Bytes()
	switch compression {
	case tensor.CompressionLZ4:
		bb := bytebufferpool.Get()
		defer bytebufferpool.Put(bb)
		w := lz4.NewWriter(bb)
		if _, err := w.Write(src); err != nil {
			return nil, tensor.Wrap(tensor.CodeCompression, "codec.Encode", err)
		}
		if err := w.Close(); err != nil {
			return nil, tensor.Wrap(tensor.CodeCompression, "codec.Encode", err)
		}
		return append([]byte(nil), bb.B...), nil
	case tensor.CompressionZstd:
		enc := getZstdEncoder()
		defer putZstdEncoder(enc)
		return enc.EncodeAll(src, nil), nil
	default:
		// None, Custom with no codec registered, or unknown values.
		return append([]byte(nil), src...), nil
	}
}

// Decode reverses the descriptor's compression and reconstructs a
// dense buffer. A decompressed length that differs from the
// descriptor's raw byte size is corruption, never a truncated result.
func (c *Codec) Decode(data []byte, desc tensor.Descriptor) (api.Buffer, error) {
	want := desc.RawByteSize()
	var raw []byte
	switch desc.Compression {
	case tensor.CompressionLZ4:
		raw = make([]byte, want)
		r := lz4.NewReader(bytes.NewReader(data))
		if _, err := io.ReadFull(r, raw); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, tensor.Errf(tensor.CodeCorruption, "codec.Decode",
					"lz4 stream shorter than %d bytes", want).WithID(desc.ID)
			}
			return nil, tensor.Wrap(tensor.CodeCompression, "codec.Decode", err).WithID(desc.ID)
		}
	case tensor.CompressionZstd:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)
		out, err := dec.DecodeAll(data, make([]byte, 0, want))
		if err != nil {
			return nil, tensor.Wrap(tensor.CodeCompression, "codec.Decode", err).WithID(desc.ID)
		}
		raw = out
	default:
		// Uncompressed bytes are typically a view borrowed from a
		// segment; reconstruct into private storage.
		raw = c.reconstruct(data, desc.DType.Size())
	}
	if int64(len(raw)) != want {
		return nil, tensor.Errf(tensor.CodeCorruption, "codec.Decode",
			"decompressed %d bytes, descriptor expects %d", len(raw), want).WithID(desc.ID)
	}
	buf, err := tensor.NewDense(desc.Shape, desc.DType, raw)
	if err != nil {
		return nil, tensor.Wrap(tensor.CodeCorruption, "codec.Decode", err).WithID(desc.ID)
	}
	return buf, nil
}

// reconstruct copies src into fresh storage. Above the chunk
// threshold the copy is split into element-aligned chunks across the
// worker pool and reassembled by position.
func (c *Codec) reconstruct(src []byte, elemSize int) []byte {
	dst := make([]byte, len(src))
	if len(src) < chunkThreshold || elemSize <= 0 {
		copy(dst, src)
		return dst
	}
	n := c.workers.Cap()
	if n <= 1 {
		copy(dst, src)
		return dst
	}
	chunk := len(src) / n / elemSize * elemSize
	if chunk < elemSize {
		chunk = elemSize
	}
	var wg sync.WaitGroup
	for start := 0; start < len(src); start += chunk {
		end := start + chunk
		if end > len(src) {
			end = len(src)
		}
		s, e := start, end
		wg.Add(1)
		task := func() {
			defer wg.Done()
			copy(dst[s:e], src[s:e])
		}
		if err := c.workers.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	return dst
}

// Checksum returns the xxhash64 digest of p.
func (c *Codec) Checksum(p []byte) uint64 {
	return xxhash.Sum64(p)
}

// EstimateRatio compresses a bounded prefix of buf with the fast
// codec and returns compressed/original, cached per buffer layout.
func (c *Codec) EstimateRatio(buf api.Buffer) float64 {
	key := tensor.ShapeKey(buf.Shape()) + ":" + buf.DType().String() + ":cpu"
	if ratio, ok := c.ratios.Get(key); ok {
		return ratio
	}
	src := buf.Bytes()
	if len(src) == 0 {
		return 1
	}
	sample := src
	if len(sample) > sampleLimit {
		sample = sample[:sampleLimit]
	}
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	w := lz4.NewWriter(bb)
	ratio := 1.0
	if _, err := w.Write(sample); err == nil {
		if err := w.Close(); err == nil {
			ratio = float64(len(bb.B)) / float64(len(sample))
		}
	}
	c.ratios.Set(key, ratio)
	return ratio
}
