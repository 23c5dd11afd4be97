package zim

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression identifies the algorithm used to compress a cluster's
// payload. It is the low nibble of a cluster's info byte.
type Compression byte

// Compression codes, per §3/§6. Codes 0 and 1 are both "no compression";
// the writer only ever emits 1.
const (
	CompressionNone1 Compression = 0
	CompressionNone  Compression = 1
	CompressionLZMA  Compression = 4
	CompressionZstd  Compression = 5
)

// IsNone reports whether c means "stored uncompressed". Both 0 and 1 are
// accepted on read for backward compatibility; see DESIGN.md.
func (c Compression) IsNone() bool { return c == CompressionNone1 || c == CompressionNone }

func (c Compression) String() string {
	switch c {
	case CompressionNone1, CompressionNone:
		return "none"
	case CompressionLZMA:
		return "lzma"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

// ZstdLevel is the default encoder level used by the writer (§4.D).
const ZstdLevel = 19

// zstdDecoderPool amortizes the cost of constructing a zstd.Decoder
// across many small cluster payloads, mirroring the pooling the teacher
// codebase used for exactly this purpose.
var zstdDecoderPool = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
		if err != nil {
			return nil
		}
		return d
	},
}

// pooledZstdReadCloser returns a zstd.Decoder to the pool on Close instead
// of releasing its internal buffers.
type pooledZstdReadCloser struct {
	d *zstd.Decoder
}

func (p *pooledZstdReadCloser) Read(b []byte) (int, error) { return p.d.Read(b) }

func (p *pooledZstdReadCloser) Close() error {
	zstdDecoderPool.Put(p.d)
	return nil
}

// ownedZstdReadCloser is used when the pool could not supply a decoder
// (its New function failed) and a fresh one had to be constructed; it
// releases the decoder on Close rather than pooling it.
type ownedZstdReadCloser struct {
	d *zstd.Decoder
}

func (o *ownedZstdReadCloser) Read(b []byte) (int, error) { return o.d.Read(b) }

func (o *ownedZstdReadCloser) Close() error {
	o.d.Close()
	return nil
}

// Decompressor returns a one-pass io.ReadCloser over r's remaining bytes,
// decoded according to code. Garbage bytes after the logical end of
// stream are tolerated: the cluster is typically followed by more
// archive bytes, and decoders stop at STREAM_END without consuming them.
func Decompressor(code Compression, r io.Reader) (io.ReadCloser, error) {
	switch {
	case code.IsNone():
		return io.NopCloser(r), nil
	case code == CompressionLZMA:
		// Real ZIM archives frame LZMA clusters in a standard .xz
		// container: libzim decodes them with lzma_stream_decoder, the
		// xz container decoder, not the headerless "lzma_alone" format.
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: xz: %v", ErrDecode, err)
		}
		return io.NopCloser(xr), nil
	case code == CompressionZstd:
		if dec, ok := zstdDecoderPool.Get().(*zstd.Decoder); ok && dec != nil {
			if err := dec.Reset(r); err != nil {
				zstdDecoderPool.Put(dec)
				return nil, fmt.Errorf("%w: zstd: %v", ErrDecode, err)
			}
			return &pooledZstdReadCloser{d: dec}, nil
		}
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrDecode, err)
		}
		return &ownedZstdReadCloser{d: dec}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported compression code %d", ErrDecode, byte(code))
	}
}

// DecompressAll reads an entire compressed stream into memory. The
// cluster reader does not use it: OpenCluster decodes incrementally
// through Decompressor.
func DecompressAll(code Compression, data []byte) ([]byte, error) {
	if code.IsNone() {
		return data, nil
	}
	dec, err := Decompressor(code, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out, nil
}

// Compressor returns a one-pass io.WriteCloser that compresses everything
// written to it according to code, writing the compressed stream to w.
// Close must be called to flush trailing state; it does not close w.
func Compressor(code Compression, w io.Writer) (io.WriteCloser, error) {
	switch {
	case code.IsNone():
		return nopWriteCloser{w}, nil
	case code == CompressionLZMA:
		// LZMA clusters are a legacy, read-only format: libzim's own
		// writer only ever emits None or Zstd (Cluster::compress() and
		// Cluster::write() both throw on any other compression code).
		return nil, fmt.Errorf("%w: lzma clusters are read-only, a writer never emits compression code %d", ErrInvalidState, byte(CompressionLZMA))
	case code == CompressionZstd:
		ew, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(ZstdLevel)), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrIO, err)
		}
		return ew, nil
	default:
		return nil, fmt.Errorf("%w: unsupported compression code %d", ErrIO, byte(code))
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
