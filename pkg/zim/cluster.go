package zim

import (
	"fmt"
	"io"
	"sync"
)

// clusterInfoExtendedBit marks a cluster's offset table as using 64-bit
// offsets instead of 32-bit ones (bit 4 of the info byte, per §6).
const clusterInfoExtendedBit = 0x10

// clusterCompressionMask isolates the low nibble of the info byte.
const clusterCompressionMask = 0x0F

// decoderStateOverheadEstimate approximates the resident memory a
// streaming decoder holds onto (window buffers, match finder state)
// independent of payload size; used only for cache cost accounting.
const decoderStateOverheadEstimate = 128 * 1024

// Cluster is a parsed, lazily-materialized grouping of blobs. Blob
// bytes are fetched through Blob, which advances a one-pass decompressor
// as needed and caches every blob it passes through along the way.
type Cluster struct {
	mu sync.Mutex

	compression Compression
	extended    bool
	offsetSize  uint64
	offsets     []uint64 // len = blobCount+1, relative to payload start

	// Uncompressed path: random-access over the raw payload bytes.
	rawPayload Reader

	// Compressed path: one-pass stream plus a forward cursor.
	stream       StreamReader
	decoder      io.Closer
	consumed     uint64
	nextBlob     uint32
	blobCache    [][]byte

	memCost uint64 // computed once, see MemoryCost
}

// blobCount returns the number of blobs in the cluster.
func (c *Cluster) blobCount() uint32 { return uint32(len(c.offsets) - 1) }

// BlobCount returns the number of blobs in the cluster.
func (c *Cluster) BlobCount() uint32 { return c.blobCount() }

// OpenCluster parses a cluster whose raw bytes (info byte followed by
// the possibly-compressed payload) are exactly raw's contents. Callers
// obtain raw via Reader.SubReader(clusterOffset, nextClusterOffset-clusterOffset).
func OpenCluster(raw Reader) (*Cluster, error) {
	if raw.Size() == 0 {
		return nil, fmt.Errorf("%w: empty cluster", ErrFormat)
	}

	var infoByte [1]byte
	if err := raw.ReadAt(infoByte[:], 0); err != nil {
		return nil, fmt.Errorf("%w: cluster info byte: %v", ErrFormat, err)
	}
	code := Compression(infoByte[0] & clusterCompressionMask)
	extended := infoByte[0]&clusterInfoExtendedBit != 0

	body, err := raw.SubReader(1, raw.Size()-1)
	if err != nil {
		return nil, fmt.Errorf("%w: cluster payload: %v", ErrFormat, err)
	}

	c := &Cluster{compression: code, extended: extended}
	if extended {
		c.offsetSize = 8
	} else {
		c.offsetSize = 4
	}

	var streamSrc StreamReader
	if code.IsNone() {
		c.rawPayload = body
		streamSrc = NewStreamReader(body)
	} else {
		dec, err := Decompressor(code, &readerAsIO{r: body})
		if err != nil {
			return nil, err
		}
		c.decoder = dec
		streamSrc = NewIOStreamReader(dec)
	}
	c.stream = streamSrc

	first, err := c.readOffset(streamSrc)
	if err != nil {
		return nil, fmt.Errorf("%w: cluster first offset: %v", ErrFormat, err)
	}
	if first < c.offsetSize {
		return nil, fmt.Errorf("%w: cluster first offset %d smaller than one entry", ErrFormat, first)
	}
	n := first/c.offsetSize - 1

	offsets := make([]uint64, n+1)
	offsets[0] = first
	prev := first
	for i := uint64(1); i <= n; i++ {
		v, err := c.readOffset(streamSrc)
		if err != nil {
			return nil, fmt.Errorf("%w: cluster offset %d: %v", ErrFormat, i, err)
		}
		if v < prev {
			return nil, fmt.Errorf("%w: cluster offsets non-monotonic at index %d", ErrFormat, i)
		}
		offsets[i] = v
		prev = v
	}
	c.offsets = offsets
	c.consumed = first

	payloadSize := offsets[len(offsets)-1]
	cost := first // offsets-table bytes
	if !code.IsNone() {
		cost += payloadSize/2 + decoderStateOverheadEstimate
	}
	if cost > payloadSize {
		cost = payloadSize
	}
	c.memCost = cost

	if code.IsNone() {
		c.blobCache = nil // not needed; served directly from rawPayload
	} else {
		c.blobCache = make([][]byte, n)
	}

	return c, nil
}

func (c *Cluster) readOffset(s StreamReader) (uint64, error) {
	if c.offsetSize == 4 {
		v, err := s.ReadUint32()
		return uint64(v), err
	}
	v, err := s.ReadUint64()
	return v, err
}

// MemoryCost returns the cache accounting cost for this cluster: offset
// table bytes, plus for compressed clusters half the uncompressed
// payload size and a constant decoder-state estimate, clamped to the
// payload size. The value is computed once in OpenCluster and never
// changes afterwards, even if the decoder's real footprint drifts.
func (c *Cluster) MemoryCost() uint64 { return c.memCost }

// Blob returns the decompressed bytes of blob n. For a compressed
// cluster this may advance the one-pass decoder through any blobs
// between the last one fetched and n; every blob passed over is cached.
func (c *Cluster) Blob(n uint32) ([]byte, error) {
	if n >= c.blobCount() {
		return nil, fmt.Errorf("%w: blob %d beyond cluster blob count %d", ErrBounds, n, c.blobCount())
	}

	start, end := c.offsets[n], c.offsets[n+1]
	if end < start {
		return nil, fmt.Errorf("%w: blob %d has inverted range [%d,%d)", ErrFormat, n, start, end)
	}

	if c.rawPayload != nil {
		buf, err := c.rawPayload.GetBuffer(start, end-start)
		if err != nil {
			return nil, err
		}
		return buf.Data(0)[:end-start], nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.blobCache[n] != nil {
		return c.blobCache[n], nil
	}

	for c.nextBlob <= n {
		i := c.nextBlob
		want := c.offsets[i+1] - c.offsets[i]
		buf, err := c.stream.ReadBytes(want)
		if err != nil {
			return nil, err
		}
		c.consumed += want
		c.blobCache[i] = buf
		c.nextBlob++
	}

	return c.blobCache[n], nil
}

// readerAsIO adapts a random-access Reader into a one-pass io.Reader,
// used to feed a compression decoder.
type readerAsIO struct {
	r   Reader
	pos uint64
}

func (a *readerAsIO) Read(p []byte) (int, error) {
	remaining := a.r.Size() - a.pos
	if remaining == 0 {
		return 0, io.EOF
	}
	n := uint64(len(p))
	if n > remaining {
		n = remaining
	}
	if err := a.r.ReadAt(p[:n], a.pos); err != nil {
		return 0, err
	}
	a.pos += n
	return int(n), nil
}

// BlobProvider supplies the bytes of one future blob on demand. Size
// must equal the total bytes that Feed writes; a mismatch is reported
// as ErrIncoherentImplementation when the cluster is closed.
type BlobProvider interface {
	Size() uint64
	Feed(w io.Writer) error
}

// bytesProvider is the common case: an in-memory blob.
type bytesProvider struct{ b []byte }

// NewBytesProvider wraps b as a BlobProvider.
func NewBytesProvider(b []byte) BlobProvider { return &bytesProvider{b: b} }

func (p *bytesProvider) Size() uint64 { return uint64(len(p.b)) }

func (p *bytesProvider) Feed(w io.Writer) error {
	_, err := w.Write(p.b)
	return err
}

// ClusterWriter accumulates blob providers and emits one cluster: info
// byte, offset table, then payload, optionally through a compressor.
type ClusterWriter struct {
	providers   []BlobProvider
	totalSize   uint64
	compress    bool
	compression Compression
}

// NewClusterWriter creates an empty cluster writer. When compress is
// false the cluster is stored raw (compression code 1). compression must
// be CompressionZstd when compress is true: libzim's own writer never
// emits LZMA clusters, only None or Zstd.
func NewClusterWriter(compress bool, compression Compression) *ClusterWriter {
	return &ClusterWriter{compress: compress, compression: compression}
}

// Add appends a blob provider to the cluster being built.
func (cw *ClusterWriter) Add(p BlobProvider) {
	cw.providers = append(cw.providers, p)
	cw.totalSize += p.Size()
}

// UncompressedSize returns the sum of all added providers' declared
// sizes — the basis for the writer's min_cluster_size closure decision.
func (cw *ClusterWriter) UncompressedSize() uint64 { return cw.totalSize }

// Count returns the number of blobs accumulated so far.
func (cw *ClusterWriter) Count() int { return len(cw.providers) }

// WriteTo serializes the cluster to w and returns the number of bytes
// written to w (the on-disk, possibly-compressed size).
func (cw *ClusterWriter) WriteTo(w io.Writer) (uint64, error) {
	counter := &countingWriter{w: w}

	n := uint64(len(cw.providers))
	offsetSize := uint64(4)
	offsetsTableLen := (n + 1) * offsetSize
	payloadSize := offsetsTableLen + cw.totalSize
	extended := payloadSize > 0xFFFFFFFF
	if extended {
		offsetSize = 8
		offsetsTableLen = (n + 1) * offsetSize
		payloadSize = offsetsTableLen + cw.totalSize
	}

	code := CompressionNone
	if cw.compress {
		code = cw.compression
	}
	info := byte(code)
	if extended {
		info |= clusterInfoExtendedBit
	}
	if _, err := counter.Write([]byte{info}); err != nil {
		return counter.n, fmt.Errorf("%w: %v", ErrIO, err)
	}

	var payloadWriter io.Writer = counter
	var closer io.WriteCloser
	if cw.compress {
		enc, err := Compressor(cw.compression, counter)
		if err != nil {
			return counter.n, err
		}
		payloadWriter = enc
		closer = enc
	}

	offsets := make([]byte, offsetsTableLen)
	cur := offsetsTableLen
	if offsetSize == 4 {
		putUint32(offsets[0:4], uint32(cur))
	} else {
		putUint64(offsets[0:8], cur)
	}
	for i, p := range cw.providers {
		cur += p.Size()
		off := uint64(i+1) * offsetSize
		if offsetSize == 4 {
			putUint32(offsets[off:off+4], uint32(cur))
		} else {
			putUint64(offsets[off:off+8], cur)
		}
	}
	if _, err := payloadWriter.Write(offsets); err != nil {
		return counter.n, fmt.Errorf("%w: %v", ErrIO, err)
	}

	for i, p := range cw.providers {
		cw := &countingWriter{w: payloadWriter}
		if err := p.Feed(cw); err != nil {
			return counter.n, err
		}
		if cw.n != p.Size() {
			return counter.n, fmt.Errorf("%w: blob %d declared %d bytes, fed %d", ErrIncoherentImplementation, i, p.Size(), cw.n)
		}
	}

	if closer != nil {
		if err := closer.Close(); err != nil {
			return counter.n, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	return counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}
