package zim

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func buildCluster(t *testing.T, compress bool, compression Compression, blobs [][]byte) Reader {
	t.Helper()
	cw := NewClusterWriter(compress, compression)
	for _, b := range blobs {
		cw.Add(NewBytesProvider(b))
	}
	var buf bytes.Buffer
	_, err := cw.WriteTo(&buf)
	require.NoError(t, err)
	return NewBufferReader(NewBuffer(buf.Bytes()))
}

// buildXZCluster hand-builds a cluster compressed with compression code 4
// (LZMA), framed as a standard .xz container the way a real ZIM archive
// producer does (see compress.go's Decompressor for why). ClusterWriter
// cannot produce this on its own since a writer never emits LZMA.
func buildXZCluster(t *testing.T, blobs [][]byte) Reader {
	t.Helper()

	n := len(blobs)
	offsetsTableLen := (n + 1) * 4
	offsets := make([]byte, offsetsTableLen)
	putUint32(offsets[0:4], uint32(offsetsTableLen))
	cur := offsetsTableLen
	for i, b := range blobs {
		cur += len(b)
		off := (i + 1) * 4
		putUint32(offsets[off:off+4], uint32(cur))
	}

	var payload bytes.Buffer
	xw, err := xz.NewWriter(&payload)
	require.NoError(t, err)
	_, err = xw.Write(offsets)
	require.NoError(t, err)
	for _, b := range blobs {
		_, err = xw.Write(b)
		require.NoError(t, err)
	}
	require.NoError(t, xw.Close())

	var buf bytes.Buffer
	buf.WriteByte(byte(CompressionLZMA))
	buf.Write(payload.Bytes())
	return NewBufferReader(NewBuffer(buf.Bytes()))
}

func TestClusterUncompressedBlobSizes(t *testing.T) {
	t.Parallel()

	blobs := [][]byte{
		[]byte("abc"),    // 3
		[]byte("defg"),   // 4
		[]byte(""),       // 0
		[]byte("hijkl"),  // 5
	}
	raw := buildCluster(t, false, CompressionNone, blobs)

	c, err := OpenCluster(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(4), c.BlobCount())

	for i, want := range blobs {
		got, err := c.Blob(uint32(i))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestClusterZstdCompressedRoundTrip(t *testing.T) {
	t.Parallel()

	blobs := [][]byte{
		bytes.Repeat([]byte("a"), 1000),
		bytes.Repeat([]byte("b"), 2000),
		[]byte("tiny"),
	}
	raw := buildCluster(t, true, CompressionZstd, blobs)

	c, err := OpenCluster(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(3), c.BlobCount())

	// Fetch out of natural order; the decoder must still advance
	// correctly and cache everything it passes over.
	b2, err := c.Blob(2)
	require.NoError(t, err)
	require.Equal(t, blobs[2], b2)

	b0, err := c.Blob(0)
	require.NoError(t, err)
	require.Equal(t, blobs[0], b0)

	b1, err := c.Blob(1)
	require.NoError(t, err)
	require.Equal(t, blobs[1], b1)
}

func TestClusterLZMACompressedRoundTrip(t *testing.T) {
	t.Parallel()

	// A writer never produces an LZMA cluster (see
	// TestNewWriterRejectsLZMACompression), but real-world archives made
	// by other tools do, so the reader must still decode one.
	blobs := [][]byte{
		bytes.Repeat([]byte("x"), 5000),
		[]byte("short blob"),
	}
	raw := buildXZCluster(t, blobs)

	c, err := OpenCluster(raw)
	require.NoError(t, err)

	for i, want := range blobs {
		got, err := c.Blob(uint32(i))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestClusterBlobOutOfBounds(t *testing.T) {
	t.Parallel()

	raw := buildCluster(t, false, CompressionNone, [][]byte{[]byte("only one")})
	c, err := OpenCluster(raw)
	require.NoError(t, err)

	_, err = c.Blob(1)
	require.ErrorIs(t, err, ErrBounds)
}

func TestClusterWriterDetectsShortFeed(t *testing.T) {
	t.Parallel()

	cw := NewClusterWriter(false, CompressionNone)
	cw.Add(&shortProvider{declared: 10, actual: 4})

	var buf bytes.Buffer
	_, err := cw.WriteTo(&buf)
	require.ErrorIs(t, err, ErrIncoherentImplementation)
}

type shortProvider struct{ declared, actual int }

func (p *shortProvider) Size() uint64 { return uint64(p.declared) }
func (p *shortProvider) Feed(w io.Writer) error {
	_, err := w.Write(make([]byte, p.actual))
	return err
}

func TestClusterEmptyRejected(t *testing.T) {
	t.Parallel()

	_, err := OpenCluster(NewBufferReader(NewBuffer(nil)))
	require.ErrorIs(t, err, ErrFormat)
}

func TestClusterMemoryCostAccountsCompression(t *testing.T) {
	t.Parallel()

	blobs := [][]byte{bytes.Repeat([]byte("z"), 10000)}
	rawUncompressed := buildCluster(t, false, CompressionNone, blobs)
	rawCompressed := buildCluster(t, true, CompressionZstd, blobs)

	cu, err := OpenCluster(rawUncompressed)
	require.NoError(t, err)
	cc, err := OpenCluster(rawCompressed)
	require.NoError(t, err)

	// A stored cluster is accounted at its offset-table bytes only; a
	// compressed one adds half the payload plus decoder overhead (clamped
	// to the payload size), so it must cost more than the stored one.
	require.Greater(t, cc.MemoryCost(), uint64(0))
	require.Greater(t, cu.MemoryCost(), uint64(0))
	require.Greater(t, cc.MemoryCost(), cu.MemoryCost())
}
