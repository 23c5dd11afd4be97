package zim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceBuffer(t *testing.T) {
	t.Parallel()

	buf := NewBuffer([]byte("hello world"))
	require.Equal(t, uint64(11), buf.Size())
	require.Equal(t, []byte("world"), buf.Data(6))

	sub, err := buf.SubBuffer(6, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), sub.Data(0))

	_, err = buf.SubBuffer(6, 100)
	require.ErrorIs(t, err, ErrBounds)
}

func TestBufferReaderReadAt(t *testing.T) {
	t.Parallel()

	r := NewBufferReader(NewBuffer([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}))
	require.Equal(t, uint64(8), r.Size())

	got := make([]byte, 3)
	require.NoError(t, r.ReadAt(got, 2))
	require.Equal(t, []byte{0x03, 0x04, 0x05}, got)

	u32, err := r.ReadUint32(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x04030201), u32)

	_, err = r.ReadUint64(4)
	require.NoError(t, err)

	err = r.ReadAt(got, 7)
	require.ErrorIs(t, err, ErrBounds)
}

func TestBufferReaderSubReader(t *testing.T) {
	t.Parallel()

	r := NewBufferReader(NewBuffer([]byte("0123456789")))
	sub, err := r.SubReader(3, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(4), sub.Size())

	got := make([]byte, 4)
	require.NoError(t, sub.ReadAt(got, 0))
	require.Equal(t, []byte("3456"), got)
}

func writeTempFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFileCompoundSinglePart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeTempFile(t, dir, "single.zim", []byte("abcdefghij"))

	fc, err := OpenFileCompound(path)
	require.NoError(t, err)
	defer fc.Close()

	require.Equal(t, uint64(10), fc.Size())

	got := make([]byte, 4)
	require.NoError(t, fc.ReadAt(got, 3))
	require.Equal(t, []byte("defg"), got)
}

func TestFileCompoundSplitParts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := filepath.Join(dir, "split.zim")
	writeTempFile(t, dir, "split.zim.zimaa", []byte("0123"))
	writeTempFile(t, dir, "split.zim.zimab", []byte("456789"))

	fc, err := OpenFileCompound(base)
	require.NoError(t, err)
	defer fc.Close()

	require.Equal(t, uint64(10), fc.Size())

	got := make([]byte, 10)
	require.NoError(t, fc.ReadAt(got, 0))
	require.Equal(t, []byte("0123456789"), got)

	// A read straddling the part boundary must stitch correctly.
	straddle := make([]byte, 4)
	require.NoError(t, fc.ReadAt(straddle, 2))
	require.Equal(t, []byte("2345"), straddle)

	err = fc.ReadAt(make([]byte, 1), 10)
	require.ErrorIs(t, err, ErrBounds)
}

func TestFileReaderSubReader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeTempFile(t, dir, "f.zim", []byte("abcdefghij"))

	fc, err := OpenFileCompound(path)
	require.NoError(t, err)
	defer fc.Close()

	fr := NewFileReader(fc)
	sub, err := fr.SubReader(4, 3)
	require.NoError(t, err)

	got := make([]byte, 3)
	require.NoError(t, sub.ReadAt(got, 0))
	require.Equal(t, []byte("efg"), got)

	_, err = fr.SubReader(8, 10)
	require.ErrorIs(t, err, ErrBounds)
}

func TestMmapReaderZeroCopyWithinPart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeTempFile(t, dir, "m.zim", []byte("0123456789"))

	fc, err := OpenFileCompound(path)
	require.NoError(t, err)
	defer fc.Close()

	mr, err := NewMmapReader(fc)
	require.NoError(t, err)

	buf, err := mr.GetBuffer(2, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("2345"), buf.Data(0)[:4])
}
