package zim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomAccessStreamSequentialReads(t *testing.T) {
	t.Parallel()

	data := []byte{0xAA, 0x01, 0x02, 0x03, 0x04, 0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80}
	s := NewStreamReader(NewBufferReader(NewBuffer(data)))

	b, err := s.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0xAA), b)

	u32, err := s.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x04030201), u32)

	u64, err := s.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x8070605040302010), u64)

	rest, err := s.ReadBytes(0)
	require.NoError(t, err)
	require.Empty(t, rest)
}

func TestRandomAccessStreamSubReaderZeroCopy(t *testing.T) {
	t.Parallel()

	data := []byte("0123456789")
	s := NewStreamReader(NewBufferReader(NewBuffer(data)))

	_, err := s.ReadByte()
	require.NoError(t, err)

	sub, err := s.SubReader(4)
	require.NoError(t, err)
	require.Equal(t, uint64(4), sub.Size())

	got := make([]byte, 4)
	require.NoError(t, sub.ReadAt(got, 0))
	require.Equal(t, []byte("1234"), got)

	// The stream position must have advanced past the sub-reader.
	b, err := s.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte('5'), b)
}

func TestIOStreamSequentialReads(t *testing.T) {
	t.Parallel()

	data := []byte{0x7, 0x01, 0x02, 0x03, 0x04}
	s := NewIOStreamReader(bytes.NewReader(data))

	b, err := s.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0x7), b)

	u32, err := s.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x04030201), u32)

	_, err = s.ReadByte()
	require.ErrorIs(t, err, ErrDecode)
}

func TestIOStreamSubReaderCopies(t *testing.T) {
	t.Parallel()

	s := NewIOStreamReader(bytes.NewReader([]byte("hello world")))
	sub, err := s.SubReader(5)
	require.NoError(t, err)

	got := make([]byte, 5)
	require.NoError(t, sub.ReadAt(got, 0))
	require.Equal(t, []byte("hello"), got)
}
