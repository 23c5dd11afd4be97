package zim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEndianRoundTrip(t *testing.T) {
	t.Parallel()

	b16 := make([]byte, 2)
	putUint16(b16, 0xABCD)
	require.Equal(t, uint16(0xABCD), readUint16(b16))
	require.Equal(t, []byte{0xCD, 0xAB}, b16)

	b32 := make([]byte, 4)
	putUint32(b32, 0xDEADBEEF)
	require.Equal(t, uint32(0xDEADBEEF), readUint32(b32))
	require.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, b32)

	b64 := make([]byte, 8)
	putUint64(b64, 0x0123456789ABCDEF)
	require.Equal(t, uint64(0x0123456789ABCDEF), readUint64(b64))
}
