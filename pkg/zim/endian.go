package zim

import "encoding/binary"

// The ZIM format is little-endian throughout. These helpers decode and
// encode the fixed-width integers used by the header, pointer tables,
// dirents and cluster offset tables, without requiring a reflect-based
// binary.Read/Write round-trip for the hot paths.

func readUint16(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

func readUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func readUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func putUint16(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b, v)
}

func putUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

func putUint64(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}
