package zim

import (
	"fmt"
	"io"
)

// StreamReader is a sequential byte source with typed fixed-width reads
// and the ability to carve off the next run of bytes as a fresh
// random-access Reader. It is used to parse cluster offset tables and
// dirent streams without seeking backwards.
type StreamReader interface {
	// ReadByte reads and advances past a single byte.
	ReadByte() (byte, error)
	// ReadUint32/ReadUint64 read and advance past a little-endian
	// fixed-width integer.
	ReadUint32() (uint32, error)
	ReadUint64() (uint64, error)
	// ReadBytes reads and advances past n raw bytes.
	ReadBytes(n uint64) ([]byte, error)
	// SubReader materializes the next size bytes as a fresh Reader and
	// advances past them. When the underlying source is already
	// random-access this is zero-copy; when it is a one-pass
	// decompressor the bytes are copied into a fresh buffer.
	SubReader(size uint64) (Reader, error)
}

// randomAccessStream implements StreamReader over a random-access Reader,
// carving sub-readers without copying.
type randomAccessStream struct {
	r   Reader
	pos uint64
}

// NewStreamReader adapts a random-access Reader into a StreamReader that
// reads sequentially starting at offset 0.
func NewStreamReader(r Reader) StreamReader {
	return &randomAccessStream{r: r}
}

func (s *randomAccessStream) ReadByte() (byte, error) {
	var b [1]byte
	if err := s.r.ReadAt(b[:], s.pos); err != nil {
		return 0, err
	}
	s.pos++
	return b[0], nil
}

func (s *randomAccessStream) ReadUint32() (uint32, error) {
	v, err := s.r.ReadUint32(s.pos)
	if err != nil {
		return 0, err
	}
	s.pos += 4
	return v, nil
}

func (s *randomAccessStream) ReadUint64() (uint64, error) {
	v, err := s.r.ReadUint64(s.pos)
	if err != nil {
		return 0, err
	}
	s.pos += 8
	return v, nil
}

func (s *randomAccessStream) ReadBytes(n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if err := s.r.ReadAt(buf, s.pos); err != nil {
		return nil, err
	}
	s.pos += n
	return buf, nil
}

func (s *randomAccessStream) SubReader(size uint64) (Reader, error) {
	sr, err := s.r.SubReader(s.pos, size)
	if err != nil {
		return nil, err
	}
	s.pos += size
	return sr, nil
}

// ioStream implements StreamReader over a one-pass io.Reader, such as a
// compression decoder. SubReader must copy because the source cannot be
// re-read.
type ioStream struct {
	r io.Reader
}

// NewIOStreamReader adapts a one-pass io.Reader (for example a
// decompressor) into a StreamReader.
func NewIOStreamReader(r io.Reader) StreamReader {
	return &ioStream{r: r}
}

func (s *ioStream) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(s.r, b[:]); err != nil {
		return 0, translateStreamErr(err)
	}
	return b[0], nil
}

func (s *ioStream) ReadUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(s.r, b[:]); err != nil {
		return 0, translateStreamErr(err)
	}
	return readUint32(b[:]), nil
}

func (s *ioStream) ReadUint64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(s.r, b[:]); err != nil {
		return 0, translateStreamErr(err)
	}
	return readUint64(b[:]), nil
}

func (s *ioStream) ReadBytes(n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, translateStreamErr(err)
	}
	return buf, nil
}

func (s *ioStream) SubReader(size uint64) (Reader, error) {
	buf, err := s.ReadBytes(size)
	if err != nil {
		return nil, err
	}
	return NewBufferReader(NewBuffer(buf)), nil
}

func translateStreamErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: unexpected end of stream: %v", ErrDecode, err)
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}
