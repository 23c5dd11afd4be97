package zim

import (
	"fmt"
	"io"
	"os"
	"sort"

	mmap "github.com/blevesearch/mmap-go"
)

// Buffer is a contiguous, possibly zero-copy, view over bytes belonging to
// a Reader. It may own its storage (a plain []byte) or borrow from a
// memory-mapped region; callers must not assume either.
type Buffer interface {
	// Data returns the bytes starting at offset, extending to the end of
	// the buffer.
	Data(offset uint64) []byte
	// Size returns the buffer's length in bytes.
	Size() uint64
	// SubBuffer returns a view of length bytes starting at offset.
	SubBuffer(offset, length uint64) (Buffer, error)
}

// sliceBuffer is the concrete Buffer backing in-memory buffers,
// materialized (copied) reads, and MmapReader's zero-copy views into a
// mapped part.
type sliceBuffer struct {
	b []byte
}

// NewBuffer wraps a plain byte slice as a Buffer.
func NewBuffer(b []byte) Buffer {
	return &sliceBuffer{b: b}
}

func (s *sliceBuffer) Data(offset uint64) []byte {
	if offset > uint64(len(s.b)) {
		return nil
	}
	return s.b[offset:]
}

func (s *sliceBuffer) Size() uint64 {
	return uint64(len(s.b))
}

func (s *sliceBuffer) SubBuffer(offset, length uint64) (Buffer, error) {
	if offset+length > uint64(len(s.b)) || offset+length < offset {
		return nil, fmt.Errorf("%w: sub-buffer [%d,%d) exceeds size %d", ErrBounds, offset, offset+length, len(s.b))
	}
	return &sliceBuffer{b: s.b[offset : offset+length]}, nil
}

// Reader is a uniform random-access view over a memory slice, a mmapped
// region, or a multi-part file. All reads are all-or-fail: a short read
// from the underlying source is reported as ErrIO, never returned
// partially.
type Reader interface {
	// Size returns the number of addressable bytes.
	Size() uint64
	// ReadAt reads len(dest) bytes starting at offset.
	ReadAt(dest []byte, offset uint64) error
	// ReadUint16/32/64 read a little-endian fixed-width integer at offset.
	ReadUint16(offset uint64) (uint16, error)
	ReadUint32(offset uint64) (uint32, error)
	ReadUint64(offset uint64) (uint64, error)
	// GetBuffer returns a Buffer over [offset, offset+length), zero-copy
	// where the underlying storage allows it.
	GetBuffer(offset, length uint64) (Buffer, error)
	// SubReader returns a Reader restricted to [offset, offset+length)
	// of this Reader, addressed from zero.
	SubReader(offset, length uint64) (Reader, error)
}

// BufferReader is a Reader over an in-memory Buffer.
type BufferReader struct {
	buf Buffer
}

// NewBufferReader wraps buf as a Reader.
func NewBufferReader(buf Buffer) *BufferReader {
	return &BufferReader{buf: buf}
}

func (r *BufferReader) Size() uint64 { return r.buf.Size() }

func (r *BufferReader) ReadAt(dest []byte, offset uint64) error {
	n := uint64(len(dest))
	if offset+n > r.buf.Size() || offset+n < offset {
		return fmt.Errorf("%w: read [%d,%d) beyond size %d", ErrBounds, offset, offset+n, r.buf.Size())
	}
	copy(dest, r.buf.Data(offset)[:n])
	return nil
}

func (r *BufferReader) ReadUint16(offset uint64) (uint16, error) {
	var b [2]byte
	if err := r.ReadAt(b[:], offset); err != nil {
		return 0, err
	}
	return readUint16(b[:]), nil
}

func (r *BufferReader) ReadUint32(offset uint64) (uint32, error) {
	var b [4]byte
	if err := r.ReadAt(b[:], offset); err != nil {
		return 0, err
	}
	return readUint32(b[:]), nil
}

func (r *BufferReader) ReadUint64(offset uint64) (uint64, error) {
	var b [8]byte
	if err := r.ReadAt(b[:], offset); err != nil {
		return 0, err
	}
	return readUint64(b[:]), nil
}

func (r *BufferReader) GetBuffer(offset, length uint64) (Buffer, error) {
	return r.buf.SubBuffer(offset, length)
}

func (r *BufferReader) SubReader(offset, length uint64) (Reader, error) {
	buf, err := r.buf.SubBuffer(offset, length)
	if err != nil {
		return nil, err
	}
	return NewBufferReader(buf), nil
}

// filePart is one physical file backing a byte range of a (possibly
// multi-part) logical archive.
type filePart struct {
	start, end uint64 // [start, end) in the logical address space
	f          *os.File
	m          mmap.MMap // nil unless mmapped
}

// FileCompound stitches one or more physical files into a single logical
// byte address space. ZIM archives larger than the split threshold are
// shipped as name.zimaa, name.zimab, ...; FileCompound hides the seam.
type FileCompound struct {
	parts []filePart // sorted by start, contiguous, no gaps
	size  uint64
}

// OpenFileCompound opens path as a single file, or, if that does not
// exist, the sequence path+".zimaa", path+".zimab", ... stopping at the
// first missing suffix.
func OpenFileCompound(path string) (*FileCompound, error) {
	if fi, err := os.Stat(path); err == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		return &FileCompound{
			parts: []filePart{{start: 0, end: uint64(fi.Size()), f: f}},
			size:  uint64(fi.Size()),
		}, nil
	}

	fc := &FileCompound{}
	for _, suffix := range splitSuffixes() {
		partPath := path + "." + suffix
		fi, err := os.Stat(partPath)
		if err != nil {
			break
		}
		f, err := os.Open(partPath)
		if err != nil {
			fc.Close()
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		fc.parts = append(fc.parts, filePart{start: fc.size, end: fc.size + uint64(fi.Size()), f: f})
		fc.size += uint64(fi.Size())
	}
	if len(fc.parts) == 0 {
		return nil, fmt.Errorf("%w: no file found for %q or its .zimaa.. split parts", ErrIO, path)
	}
	return fc, nil
}

// splitSuffixes generates "aa".."zz", the conventional ZIM split-file
// suffix sequence.
func splitSuffixes() []string {
	suffixes := make([]string, 0, 26*26)
	for a := byte('a'); a <= 'z'; a++ {
		for b := byte('a'); b <= 'z'; b++ {
			suffixes = append(suffixes, string([]byte{a, b}))
		}
	}
	return suffixes
}

// Size returns the total logical size across all parts.
func (fc *FileCompound) Size() uint64 { return fc.size }

// Close closes every underlying file (and unmaps any mmapped part).
func (fc *FileCompound) Close() error {
	var first error
	for i := range fc.parts {
		if fc.parts[i].m != nil {
			if err := fc.parts[i].m.Unmap(); err != nil && first == nil {
				first = err
			}
			fc.parts[i].m = nil
		}
		if err := fc.parts[i].f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// partIndex returns the index of the part containing offset, via binary
// search over the sorted, contiguous part ranges.
func (fc *FileCompound) partIndex(offset uint64) (int, error) {
	i := sort.Search(len(fc.parts), func(i int) bool { return fc.parts[i].end > offset })
	if i >= len(fc.parts) {
		return 0, fmt.Errorf("%w: offset %d beyond compound size %d", ErrBounds, offset, fc.size)
	}
	return i, nil
}

// ReadAt reads len(dest) bytes starting at offset, decomposing the read
// into sequential per-part reads when the range straddles a part
// boundary.
func (fc *FileCompound) ReadAt(dest []byte, offset uint64) error {
	n := uint64(len(dest))
	if n == 0 {
		return nil
	}
	if offset+n > fc.size || offset+n < offset {
		return fmt.Errorf("%w: read [%d,%d) beyond compound size %d", ErrBounds, offset, offset+n, fc.size)
	}

	idx, err := fc.partIndex(offset)
	if err != nil {
		return err
	}

	remaining := dest
	cur := offset
	for len(remaining) > 0 {
		p := fc.parts[idx]
		localOff := int64(cur - p.start)
		avail := p.end - cur
		chunk := uint64(len(remaining))
		if chunk > avail {
			chunk = avail
		}
		if _, err := p.f.ReadAt(remaining[:chunk], localOff); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		remaining = remaining[chunk:]
		cur += chunk
		idx++
	}
	return nil
}

// mmapAll maps every part read-only into memory. Callers who only need
// sequential or occasional access can skip this and rely on ReadAt.
func (fc *FileCompound) mmapAll() error {
	for i := range fc.parts {
		if fc.parts[i].m != nil {
			continue
		}
		m, err := mmap.Map(fc.parts[i].f, mmap.RDONLY, 0)
		if err != nil {
			return fmt.Errorf("%w: mmap: %v", ErrIO, err)
		}
		fc.parts[i].m = m
	}
	return nil
}

// FileReader is a Reader over a FileCompound using plain positioned reads
// (os.File.ReadAt), with no memory mapping.
type FileReader struct {
	fc *FileCompound
}

// NewFileReader wraps fc as a Reader.
func NewFileReader(fc *FileCompound) *FileReader {
	return &FileReader{fc: fc}
}

func (r *FileReader) Size() uint64 { return r.fc.Size() }

func (r *FileReader) ReadAt(dest []byte, offset uint64) error {
	return r.fc.ReadAt(dest, offset)
}

func (r *FileReader) ReadUint16(offset uint64) (uint16, error) {
	var b [2]byte
	if err := r.ReadAt(b[:], offset); err != nil {
		return 0, err
	}
	return readUint16(b[:]), nil
}

func (r *FileReader) ReadUint32(offset uint64) (uint32, error) {
	var b [4]byte
	if err := r.ReadAt(b[:], offset); err != nil {
		return 0, err
	}
	return readUint32(b[:]), nil
}

func (r *FileReader) ReadUint64(offset uint64) (uint64, error) {
	var b [8]byte
	if err := r.ReadAt(b[:], offset); err != nil {
		return 0, err
	}
	return readUint64(b[:]), nil
}

func (r *FileReader) GetBuffer(offset, length uint64) (Buffer, error) {
	b := make([]byte, length)
	if err := r.ReadAt(b, offset); err != nil {
		return nil, err
	}
	return &sliceBuffer{b: b}, nil
}

func (r *FileReader) SubReader(offset, length uint64) (Reader, error) {
	if offset+length > r.fc.Size() || offset+length < offset {
		return nil, fmt.Errorf("%w: sub-reader [%d,%d) exceeds size %d", ErrBounds, offset, offset+length, r.fc.Size())
	}
	return &offsetReader{base: r, base0: offset, size: length}, nil
}

// offsetReader re-bases a Reader so offset 0 maps to base0 within base.
// Shared by FileReader.SubReader and MmapReader.SubReader.
type offsetReader struct {
	base  Reader
	base0 uint64
	size  uint64
}

func (o *offsetReader) Size() uint64 { return o.size }

func (o *offsetReader) checkRange(offset, length uint64) error {
	if offset+length > o.size || offset+length < offset {
		return fmt.Errorf("%w: read [%d,%d) beyond size %d", ErrBounds, offset, offset+length, o.size)
	}
	return nil
}

func (o *offsetReader) ReadAt(dest []byte, offset uint64) error {
	if err := o.checkRange(offset, uint64(len(dest))); err != nil {
		return err
	}
	return o.base.ReadAt(dest, o.base0+offset)
}

func (o *offsetReader) ReadUint16(offset uint64) (uint16, error) {
	if err := o.checkRange(offset, 2); err != nil {
		return 0, err
	}
	return o.base.ReadUint16(o.base0 + offset)
}

func (o *offsetReader) ReadUint32(offset uint64) (uint32, error) {
	if err := o.checkRange(offset, 4); err != nil {
		return 0, err
	}
	return o.base.ReadUint32(o.base0 + offset)
}

func (o *offsetReader) ReadUint64(offset uint64) (uint64, error) {
	if err := o.checkRange(offset, 8); err != nil {
		return 0, err
	}
	return o.base.ReadUint64(o.base0 + offset)
}

func (o *offsetReader) GetBuffer(offset, length uint64) (Buffer, error) {
	if err := o.checkRange(offset, length); err != nil {
		return nil, err
	}
	return o.base.GetBuffer(o.base0+offset, length)
}

func (o *offsetReader) SubReader(offset, length uint64) (Reader, error) {
	if err := o.checkRange(offset, length); err != nil {
		return nil, err
	}
	return o.base.SubReader(o.base0+offset, length)
}

// MmapReader is a Reader over a FileCompound whose parts have been
// memory-mapped. GetBuffer returns a zero-copy Buffer when the requested
// range lies within a single part; a read straddling parts falls back to
// a materialized copy via ReadAt, same as FileReader.
type MmapReader struct {
	fc *FileCompound
}

// NewMmapReader wraps fc as a Reader, mapping every part if not already
// mapped.
func NewMmapReader(fc *FileCompound) (*MmapReader, error) {
	if err := fc.mmapAll(); err != nil {
		return nil, err
	}
	return &MmapReader{fc: fc}, nil
}

func (r *MmapReader) Size() uint64 { return r.fc.Size() }

func (r *MmapReader) ReadAt(dest []byte, offset uint64) error {
	return r.fc.ReadAt(dest, offset)
}

func (r *MmapReader) ReadUint16(offset uint64) (uint16, error) {
	var b [2]byte
	if err := r.ReadAt(b[:], offset); err != nil {
		return 0, err
	}
	return readUint16(b[:]), nil
}

func (r *MmapReader) ReadUint32(offset uint64) (uint32, error) {
	var b [4]byte
	if err := r.ReadAt(b[:], offset); err != nil {
		return 0, err
	}
	return readUint32(b[:]), nil
}

func (r *MmapReader) ReadUint64(offset uint64) (uint64, error) {
	var b [8]byte
	if err := r.ReadAt(b[:], offset); err != nil {
		return 0, err
	}
	return readUint64(b[:]), nil
}

// GetBuffer returns a zero-copy Buffer when [offset, offset+length) lies
// within a single mapped part, otherwise a materialized copy.
func (r *MmapReader) GetBuffer(offset, length uint64) (Buffer, error) {
	if length == 0 {
		return &sliceBuffer{}, nil
	}
	idx, err := r.fc.partIndex(offset)
	if err != nil {
		return nil, err
	}
	p := r.fc.parts[idx]
	if offset+length <= p.end {
		localOff := offset - p.start
		return &sliceBuffer{b: p.m[localOff : localOff+length]}, nil
	}
	// Straddles a part boundary: materialize.
	b := make([]byte, length)
	if err := r.fc.ReadAt(b, offset); err != nil {
		return nil, err
	}
	return &sliceBuffer{b: b}, nil
}

func (r *MmapReader) SubReader(offset, length uint64) (Reader, error) {
	if offset+length > r.fc.Size() || offset+length < offset {
		return nil, fmt.Errorf("%w: sub-reader [%d,%d) exceeds size %d", ErrBounds, offset, offset+length, r.fc.Size())
	}
	return &offsetReader{base: r, base0: offset, size: length}, nil
}

var _ io.Closer = (*FileCompound)(nil)
