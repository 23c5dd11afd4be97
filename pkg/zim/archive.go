package zim

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// headerMagic identifies a ZIM file: ASCII "ZIM\004" read little-endian.
const headerMagic = 0x44D495A

// headerSize is the fixed byte length of the header described in §6.
const headerSize = 80

// noPageIndex marks an absent main-page or layout-page index.
const noPageIndex = 0xFFFFFFFF

// supportedMajorVersion is the highest header major version this reader
// understands. Minor version bumps are assumed backward compatible.
const supportedMajorVersion = 5

// FileHeader is the fixed 80-byte header at offset 0 of every ZIM image.
type FileHeader struct {
	Magic        uint32
	MajorVersion uint16
	MinorVersion uint16
	UUID         [16]byte
	ArticleCount uint32
	ClusterCount uint32
	URLPtrPos    uint64
	TitlePtrPos  uint64
	ClusterPtrPos uint64
	MimeListPos  uint64
	MainPage     uint32
	LayoutPage   uint32
	ChecksumPos  uint64
}

func parseHeader(r Reader) (*FileHeader, error) {
	if r.Size() < headerSize {
		return nil, fmt.Errorf("%w: file of %d bytes too small for header", ErrFormat, r.Size())
	}
	buf, err := r.GetBuffer(0, headerSize)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrIO, err)
	}
	b := buf.Data(0)

	h := &FileHeader{}
	h.Magic = readUint32(b[0:4])
	if h.Magic != headerMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrFormat, h.Magic)
	}
	h.MajorVersion = readUint16(b[4:6])
	if h.MajorVersion > supportedMajorVersion {
		return nil, fmt.Errorf("%w: unsupported major version %d (supports up to %d)", ErrFormat, h.MajorVersion, supportedMajorVersion)
	}
	h.MinorVersion = readUint16(b[6:8])
	copy(h.UUID[:], b[8:24])
	h.ArticleCount = readUint32(b[24:28])
	h.ClusterCount = readUint32(b[28:32])
	h.URLPtrPos = readUint64(b[32:40])
	h.TitlePtrPos = readUint64(b[40:48])
	h.ClusterPtrPos = readUint64(b[48:56])
	h.MimeListPos = readUint64(b[56:64])
	h.MainPage = readUint32(b[64:68])
	h.LayoutPage = readUint32(b[68:72])
	h.ChecksumPos = readUint64(b[72:80])
	return h, nil
}

// Serialize encodes the header to its fixed 80-byte on-disk form.
func (h *FileHeader) Serialize() []byte {
	b := make([]byte, headerSize)
	putUint32(b[0:4], h.Magic)
	putUint16(b[4:6], h.MajorVersion)
	putUint16(b[6:8], h.MinorVersion)
	copy(b[8:24], h.UUID[:])
	putUint32(b[24:28], h.ArticleCount)
	putUint32(b[28:32], h.ClusterCount)
	putUint64(b[32:40], h.URLPtrPos)
	putUint64(b[40:48], h.TitlePtrPos)
	putUint64(b[48:56], h.ClusterPtrPos)
	putUint64(b[56:64], h.MimeListPos)
	putUint32(b[64:68], h.MainPage)
	putUint32(b[68:72], h.LayoutPage)
	putUint64(b[72:80], h.ChecksumPos)
	return b
}

func parseMimeList(r Reader, pos uint64) ([]string, error) {
	sub, err := r.SubReader(pos, r.Size()-pos)
	if err != nil {
		return nil, fmt.Errorf("%w: mime list: %v", ErrFormat, err)
	}
	sr := NewStreamReader(sub)
	var list []string
	for {
		s, err := readCString(sr)
		if err != nil {
			return nil, fmt.Errorf("%w: mime list: %v", ErrFormat, err)
		}
		if s == "" {
			return list, nil
		}
		list = append(list, s)
	}
}

const (
	defaultClusterCacheCost = 64 << 20
	defaultDirentCacheCost  = 8 << 20
)

// Archive is an open, read-only handle to a ZIM image. All methods are
// safe to call from multiple goroutines concurrently (§5).
type Archive struct {
	r      Reader
	fc     *FileCompound
	header *FileHeader

	mimeList []string

	direntCache  *Cache
	clusterCache *Cache

	nsMu           sync.Mutex
	urlNSRanges    map[byte][2]uint32
	titleNSRanges  map[byte][2]uint32
}

// Open opens path as a ZIM archive, memory-mapping it when possible and
// falling back to plain positioned reads otherwise.
func Open(path string) (*Archive, error) {
	fc, err := OpenFileCompound(path)
	if err != nil {
		return nil, err
	}

	var r Reader
	if mr, err := NewMmapReader(fc); err == nil {
		r = mr
	} else {
		r = NewFileReader(fc)
	}

	a, err := OpenReader(r)
	if err != nil {
		fc.Close()
		return nil, err
	}
	a.fc = fc
	return a, nil
}

// OpenReader builds an Archive over an already-open Reader, for callers
// who manage their own file lifetime (e.g. an in-memory BufferReader in
// tests).
func OpenReader(r Reader) (*Archive, error) {
	h, err := parseHeader(r)
	if err != nil {
		return nil, err
	}
	mimeList, err := parseMimeList(r, h.MimeListPos)
	if err != nil {
		return nil, err
	}
	return &Archive{
		r:             r,
		header:        h,
		mimeList:      mimeList,
		direntCache:   NewCache(defaultDirentCacheCost, nil),
		clusterCache:  NewCache(defaultClusterCacheCost, ClusterCostEstimator),
		urlNSRanges:   make(map[byte][2]uint32),
		titleNSRanges: make(map[byte][2]uint32),
	}, nil
}

// Close releases the archive's underlying file handles and mappings, if
// Open (rather than OpenReader) was used to create it.
func (a *Archive) Close() error {
	if a.fc != nil {
		return a.fc.Close()
	}
	return nil
}

// ArticleCount returns the number of dirents (article_count in §6).
func (a *Archive) ArticleCount() uint32 { return a.header.ArticleCount }

// ClusterCount returns the number of clusters.
func (a *Archive) ClusterCount() uint32 { return a.header.ClusterCount }

// UUID returns the archive's identity.
func (a *Archive) UUID() [16]byte { return a.header.UUID }

// MainPage returns the main-page entry index, if the archive declares one.
func (a *Archive) MainPage() (uint32, bool) {
	if a.header.MainPage == noPageIndex {
		return 0, false
	}
	return a.header.MainPage, true
}

// LayoutPage returns the layout/favicon entry index, if declared.
func (a *Archive) LayoutPage() (uint32, bool) {
	if a.header.LayoutPage == noPageIndex {
		return 0, false
	}
	return a.header.LayoutPage, true
}

// MimeType resolves a content dirent's mime index to its string form.
func (a *Archive) MimeType(index uint16) (string, error) {
	switch index {
	case mimeRedirect, mimeLinkTarget, mimeDeleted:
		return "", fmt.Errorf("%w: mime index %d is a sentinel, not a content type", ErrFormat, index)
	}
	if int(index) >= len(a.mimeList) {
		return "", fmt.Errorf("%w: mime index %d beyond list of %d", ErrFormat, index, len(a.mimeList))
	}
	return a.mimeList[index], nil
}

func (a *Archive) urlOffset(urlIndex uint32) (uint64, error) {
	if urlIndex >= a.header.ArticleCount {
		return 0, fmt.Errorf("%w: url index %d beyond article count %d", ErrBounds, urlIndex, a.header.ArticleCount)
	}
	return a.r.ReadUint64(a.header.URLPtrPos + uint64(urlIndex)*8)
}

func (a *Archive) titleToURLIndex(titleIndex uint32) (uint32, error) {
	if titleIndex >= a.header.ArticleCount {
		return 0, fmt.Errorf("%w: title index %d beyond article count %d", ErrBounds, titleIndex, a.header.ArticleCount)
	}
	return a.r.ReadUint32(a.header.TitlePtrPos + uint64(titleIndex)*4)
}

func (a *Archive) clusterOffsetRange(number uint32) (uint64, uint64, error) {
	if number >= a.header.ClusterCount {
		return 0, 0, fmt.Errorf("%w: cluster %d beyond cluster count %d", ErrBounds, number, a.header.ClusterCount)
	}
	start, err := a.r.ReadUint64(a.header.ClusterPtrPos + uint64(number)*8)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: cluster pointer table: %v", ErrFormat, err)
	}
	end, err := a.r.ReadUint64(a.header.ClusterPtrPos + uint64(number+1)*8)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: cluster pointer table: %v", ErrFormat, err)
	}
	return start, end, nil
}

// Dirent returns the parsed dirent at the given position in URL order,
// fetching it through the dirent cache.
func (a *Archive) Dirent(urlIndex uint32) (*Dirent, error) {
	key := "d" + strconv.FormatUint(uint64(urlIndex), 10)
	v, err := a.direntCache.GetOrPut(key, func() (any, error) {
		offset, err := a.urlOffset(urlIndex)
		if err != nil {
			return nil, err
		}
		sub, err := a.r.SubReader(offset, a.r.Size()-offset)
		if err != nil {
			return nil, fmt.Errorf("%w: dirent %d: %v", ErrFormat, urlIndex, err)
		}
		d, err := ParseDirent(NewStreamReader(sub))
		if err != nil {
			return nil, err
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Dirent), nil
}

func (a *Archive) cluster(number uint32) (*Cluster, error) {
	key := "c" + strconv.FormatUint(uint64(number), 10)
	v, err := a.clusterCache.GetOrPut(key, func() (any, error) {
		start, end, err := a.clusterOffsetRange(number)
		if err != nil {
			return nil, err
		}
		if end < start {
			return nil, fmt.Errorf("%w: cluster %d has inverted range [%d,%d)", ErrFormat, number, start, end)
		}
		raw, err := a.r.SubReader(start, end-start)
		if err != nil {
			return nil, fmt.Errorf("%w: cluster %d: %v", ErrFormat, number, err)
		}
		return OpenCluster(raw)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Cluster), nil
}

// namespaceRange returns the half-open [begin,end) range of URL-order
// indices whose dirent namespace equals ns, computed by binary search
// and cached thereafter.
func (a *Archive) namespaceRange(ns byte) (uint32, uint32, error) {
	a.nsMu.Lock()
	if r, ok := a.urlNSRanges[ns]; ok {
		a.nsMu.Unlock()
		return r[0], r[1], nil
	}
	a.nsMu.Unlock()

	n := int(a.header.ArticleCount)
	var probeErr error
	at := func(i int) byte {
		d, err := a.Dirent(uint32(i))
		if err != nil {
			probeErr = err
			return 0xFF
		}
		return d.Namespace
	}

	begin := sort.Search(n, func(i int) bool { return at(i) >= ns })
	if probeErr != nil {
		return 0, 0, probeErr
	}
	end := sort.Search(n, func(i int) bool { return at(i) > ns })
	if probeErr != nil {
		return 0, 0, probeErr
	}

	a.nsMu.Lock()
	a.urlNSRanges[ns] = [2]uint32{uint32(begin), uint32(end)}
	a.nsMu.Unlock()
	return uint32(begin), uint32(end), nil
}

func (a *Archive) titleNamespaceRange(ns byte) (uint32, uint32, error) {
	a.nsMu.Lock()
	if r, ok := a.titleNSRanges[ns]; ok {
		a.nsMu.Unlock()
		return r[0], r[1], nil
	}
	a.nsMu.Unlock()

	n := int(a.header.ArticleCount)
	var probeErr error
	direntAtTitleIdx := func(i int) *Dirent {
		urlIdx, err := a.titleToURLIndex(uint32(i))
		if err != nil {
			probeErr = err
			return nil
		}
		d, err := a.Dirent(urlIdx)
		if err != nil {
			probeErr = err
			return nil
		}
		return d
	}
	at := func(i int) byte {
		d := direntAtTitleIdx(i)
		if d == nil {
			return 0xFF
		}
		return d.Namespace
	}

	begin := sort.Search(n, func(i int) bool { return at(i) >= ns })
	if probeErr != nil {
		return 0, 0, probeErr
	}
	end := sort.Search(n, func(i int) bool { return at(i) > ns })
	if probeErr != nil {
		return 0, 0, probeErr
	}

	a.nsMu.Lock()
	a.titleNSRanges[ns] = [2]uint32{uint32(begin), uint32(end)}
	a.nsMu.Unlock()
	return uint32(begin), uint32(end), nil
}

// FindByPath binary searches the URL pointer table for (ns, path),
// returning its URL-order index. A miss reports ok=false, not an error.
func (a *Archive) FindByPath(ns byte, path string) (uint32, bool, error) {
	begin, end, err := a.namespaceRange(ns)
	if err != nil {
		return 0, false, err
	}
	var probeErr error
	width := int(end - begin)
	off := sort.Search(width, func(i int) bool {
		d, err := a.Dirent(begin + uint32(i))
		if err != nil {
			probeErr = err
			return true
		}
		return compareNamespacePath(d.Namespace, d.Path, ns, path) >= 0
	})
	if probeErr != nil {
		return 0, false, probeErr
	}
	pos := begin + uint32(off)
	if pos >= end {
		return 0, false, nil
	}
	d, err := a.Dirent(pos)
	if err != nil {
		return 0, false, err
	}
	if d.Namespace != ns || d.Path != path {
		return 0, false, nil
	}
	return pos, true, nil
}

// FindByTitle binary searches the title pointer table for (ns, title),
// returning the matching entry's URL-order index.
func (a *Archive) FindByTitle(ns byte, title string) (uint32, bool, error) {
	begin, end, err := a.titleNamespaceRange(ns)
	if err != nil {
		return 0, false, err
	}
	var probeErr error
	direntAtTitleIdx := func(i uint32) *Dirent {
		urlIdx, err := a.titleToURLIndex(i)
		if err != nil {
			probeErr = err
			return nil
		}
		d, err := a.Dirent(urlIdx)
		if err != nil {
			probeErr = err
			return nil
		}
		return d
	}
	width := int(end - begin)
	off := sort.Search(width, func(i int) bool {
		d := direntAtTitleIdx(begin + uint32(i))
		if d == nil {
			return true
		}
		return compareNamespacePath(d.Namespace, d.Title, ns, title) >= 0
	})
	if probeErr != nil {
		return 0, false, probeErr
	}
	pos := begin + uint32(off)
	if pos >= end {
		return 0, false, nil
	}
	d := direntAtTitleIdx(pos)
	if probeErr != nil {
		return 0, false, probeErr
	}
	if d == nil || d.Namespace != ns || d.Title != title {
		return 0, false, nil
	}
	urlIdx, err := a.titleToURLIndex(pos)
	if err != nil {
		return 0, false, err
	}
	return urlIdx, true, nil
}

// Entry is an API-level handle to one resolved dirent.
type Entry struct {
	a   *Archive
	idx uint32
}

// EntryByURLIndex wraps a URL-order index as an Entry.
func (a *Archive) EntryByURLIndex(idx uint32) (*Entry, error) {
	if idx >= a.header.ArticleCount {
		return nil, fmt.Errorf("%w: entry index %d beyond article count %d", ErrBounds, idx, a.header.ArticleCount)
	}
	return &Entry{a: a, idx: idx}, nil
}

// GetEntryByPath resolves (ns, path) to an Entry, or ErrNotFound.
func (a *Archive) GetEntryByPath(ns byte, path string) (*Entry, error) {
	idx, ok, err := a.FindByPath(ns, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %c/%s", ErrNotFound, ns, path)
	}
	return &Entry{a: a, idx: idx}, nil
}

// GetEntryByTitle resolves (ns, title) to an Entry, or ErrNotFound.
func (a *Archive) GetEntryByTitle(ns byte, title string) (*Entry, error) {
	idx, ok, err := a.FindByTitle(ns, title)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: title %c/%s", ErrNotFound, ns, title)
	}
	return &Entry{a: a, idx: idx}, nil
}

// Index returns the entry's URL-order position, stable for the life of
// the archive handle.
func (e *Entry) Index() uint32 { return e.idx }

func (e *Entry) dirent() (*Dirent, error) { return e.a.Dirent(e.idx) }

// Path returns the entry's path.
func (e *Entry) Path() (string, error) {
	d, err := e.dirent()
	if err != nil {
		return "", err
	}
	return d.Path, nil
}

// Title returns the entry's title (defaults to Path when absent on disk).
func (e *Entry) Title() (string, error) {
	d, err := e.dirent()
	if err != nil {
		return "", err
	}
	return d.Title, nil
}

// Namespace returns the entry's namespace byte.
func (e *Entry) Namespace() (byte, error) {
	d, err := e.dirent()
	if err != nil {
		return 0, err
	}
	return d.Namespace, nil
}

// IsRedirect reports whether the entry is a redirect dirent.
func (e *Entry) IsRedirect() (bool, error) {
	d, err := e.dirent()
	if err != nil {
		return false, err
	}
	return d.IsRedirect(), nil
}

// MimeType resolves the entry's content mime type. Only valid for
// content entries.
func (e *Entry) MimeType() (string, error) {
	d, err := e.dirent()
	if err != nil {
		return "", err
	}
	return e.a.MimeType(d.Mime)
}

// Redirect follows redirect dirents until a non-redirect entry is
// reached, refusing cycles and enforcing maxDepth.
func (e *Entry) Redirect(maxDepth int) (*Entry, error) {
	visited := make(map[uint32]bool)
	cur := e
	for depth := 0; ; depth++ {
		d, err := cur.dirent()
		if err != nil {
			return nil, err
		}
		if !d.IsRedirect() {
			return cur, nil
		}
		if depth >= maxDepth {
			return nil, fmt.Errorf("%w: redirect depth exceeded %d at index %d", ErrRedirectCycle, maxDepth, cur.idx)
		}
		if visited[cur.idx] {
			return nil, fmt.Errorf("%w: cycle detected at index %d", ErrRedirectCycle, cur.idx)
		}
		visited[cur.idx] = true
		if d.RedirectIndex >= e.a.header.ArticleCount {
			return nil, fmt.Errorf("%w: redirect target %d beyond article count %d", ErrFormat, d.RedirectIndex, e.a.header.ArticleCount)
		}
		cur = &Entry{a: e.a, idx: d.RedirectIndex}
	}
}

// Blob is a view into a cluster's decompressed bytes.
type Blob struct {
	data []byte
}

// Data returns the blob's full contents.
func (b *Blob) Data() []byte { return b.data }

// Size returns the blob's length.
func (b *Blob) Size() uint64 { return uint64(len(b.data)) }

// ReadAt copies bytes starting at offset into p. offset == Size()
// yields a zero-length read; offset > Size() yields ErrBounds (§8,
// boundary law).
func (b *Blob) ReadAt(p []byte, offset uint64) (int, error) {
	if offset > b.Size() {
		return 0, fmt.Errorf("%w: blob read at %d beyond size %d", ErrBounds, offset, b.Size())
	}
	return copy(p, b.data[offset:]), nil
}

// Blob resolves the entry's cluster/blob pair through the cluster
// cache and returns its decompressed bytes. Only valid for content
// entries; redirects must be resolved first.
func (e *Entry) Blob() (*Blob, error) {
	d, err := e.dirent()
	if err != nil {
		return nil, err
	}
	if d.Kind != DirentContent {
		return nil, fmt.Errorf("%w: entry %d is not a content item", ErrInvalidState, e.idx)
	}
	if d.ClusterNumber >= e.a.header.ClusterCount {
		return nil, fmt.Errorf("%w: cluster %d beyond cluster count %d", ErrFormat, d.ClusterNumber, e.a.header.ClusterCount)
	}
	cl, err := e.a.cluster(d.ClusterNumber)
	if err != nil {
		return nil, err
	}
	if d.BlobNumber >= cl.BlobCount() {
		return nil, fmt.Errorf("%w: blob %d beyond cluster blob count %d", ErrBounds, d.BlobNumber, cl.BlobCount())
	}
	data, err := cl.Blob(d.BlobNumber)
	if err != nil {
		return nil, err
	}
	return &Blob{data: data}, nil
}

// URLIterator walks entries in URL order, forward-only.
type URLIterator struct {
	a    *Archive
	i, n uint32
}

// URLIterator returns a fresh iterator over all entries in URL order.
func (a *Archive) URLIterator() *URLIterator {
	return &URLIterator{a: a, n: a.header.ArticleCount}
}

// Next returns the next entry, or ok=false when exhausted.
func (it *URLIterator) Next() (entry *Entry, ok bool) {
	if it.i >= it.n {
		return nil, false
	}
	e := &Entry{a: it.a, idx: it.i}
	it.i++
	return e, true
}

// TitleIterator walks entries in title order, forward-only.
type TitleIterator struct {
	a    *Archive
	i, n uint32
}

// TitleIterator returns a fresh iterator over all entries in title order.
func (a *Archive) TitleIterator() *TitleIterator {
	return &TitleIterator{a: a, n: a.header.ArticleCount}
}

// Next returns the next entry in title order, or ok=false when exhausted.
func (it *TitleIterator) Next() (*Entry, bool, error) {
	if it.i >= it.n {
		return nil, false, nil
	}
	urlIdx, err := it.a.titleToURLIndex(it.i)
	it.i++
	if err != nil {
		return nil, true, err
	}
	return &Entry{a: it.a, idx: urlIdx}, true, nil
}

// ClusterIterator walks clusters in on-disk order, forward-only; useful
// for read-locality benchmarks and full-archive verification.
type ClusterIterator struct {
	a    *Archive
	i, n uint32
}

// ClusterIterator returns a fresh iterator over all clusters in order.
func (a *Archive) ClusterIterator() *ClusterIterator {
	return &ClusterIterator{a: a, n: a.header.ClusterCount}
}

// Next returns the next cluster, or ok=false when exhausted.
func (it *ClusterIterator) Next() (*Cluster, bool, error) {
	if it.i >= it.n {
		return nil, false, nil
	}
	c, err := it.a.cluster(it.i)
	it.i++
	if err != nil {
		return nil, true, err
	}
	return c, true, nil
}

// VerifyChecksum recomputes the MD5 digest over [0, checksum_pos) and
// compares it with the trailer. Returns an error if the archive carries
// no checksum.
func (a *Archive) VerifyChecksum() (bool, error) {
	pos := a.header.ChecksumPos
	if pos == 0 {
		return false, fmt.Errorf("%w: archive has no checksum trailer", ErrInvalidState)
	}
	trailer, err := a.r.GetBuffer(pos, 16)
	if err != nil {
		return false, fmt.Errorf("%w: checksum trailer: %v", ErrIO, err)
	}
	want := trailer.Data(0)[:16]

	h := md5.New()
	const chunkSize = 1 << 20
	buf := make([]byte, chunkSize)
	for off := uint64(0); off < pos; {
		n := uint64(chunkSize)
		if remaining := pos - off; n > remaining {
			n = remaining
		}
		if err := a.r.ReadAt(buf[:n], off); err != nil {
			return false, fmt.Errorf("%w: %v", ErrIO, err)
		}
		h.Write(buf[:n])
		off += n
	}
	return bytes.Equal(h.Sum(nil), want), nil
}
