package zim

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"hash"
	"io"
	"runtime"
	"sort"
	"sync"

	"github.com/hashicorp/go-uuid"
	"golang.org/x/sync/errgroup"
)

// md5Accumulator hashes every byte written to the archive image so the
// trailing checksum can be computed in one streaming pass instead of a
// second read over the finished file.
type md5Accumulator struct{ h hash.Hash }

func newMD5Accumulator() *md5Accumulator { return &md5Accumulator{h: md5.New()} }

func (m *md5Accumulator) Write(p []byte) (int, error) { return m.h.Write(p) }

func (m *md5Accumulator) Sum() []byte { return m.h.Sum(nil) }

// Item is one content item a caller ingests into a new archive. A type
// satisfying Item also satisfies BlobProvider, since Writer hands items
// directly to the cluster they land in and calls Feed only when that
// cluster closes.
type Item interface {
	Namespace() byte
	Path() string
	Title() string
	MimeType() string
	Size() uint64
	Feed(w io.Writer) error
}

// CompressHint lets an Item override the writer's default
// compress-by-mime-type heuristic.
type CompressHint interface {
	ShouldCompress() bool
}

// Options configures a Writer, per §4.I. Compression must be
// CompressionNone or CompressionZstd: LZMA clusters are a legacy,
// read-only format that no conforming writer emits (see
// Cluster::compress() in libzim's writer/cluster.cpp, which throws on
// any compression code other than Zstd).
type Options struct {
	Compression    Compression
	MinClusterSize uint64
	Verbose        bool
	WithIndex      bool
	IndexLanguage  string
	WorkerThreads  int
	UUID           *[16]byte
	MainPath       string
	FaviconPath    string
}

// DefaultOptions returns the writer defaults: Zstd compression, a 1 MiB
// cluster closure threshold, and one compression worker per CPU.
func DefaultOptions() Options {
	return Options{
		Compression:    CompressionZstd,
		MinClusterSize: 1 << 20,
		WorkerThreads:  runtime.NumCPU(),
	}
}

type writerState int

const (
	writerOpen writerState = iota
	writerFinalized
)

type pendingEntry struct {
	ns    byte
	path  string
	title string
	kind  DirentKind

	mimeIndex uint16 // DirentContent only

	clusterNumber uint32 // DirentContent only, set at cluster closure
	blobNumber    uint32 // DirentContent only

	redirectTargetNS   byte // DirentRedirect only
	redirectTargetPath string
	redirectIndex      uint32 // resolved at Finalize

	finalIndex uint32 // URL-order position, assigned at Finalize
}

// openCluster accumulates providers for one not-yet-closed cluster.
type openCluster struct {
	cw       *ClusterWriter
	members  []uint32 // pending indices, parallel to cw's providers
}

// Writer builds a new ZIM archive from a stream of ingested items. A
// Writer is single-producer: AddItem/AddRedirect must not be called
// concurrently, matching §5's "no concurrent writer" contract. Cluster
// serialization itself runs on a bounded worker pool.
type Writer struct {
	opts  Options
	state writerState

	mu        sync.Mutex
	pending   []*pendingEntry
	pathIndex map[string]uint32

	mimeList  []string
	mimeIndex map[string]uint16

	compressed   *openCluster
	uncompressed *openCluster

	eg             *errgroup.Group
	closedClusters [][]byte // index = cluster number, filled by workers
}

// NewWriter creates an empty Writer.
func NewWriter(opts Options) (*Writer, error) {
	if opts.Compression != CompressionNone && opts.Compression != CompressionZstd {
		return nil, fmt.Errorf("%w: writer compression must be none or zstd, got %s", ErrInvalidState, opts.Compression)
	}
	if opts.WorkerThreads <= 0 {
		opts.WorkerThreads = 1
	}
	eg := &errgroup.Group{}
	eg.SetLimit(opts.WorkerThreads)
	return &Writer{
		opts:         opts,
		pathIndex:    make(map[string]uint32),
		mimeIndex:    make(map[string]uint16),
		compressed:   &openCluster{cw: NewClusterWriter(true, opts.Compression)},
		uncompressed: &openCluster{cw: NewClusterWriter(false, opts.Compression)},
		eg:           eg,
	}, nil
}

func entryKey(ns byte, path string) string {
	return string(ns) + "\x00" + path
}

func (w *Writer) internMime(mime string) uint16 {
	if idx, ok := w.mimeIndex[mime]; ok {
		return idx
	}
	idx := uint16(len(w.mimeList))
	w.mimeList = append(w.mimeList, mime)
	w.mimeIndex[mime] = idx
	return idx
}

// defaultShouldCompress mirrors common ZIM writer practice: text and
// markup compress well, already-compressed media does not.
func defaultShouldCompress(mime string) bool {
	switch {
	case len(mime) == 0:
		return true
	case hasAnyPrefix(mime, "image/", "video/", "audio/"):
		return false
	case mime == "application/octet-stream":
		return false
	default:
		return true
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

// AddItem ingests a content item. Returns ErrDuplicatePath if (ns, path)
// was already ingested, ErrInvalidState if the writer is finalized.
func (w *Writer) AddItem(item Item) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != writerOpen {
		return fmt.Errorf("%w: AddItem after finalize", ErrInvalidState)
	}

	ns, path := item.Namespace(), item.Path()
	key := entryKey(ns, path)
	if _, exists := w.pathIndex[key]; exists {
		return fmt.Errorf("%w: %c/%s", ErrDuplicatePath, ns, path)
	}

	mime := item.MimeType()
	pe := &pendingEntry{
		ns:        ns,
		path:      path,
		title:     item.Title(),
		kind:      DirentContent,
		mimeIndex: w.internMime(mime),
	}
	pid := uint32(len(w.pending))
	w.pending = append(w.pending, pe)
	w.pathIndex[key] = pid

	compress := defaultShouldCompress(mime)
	if hint, ok := item.(CompressHint); ok {
		compress = hint.ShouldCompress()
	}
	w.pushProvider(pid, item, compress)

	return nil
}

// AddRedirect ingests a redirect dirent from (ns, path) to (targetNS,
// targetPath). The target need not have been ingested yet; it is
// resolved during Finalize.
func (w *Writer) AddRedirect(ns byte, path, title string, targetNS byte, targetPath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != writerOpen {
		return fmt.Errorf("%w: AddRedirect after finalize", ErrInvalidState)
	}

	key := entryKey(ns, path)
	if _, exists := w.pathIndex[key]; exists {
		return fmt.Errorf("%w: %c/%s", ErrDuplicatePath, ns, path)
	}

	pe := &pendingEntry{
		ns:                 ns,
		path:               path,
		title:              title,
		kind:               DirentRedirect,
		redirectTargetNS:   targetNS,
		redirectTargetPath: targetPath,
	}
	pid := uint32(len(w.pending))
	w.pending = append(w.pending, pe)
	w.pathIndex[key] = pid

	return nil
}

func (w *Writer) pushProvider(pid uint32, provider BlobProvider, compress bool) {
	oc := w.uncompressed
	if compress {
		oc = w.compressed
	}
	oc.cw.Add(provider)
	oc.members = append(oc.members, pid)

	if oc.cw.UncompressedSize() >= w.opts.MinClusterSize {
		w.closeCluster(oc, compress)
	}
}

// closeCluster hands oc's accumulated providers to the worker pool and
// installs a fresh, empty cluster in its place.
func (w *Writer) closeCluster(oc *openCluster, compress bool) {
	if oc.cw.Count() == 0 {
		return
	}
	cw := oc.cw
	members := oc.members

	number := uint32(len(w.closedClusters))
	w.closedClusters = append(w.closedClusters, nil)
	for i, pid := range members {
		w.pending[pid].clusterNumber = number
		w.pending[pid].blobNumber = uint32(i)
	}

	w.eg.Go(func() error {
		var buf bytes.Buffer
		if _, err := cw.WriteTo(&buf); err != nil {
			return err
		}
		w.closedClusters[number] = buf.Bytes()
		return nil
	})

	fresh := &openCluster{cw: NewClusterWriter(compress, w.opts.Compression)}
	*oc = *fresh
}

// Finalize closes all remaining clusters, resolves redirects and sort
// orders, builds the fulltext index if requested, and streams the
// complete archive image to out. If checksum is true a trailing 16-byte
// MD5 digest over everything preceding it is appended.
func (w *Writer) Finalize(out io.Writer, checksum bool) error {
	w.mu.Lock()
	if w.state != writerOpen {
		w.mu.Unlock()
		return fmt.Errorf("%w: Finalize called twice", ErrInvalidState)
	}
	w.state = writerFinalized

	if w.opts.WithIndex {
		if err := w.buildAndAddFulltextIndex(); err != nil {
			w.mu.Unlock()
			return err
		}
	}

	w.closeCluster(w.compressed, true)
	w.closeCluster(w.uncompressed, false)
	w.mu.Unlock()

	if err := w.eg.Wait(); err != nil {
		return err
	}

	n := uint32(len(w.pending))

	// Resolve redirect targets to provisional ids, then derive the
	// (ns,path) sort to get each provisional id's final URL-order index.
	order := make([]uint32, n)
	for i := range order {
		order[i] = uint32(i)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := w.pending[order[i]], w.pending[order[j]]
		return compareNamespacePath(a.ns, a.path, b.ns, b.path) < 0
	})

	finalOf := make([]uint32, n)
	for finalIdx, pid := range order {
		w.pending[pid].finalIndex = uint32(finalIdx)
		finalOf[pid] = uint32(finalIdx)
	}

	for _, pe := range w.pending {
		if pe.kind != DirentRedirect {
			continue
		}
		targetKey := entryKey(pe.redirectTargetNS, pe.redirectTargetPath)
		targetPid, ok := w.pathIndex[targetKey]
		if !ok {
			return fmt.Errorf("%w: redirect %c/%s targets unknown %c/%s", ErrFormat, pe.ns, pe.path, pe.redirectTargetNS, pe.redirectTargetPath)
		}
		pe.redirectIndex = finalOf[targetPid]
	}

	// Title pointer table: sort final indices by (ns, title).
	titleOrder := make([]uint32, n)
	for i := range titleOrder {
		titleOrder[i] = order[i]
	}
	sort.Slice(titleOrder, func(i, j int) bool {
		a, b := w.pending[titleOrder[i]], w.pending[titleOrder[j]]
		return compareNamespacePath(a.ns, a.title, b.ns, b.title) < 0
	})
	titleToURL := make([]uint32, n)
	for titleIdx, pid := range titleOrder {
		titleToURL[titleIdx] = w.pending[pid].finalIndex
	}

	return w.emit(out, order, titleToURL, checksum)
}

func (w *Writer) buildAndAddFulltextIndex() error {
	key := entryKey(fulltextModernNamespace, fulltextModernPath)

	// Index each source under the URL-order position it will have once
	// the index item itself is added: entryKey orders like
	// compareNamespacePath, so a sorted key list gives those positions.
	keys := []string{key}
	for _, pe := range w.pending {
		keys = append(keys, entryKey(pe.ns, pe.path))
	}
	sort.Strings(keys)

	sources := make([]FulltextSource, 0, len(w.pending))
	for _, pe := range w.pending {
		if pe.kind != DirentContent {
			continue
		}
		finalIdx := uint32(sort.SearchStrings(keys, entryKey(pe.ns, pe.path)))
		sources = append(sources, FulltextSource{Index: finalIdx, Path: pe.path, Title: pe.title})
	}
	blob, err := BuildFulltextIndexBlob(sources)
	if err != nil {
		return err
	}

	if _, exists := w.pathIndex[key]; exists {
		return fmt.Errorf("%w: %c/%s already present", ErrDuplicatePath, fulltextModernNamespace, fulltextModernPath)
	}
	pe := &pendingEntry{
		ns:        fulltextModernNamespace,
		path:      fulltextModernPath,
		title:     fulltextModernPath,
		kind:      DirentContent,
		mimeIndex: w.internMime("application/octet-stream"),
	}
	pid := uint32(len(w.pending))
	w.pending = append(w.pending, pe)
	w.pathIndex[key] = pid
	w.pushProvider(pid, NewBytesProvider(blob), false)
	return nil
}

func (w *Writer) emit(out io.Writer, urlOrder, titleToURL []uint32, checksum bool) error {
	n := uint32(len(urlOrder))
	clusterCount := uint32(len(w.closedClusters))

	mimeListBytes := serializeMimeList(w.mimeList)

	urlPtrSize := uint64(n) * 8
	titlePtrSize := uint64(n) * 4
	clusterPtrSize := uint64(clusterCount+1) * 8
	direntsStart := uint64(headerSize) + uint64(len(mimeListBytes)) + urlPtrSize + titlePtrSize + clusterPtrSize

	direntBytes := make([][]byte, n)
	direntOffsets := make([]uint64, n)
	offset := direntsStart
	for finalIdx, pid := range urlOrder {
		pe := w.pending[pid]
		d := &Dirent{
			Kind:      pe.kind,
			Namespace: pe.ns,
			Path:      pe.path,
			Title:     pe.title,
		}
		if pe.kind == DirentContent {
			d.Mime = pe.mimeIndex
			d.ClusterNumber = pe.clusterNumber
			d.BlobNumber = pe.blobNumber
		} else {
			d.RedirectIndex = pe.redirectIndex
		}
		b := d.Serialize()
		direntBytes[finalIdx] = b
		direntOffsets[finalIdx] = offset
		offset += uint64(len(b))
	}
	clustersStart := offset

	clusterOffsets := make([]uint64, clusterCount+1)
	clusterOffsets[0] = clustersStart
	for i, c := range w.closedClusters {
		clusterOffsets[i+1] = clusterOffsets[i] + uint64(len(c))
	}
	archiveEnd := clusterOffsets[clusterCount]

	header := &FileHeader{
		Magic:        headerMagic,
		MajorVersion: 5,
		MinorVersion: 0,
		ArticleCount: n,
		ClusterCount: clusterCount,
		URLPtrPos:    headerSize + uint64(len(mimeListBytes)),
		MimeListPos:  headerSize,
	}
	header.TitlePtrPos = header.URLPtrPos + urlPtrSize
	header.ClusterPtrPos = header.TitlePtrPos + titlePtrSize
	header.MainPage = noPageIndex
	header.LayoutPage = noPageIndex
	if w.opts.MainPath != "" {
		if pid, ok := w.pathIndex[entryKey('A', w.opts.MainPath)]; ok {
			header.MainPage = w.pending[pid].finalIndex
		}
	}
	if w.opts.FaviconPath != "" {
		if pid, ok := w.pathIndex[entryKey('-', w.opts.FaviconPath)]; ok {
			header.LayoutPage = w.pending[pid].finalIndex
		}
	}
	if w.opts.UUID != nil {
		header.UUID = *w.opts.UUID
	} else {
		id, err := generateUUID()
		if err != nil {
			return err
		}
		header.UUID = id
	}
	if checksum {
		header.ChecksumPos = archiveEnd
	}

	var hasher io.Writer
	var sum *md5Accumulator
	if checksum {
		sum = newMD5Accumulator()
		hasher = sum
	}

	write := func(p []byte) error {
		if _, err := out.Write(p); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		if hasher != nil {
			hasher.Write(p)
		}
		return nil
	}

	if err := write(header.Serialize()); err != nil {
		return err
	}
	if err := write(mimeListBytes); err != nil {
		return err
	}

	urlPtrBytes := make([]byte, urlPtrSize)
	for i, off := range direntOffsets {
		putUint64(urlPtrBytes[i*8:i*8+8], off)
	}
	if err := write(urlPtrBytes); err != nil {
		return err
	}

	titlePtrBytes := make([]byte, titlePtrSize)
	for i, urlIdx := range titleToURL {
		putUint32(titlePtrBytes[i*4:i*4+4], urlIdx)
	}
	if err := write(titlePtrBytes); err != nil {
		return err
	}

	clusterPtrBytes := make([]byte, clusterPtrSize)
	for i, off := range clusterOffsets {
		putUint64(clusterPtrBytes[i*8:i*8+8], off)
	}
	if err := write(clusterPtrBytes); err != nil {
		return err
	}

	for _, b := range direntBytes {
		if err := write(b); err != nil {
			return err
		}
	}

	for _, c := range w.closedClusters {
		if err := write(c); err != nil {
			return err
		}
	}

	if checksum {
		if _, err := out.Write(sum.Sum()); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	return nil
}

func serializeMimeList(mimeList []string) []byte {
	var buf bytes.Buffer
	for _, m := range mimeList {
		buf.WriteString(m)
		buf.WriteByte(0)
	}
	buf.WriteByte(0)
	return buf.Bytes()
}

func generateUUID() ([16]byte, error) {
	var out [16]byte
	s, err := uuid.GenerateUUID()
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrIO, err)
	}
	raw, err := uuid.ParseUUID(s)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrIO, err)
	}
	copy(out[:], raw)
	return out, nil
}
