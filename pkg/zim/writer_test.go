package zim

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type testItem struct {
	ns    byte
	path  string
	title string
	mime  string
	data  []byte
}

func (i *testItem) Namespace() byte   { return i.ns }
func (i *testItem) Path() string      { return i.path }
func (i *testItem) Title() string     { return i.title }
func (i *testItem) MimeType() string  { return i.mime }
func (i *testItem) Size() uint64      { return uint64(len(i.data)) }
func (i *testItem) Feed(w io.Writer) error {
	_, err := w.Write(i.data)
	return err
}

func newTestItem(ns byte, path, title, mime string, data []byte) *testItem {
	return &testItem{ns: ns, path: path, title: title, mime: mime, data: data}
}

func buildTestArchive(t *testing.T, checksum bool) *Archive {
	t.Helper()

	opts := DefaultOptions()
	opts.WorkerThreads = 2
	opts.MinClusterSize = 64 // force multiple clusters for this small fixture
	w, err := NewWriter(opts)
	require.NoError(t, err)

	require.NoError(t, w.AddItem(newTestItem('A', "Aardvark.html", "Aardvark", "text/html", []byte("<html>aardvark</html>"))))
	require.NoError(t, w.AddItem(newTestItem('A', "Zebra.html", "Zebra", "text/html", bytes.Repeat([]byte("zebra "), 100))))
	require.NoError(t, w.AddItem(newTestItem('A', "Mango.html", "Mango", "text/html", []byte("<html>mango</html>"))))
	require.NoError(t, w.AddItem(newTestItem('I', "logo.png", "logo.png", "image/png", bytes.Repeat([]byte{0, 1, 2, 3}, 50))))
	require.NoError(t, w.AddRedirect('A', "Home.html", "Home", 'A', "Aardvark.html"))

	var buf bytes.Buffer
	require.NoError(t, w.Finalize(&buf, checksum))

	a, err := OpenReader(NewBufferReader(NewBuffer(buf.Bytes())))
	require.NoError(t, err)
	return a
}

func TestWriterArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	a := buildTestArchive(t, true)
	require.Equal(t, uint32(5), a.ArticleCount())

	e, err := a.GetEntryByPath('A', "Aardvark.html")
	require.NoError(t, err)
	blob, err := e.Blob()
	require.NoError(t, err)
	require.Equal(t, "<html>aardvark</html>", string(blob.Data()))

	mime, err := e.MimeType()
	require.NoError(t, err)
	require.Equal(t, "text/html", mime)
}

func TestWriterURLOrderIsSortedByNamespacePath(t *testing.T) {
	t.Parallel()

	a := buildTestArchive(t, false)
	it := a.URLIterator()

	var seen []string
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		ns, err := e.Namespace()
		require.NoError(t, err)
		path, err := e.Path()
		require.NoError(t, err)
		seen = append(seen, string(ns)+"/"+path)
	}

	for i := 1; i < len(seen); i++ {
		require.LessOrEqual(t, seen[i-1], seen[i], "URL order must be sorted by (namespace, path)")
	}
}

func TestWriterTitleOrderIsSortedByNamespaceTitle(t *testing.T) {
	t.Parallel()

	a := buildTestArchive(t, false)
	it := a.TitleIterator()

	var seen []string
	for {
		e, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		ns, err := e.Namespace()
		require.NoError(t, err)
		title, err := e.Title()
		require.NoError(t, err)
		seen = append(seen, string(ns)+"/"+title)
	}

	for i := 1; i < len(seen); i++ {
		require.LessOrEqual(t, seen[i-1], seen[i], "title order must be sorted by (namespace, title)")
	}
}

func TestWriterRedirectResolves(t *testing.T) {
	t.Parallel()

	a := buildTestArchive(t, false)
	e, err := a.GetEntryByPath('A', "Home.html")
	require.NoError(t, err)

	isRedirect, err := e.IsRedirect()
	require.NoError(t, err)
	require.True(t, isRedirect)

	target, err := e.Redirect(4)
	require.NoError(t, err)
	path, err := target.Path()
	require.NoError(t, err)
	require.Equal(t, "Aardvark.html", path)
}

func TestWriterChecksumVerifies(t *testing.T) {
	t.Parallel()

	a := buildTestArchive(t, true)
	ok, err := a.VerifyChecksum()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWriterWithoutChecksumReportsNoTrailer(t *testing.T) {
	t.Parallel()

	a := buildTestArchive(t, false)
	_, err := a.VerifyChecksum()
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestWriterDuplicatePathRejected(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.AddItem(newTestItem('A', "p", "p", "text/plain", []byte("1"))))
	err = w.AddItem(newTestItem('A', "p", "p", "text/plain", []byte("2")))
	require.ErrorIs(t, err, ErrDuplicatePath)
}

func TestWriterAddAfterFinalizeRejected(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.AddItem(newTestItem('A', "p", "p", "text/plain", []byte("1"))))

	var buf bytes.Buffer
	require.NoError(t, w.Finalize(&buf, false))

	err = w.AddItem(newTestItem('A', "q", "q", "text/plain", []byte("2")))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestWriterRedirectToUnknownTargetFails(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.AddRedirect('A', "Home.html", "Home", 'A', "DoesNotExist.html"))

	var buf bytes.Buffer
	err = w.Finalize(&buf, false)
	require.ErrorIs(t, err, ErrFormat)
}

func TestNewWriterRejectsLZMACompression(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.Compression = CompressionLZMA
	_, err := NewWriter(opts)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestBlobBoundaryLaw(t *testing.T) {
	t.Parallel()

	a := buildTestArchive(t, false)
	e, err := a.GetEntryByPath('A', "Aardvark.html")
	require.NoError(t, err)
	blob, err := e.Blob()
	require.NoError(t, err)

	n, err := blob.ReadAt(make([]byte, 0), blob.Size())
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = blob.ReadAt(make([]byte, 1), blob.Size()+1)
	require.ErrorIs(t, err, ErrBounds)
}
