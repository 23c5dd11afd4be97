package zim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	t.Parallel()

	b := make([]byte, headerSize)
	putUint32(b[0:4], 0xDEADBEEF)
	_, err := parseHeader(NewBufferReader(NewBuffer(b)))
	require.ErrorIs(t, err, ErrFormat)
}

func TestParseHeaderRejectsUnsupportedVersion(t *testing.T) {
	t.Parallel()

	b := make([]byte, headerSize)
	putUint32(b[0:4], headerMagic)
	putUint16(b[4:6], supportedMajorVersion+1)
	_, err := parseHeader(NewBufferReader(NewBuffer(b)))
	require.ErrorIs(t, err, ErrFormat)
}

func TestParseHeaderRejectsTooSmallFile(t *testing.T) {
	t.Parallel()

	_, err := parseHeader(NewBufferReader(NewBuffer(make([]byte, 10))))
	require.ErrorIs(t, err, ErrFormat)
}

func TestMimeTypeRejectsSentinels(t *testing.T) {
	t.Parallel()

	a := buildTestArchive(t, false)
	_, err := a.MimeType(mimeRedirect)
	require.ErrorIs(t, err, ErrFormat)
}

func TestDirentLookupIsIdempotentAndCached(t *testing.T) {
	t.Parallel()

	a := buildTestArchive(t, false)
	e, err := a.GetEntryByPath('A', "Aardvark.html")
	require.NoError(t, err)

	d1, err := a.Dirent(e.Index())
	require.NoError(t, err)
	d2, err := a.Dirent(e.Index())
	require.NoError(t, err)

	// Same underlying cached object: a second lookup must not reparse.
	require.Same(t, d1, d2)
}

func TestClusterLookupIsCachedAcrossEntries(t *testing.T) {
	t.Parallel()

	a := buildTestArchive(t, false)
	e, err := a.GetEntryByPath('A', "Aardvark.html")
	require.NoError(t, err)
	d, err := a.Dirent(e.Index())
	require.NoError(t, err)

	c1, err := a.cluster(d.ClusterNumber)
	require.NoError(t, err)
	c2, err := a.cluster(d.ClusterNumber)
	require.NoError(t, err)
	require.Same(t, c1, c2)
}

func TestEntryByURLIndexBounds(t *testing.T) {
	t.Parallel()

	a := buildTestArchive(t, false)
	_, err := a.EntryByURLIndex(a.ArticleCount())
	require.ErrorIs(t, err, ErrBounds)
}

func TestGetEntryByPathNotFound(t *testing.T) {
	t.Parallel()

	a := buildTestArchive(t, false)
	_, err := a.GetEntryByPath('A', "DoesNotExist.html")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedirectCycleDetected(t *testing.T) {
	t.Parallel()

	// Exercise Entry.Redirect directly against a hand-built archive with a
	// two-entry redirect cycle, so the test controls the exact on-disk
	// layout of both dirents.
	var mimeList []byte
	mimeList = append(mimeList, 0) // empty mime list

	direntA := (&Dirent{Kind: DirentRedirect, Namespace: 'A', RedirectIndex: 1, Path: "a", Title: "a"}).Serialize()
	direntB := (&Dirent{Kind: DirentRedirect, Namespace: 'A', RedirectIndex: 0, Path: "b", Title: "b"}).Serialize()

	direntsStart := uint64(headerSize) + uint64(len(mimeList)) + 2*8 + 2*4 + 1*8
	offA := direntsStart
	offB := offA + uint64(len(direntA))

	h := &FileHeader{
		Magic:        headerMagic,
		MajorVersion: 5,
		ArticleCount: 2,
		ClusterCount: 0,
		MimeListPos:  headerSize,
		URLPtrPos:    headerSize + uint64(len(mimeList)),
	}
	h.TitlePtrPos = h.URLPtrPos + 2*8
	h.ClusterPtrPos = h.TitlePtrPos + 2*4
	h.MainPage = noPageIndex
	h.LayoutPage = noPageIndex

	var buf bytes.Buffer
	buf.Write(h.Serialize())
	buf.Write(mimeList)

	urlPtr := make([]byte, 16)
	putUint64(urlPtr[0:8], offA)
	putUint64(urlPtr[8:16], offB)
	buf.Write(urlPtr)

	titlePtr := make([]byte, 8)
	putUint32(titlePtr[0:4], 0)
	putUint32(titlePtr[4:8], 1)
	buf.Write(titlePtr)

	clusterPtr := make([]byte, 8)
	putUint64(clusterPtr, direntsStart+uint64(len(direntA))+uint64(len(direntB)))
	buf.Write(clusterPtr)

	buf.Write(direntA)
	buf.Write(direntB)

	a, err := OpenReader(NewBufferReader(NewBuffer(buf.Bytes())))
	require.NoError(t, err)

	e, err := a.EntryByURLIndex(0)
	require.NoError(t, err)
	_, err = e.Redirect(10)
	require.ErrorIs(t, err, ErrRedirectCycle)
}
