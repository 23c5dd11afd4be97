package zim

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/blugelabs/bluge"
)

// Fulltext index items live under one of two well-known paths (§4.J,
// Open Questions). Writers created by this package only ever emit the
// modern one; readers probe both for compatibility with older archives.
const (
	fulltextModernNamespace = 'X'
	fulltextModernPath      = "fulltext/xapian"
	fulltextLegacyNamespace = 'Z'
	fulltextLegacyPath      = "fulltextIndex/xapian"
)

// LocateFulltextIndex finds the embedded index item, preferring the
// modern path over the legacy one. ok is false if neither is present.
func LocateFulltextIndex(a *Archive) (entry *Entry, ok bool, err error) {
	if e, err := a.GetEntryByPath(fulltextModernNamespace, fulltextModernPath); err == nil {
		return e, true, nil
	}
	if e, err := a.GetEntryByPath(fulltextLegacyNamespace, fulltextLegacyPath); err == nil {
		return e, true, nil
	}
	return nil, false, nil
}

// SearchIndex is an opened fulltext index, backed by a bluge reader over
// a temporary directory that was inflated from the archive's embedded
// index blob. Close removes the temporary directory.
type SearchIndex struct {
	reader *bluge.Reader
	dir    string

	cacheMu   sync.RWMutex
	docCount  uint64
	docCached bool
}

// OpenSearchIndex locates and opens the archive's embedded fulltext
// index, if any.
func OpenSearchIndex(a *Archive) (*SearchIndex, error) {
	entry, ok, err := LocateFulltextIndex(a)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no fulltext index embedded in archive", ErrNotFound)
	}
	blob, err := entry.Blob()
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "zim-fulltext-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := untarGzTo(blob.Data(), dir); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	reader, err := bluge.OpenReader(bluge.DefaultConfig(dir))
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: opening fulltext index: %v", ErrFormat, err)
	}

	return &SearchIndex{reader: reader, dir: dir}, nil
}

// Close releases the underlying bluge reader and temporary directory.
func (s *SearchIndex) Close() error {
	var first error
	if s.reader != nil {
		first = s.reader.Close()
	}
	if s.dir != "" {
		os.RemoveAll(s.dir)
	}
	return first
}

// SearchResult is one ranked hit, mapping a document back to an archive
// entry index.
type SearchResult struct {
	Index uint32
	Path  string
	Title string
	Score float64
}

// Search runs query against the title and body fields, boosting exact
// and prefix matches over fuzzy ones, generalizing the teacher's
// Wikipedia-title-only query shape to any indexed entry.
func (s *SearchIndex) Search(query string, maxResults int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	ctx := context.Background()
	lower := strings.ToLower(query)

	queries := make([]bluge.Query, 0, 5)
	queries = append(queries, bluge.NewTermQuery(lower).SetField("title_exact").SetBoost(100.0))
	queries = append(queries, bluge.NewPrefixQuery(lower).SetField("title_exact").SetBoost(50.0))
	queries = append(queries, bluge.NewMatchQuery(query).SetField("title").SetBoost(10.0))
	queries = append(queries, bluge.NewMatchQuery(query).SetField("body").SetBoost(1.0))
	if len(query) > 3 {
		queries = append(queries, bluge.NewFuzzyQuery(lower).SetField("title_exact").SetFuzziness(1).SetBoost(5.0))
	}

	boolQuery := bluge.NewBooleanQuery()
	for _, q := range queries {
		boolQuery.AddShould(q)
	}
	boolQuery.SetMinShould(1)

	req := bluge.NewTopNSearch(maxResults, boolQuery).WithStandardAggregations()
	matches, err := s.reader.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: fulltext search: %v", ErrIO, err)
	}

	var results []SearchResult
	match, err := matches.Next()
	for err == nil && match != nil {
		r := SearchResult{Score: match.Score}
		visitErr := match.VisitStoredFields(func(field string, value []byte) bool {
			switch field {
			case "title":
				r.Title = string(value)
			case "path":
				r.Path = string(value)
			case "idx":
				if num, dErr := bluge.DecodeNumericFloat64(value); dErr == nil {
					r.Index = uint32(num)
				}
			}
			return true
		})
		if visitErr != nil {
			return nil, fmt.Errorf("%w: fulltext search: %v", ErrIO, visitErr)
		}
		results = append(results, r)
		match, err = matches.Next()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fulltext search: %v", ErrIO, err)
	}
	return results, nil
}

// DocumentCount returns the number of indexed documents, cached after
// the first call.
func (s *SearchIndex) DocumentCount() (uint64, error) {
	s.cacheMu.RLock()
	if s.docCached {
		n := s.docCount
		s.cacheMu.RUnlock()
		return n, nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.docCached {
		return s.docCount, nil
	}

	req := bluge.NewTopNSearch(0, bluge.NewMatchAllQuery()).WithStandardAggregations()
	matches, err := s.reader.Search(context.Background(), req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	count := matches.Aggregations().Count()
	s.docCount = count
	s.docCached = true
	return count, nil
}

// RandomEntryIndex picks a uniformly random indexed entry, used to back
// a "random article" feature without scanning the whole archive.
func (s *SearchIndex) RandomEntryIndex() (uint32, error) {
	count, err := s.DocumentCount()
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: fulltext index is empty", ErrNotFound)
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	offset := int(binary.LittleEndian.Uint64(buf[:]) % count)

	req := bluge.NewTopNSearch(offset+1, bluge.NewMatchAllQuery())
	matches, err := s.reader.Search(context.Background(), req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}

	match, err := matches.Next()
	for i := 0; i < offset && err == nil && match != nil; i++ {
		match, err = matches.Next()
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if match == nil {
		return 0, fmt.Errorf("%w: random offset %d beyond result set", ErrBounds, offset)
	}

	var idx uint32
	var found bool
	visitErr := match.VisitStoredFields(func(field string, value []byte) bool {
		if field == "idx" {
			if num, dErr := bluge.DecodeNumericFloat64(value); dErr == nil {
				idx = uint32(num)
				found = true
				return false
			}
		}
		return true
	})
	if visitErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, visitErr)
	}
	if !found {
		return 0, fmt.Errorf("%w: indexed document missing idx field", ErrFormat)
	}
	return idx, nil
}

// SuggestTitles falls back to a linear title-prefix scan when no
// fulltext index is present, per §4.J.
func SuggestTitles(a *Archive, ns byte, prefix string, limit int) ([]*Entry, error) {
	begin, end, err := a.titleNamespaceRange(ns)
	if err != nil {
		return nil, err
	}
	var results []*Entry
	for i := begin; i < end && len(results) < limit; i++ {
		urlIdx, err := a.titleToURLIndex(i)
		if err != nil {
			return nil, err
		}
		d, err := a.Dirent(urlIdx)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(d.Title, prefix) {
			if d.Title > prefix && !strings.HasPrefix(prefix, d.Title) {
				break
			}
			continue
		}
		results = append(results, &Entry{a: a, idx: urlIdx})
	}
	return results, nil
}

// FulltextSource is one item to add to a fulltext index being built for
// embedding in a new archive.
type FulltextSource struct {
	Index uint32
	Path  string
	Title string
	Body  string // best-effort plain text; HTML is not stripped here
}

// BuildFulltextIndexBlob builds a bluge index over sources in a
// temporary directory, then packs that directory into a single
// tar+gzip blob suitable for storage as one ZIM item's content. The
// temporary directory honors TMPDIR, matching the environment contract
// in §6.
func BuildFulltextIndexBlob(sources []FulltextSource) ([]byte, error) {
	dir, err := os.MkdirTemp("", "zim-index-build-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer os.RemoveAll(dir)

	writer, err := bluge.OpenWriter(bluge.DefaultConfig(dir))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	batch := bluge.NewBatch()
	for _, s := range sources {
		doc := bluge.NewDocument(strconv.FormatUint(uint64(s.Index), 10))
		doc.AddField(bluge.NewTextField("title", s.Title).StoreValue().SearchTermPositions())
		doc.AddField(bluge.NewKeywordField("title_exact", strings.ToLower(s.Title)).StoreValue())
		doc.AddField(bluge.NewTextField("body", s.Body))
		doc.AddField(bluge.NewKeywordField("path", s.Path).StoreValue())
		doc.AddField(bluge.NewNumericField("idx", float64(s.Index)).StoreValue())
		batch.Insert(doc)
	}
	if err := writer.Batch(batch); err != nil {
		writer.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	return tarGzDir(dir)
}

func tarGzDir(dir string) ([]byte, error) {
	var out bytes.Buffer
	gw := gzip.NewWriter(&out)
	tw := tar.NewWriter(gw)

	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return nil, fmt.Errorf("%w: packing fulltext index: %v", ErrIO, walkErr)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return out.Bytes(), nil
}

func untarGzTo(data []byte, dir string) error {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: unpacking fulltext index: %v", ErrFormat, err)
	}
	defer gr.Close()
	tr := tar.NewReader(gr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: unpacking fulltext index: %v", ErrFormat, err)
		}
		target := filepath.Join(dir, hdr.Name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		f.Close()
	}
}
