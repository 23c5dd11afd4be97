package zim

import (
	"bytes"
	"fmt"
)

// MIME index sentinels. Indices 0xFFFD-0xFFFF are reserved and never
// appear in the MIME list; they mark the three non-content dirent kinds.
const (
	mimeRedirect   uint16 = 0xFFFF
	mimeLinkTarget uint16 = 0xFFFE
	mimeDeleted    uint16 = 0xFFFD
)

// DirentKind distinguishes the three on-disk dirent shapes described in
// §3: a content item, a redirect, or a link-target/deleted placeholder.
type DirentKind int

const (
	DirentContent DirentKind = iota
	DirentRedirect
	DirentLinkTarget
	DirentDeleted
)

func (k DirentKind) String() string {
	switch k {
	case DirentContent:
		return "content"
	case DirentRedirect:
		return "redirect"
	case DirentLinkTarget:
		return "link-target"
	case DirentDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// direntHeadSize is the fixed-size head shared by every dirent variant:
// mime(2) + paramLen(1) + namespace(1) + revision(4) + 8 variant bytes
// (cluster+blob, or redirect index padded to 8, or 8 reserved bytes).
const direntHeadSize = 16

// Dirent is one directory-entry record: an addressable content item or a
// redirect to another dirent. Title defaults to Path at parse time (§4.E):
// Title is never empty after Parse even if the on-disk title field was.
type Dirent struct {
	Kind      DirentKind
	Mime      uint16 // meaningful only when Kind == DirentContent
	ParamLen  uint8
	Namespace byte
	Revision  uint32

	ClusterNumber uint32 // Kind == DirentContent
	BlobNumber    uint32 // Kind == DirentContent
	RedirectIndex uint32 // Kind == DirentRedirect

	Path  string
	Title string
	Params []byte
}

// ParseDirent reads one dirent from sr, which must be positioned at the
// start of the dirent's fixed head.
func ParseDirent(sr StreamReader) (*Dirent, error) {
	mimeRaw, err := sr.ReadBytes(2)
	if err != nil {
		return nil, fmt.Errorf("%w: dirent mime: %v", ErrFormat, err)
	}
	mime := readUint16(mimeRaw)

	paramLenRaw, err := sr.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: dirent param len: %v", ErrFormat, err)
	}

	namespace, err := sr.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: dirent namespace: %v", ErrFormat, err)
	}

	revision, err := sr.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: dirent revision: %v", ErrFormat, err)
	}

	d := &Dirent{
		Mime:      mime,
		ParamLen:  paramLenRaw,
		Namespace: namespace,
		Revision:  revision,
	}

	switch mime {
	case mimeRedirect:
		d.Kind = DirentRedirect
		idx, err := sr.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("%w: dirent redirect index: %v", ErrFormat, err)
		}
		d.RedirectIndex = idx
		if _, err := sr.ReadBytes(4); err != nil { // padding to 8 variant bytes
			return nil, fmt.Errorf("%w: dirent padding: %v", ErrFormat, err)
		}
	case mimeLinkTarget:
		d.Kind = DirentLinkTarget
		if _, err := sr.ReadBytes(8); err != nil {
			return nil, fmt.Errorf("%w: dirent reserved bytes: %v", ErrFormat, err)
		}
	case mimeDeleted:
		d.Kind = DirentDeleted
		if _, err := sr.ReadBytes(8); err != nil {
			return nil, fmt.Errorf("%w: dirent reserved bytes: %v", ErrFormat, err)
		}
	default:
		d.Kind = DirentContent
		cluster, err := sr.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("%w: dirent cluster number: %v", ErrFormat, err)
		}
		blob, err := sr.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("%w: dirent blob number: %v", ErrFormat, err)
		}
		d.ClusterNumber = cluster
		d.BlobNumber = blob
	}

	path, err := readCString(sr)
	if err != nil {
		return nil, fmt.Errorf("%w: dirent path: %v", ErrFormat, err)
	}
	d.Path = path

	if d.Kind == DirentContent || d.Kind == DirentRedirect {
		title, err := readCString(sr)
		if err != nil {
			return nil, fmt.Errorf("%w: dirent title: %v", ErrFormat, err)
		}
		if title == "" {
			title = path
		}
		d.Title = title

		if d.ParamLen > 0 {
			params, err := sr.ReadBytes(uint64(d.ParamLen))
			if err != nil {
				return nil, fmt.Errorf("%w: dirent params: %v", ErrFormat, err)
			}
			d.Params = params
		}
	} else {
		d.Title = path
	}

	return d, nil
}

// readCString reads bytes up to and including a null terminator and
// returns the string without the terminator.
func readCString(sr StreamReader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := sr.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
}

// Size returns the exact number of bytes Serialize will emit.
func (d *Dirent) Size() int {
	n := direntHeadSize + len(d.Path) + 1
	if d.Kind == DirentContent || d.Kind == DirentRedirect {
		title := d.Title
		if title == d.Path {
			title = ""
		}
		n += len(title) + 1
		n += len(d.Params)
	}
	return n
}

// Serialize encodes the dirent to its on-disk byte representation.
func (d *Dirent) Serialize() []byte {
	buf := make([]byte, 0, d.Size())
	head := make([]byte, direntHeadSize)

	switch d.Kind {
	case DirentContent:
		putUint16(head[0:2], d.Mime)
	case DirentRedirect:
		putUint16(head[0:2], mimeRedirect)
	case DirentLinkTarget:
		putUint16(head[0:2], mimeLinkTarget)
	case DirentDeleted:
		putUint16(head[0:2], mimeDeleted)
	}
	head[2] = d.ParamLen
	head[3] = d.Namespace
	putUint32(head[4:8], d.Revision)

	switch d.Kind {
	case DirentContent:
		putUint32(head[8:12], d.ClusterNumber)
		putUint32(head[12:16], d.BlobNumber)
	case DirentRedirect:
		putUint32(head[8:12], d.RedirectIndex)
		// head[12:16] stays zero padding.
	default:
		// head[8:16] stays zero/reserved.
	}

	buf = append(buf, head...)
	buf = append(buf, d.Path...)
	buf = append(buf, 0)

	if d.Kind == DirentContent || d.Kind == DirentRedirect {
		title := d.Title
		if title == d.Path {
			title = ""
		}
		buf = append(buf, title...)
		buf = append(buf, 0)
		buf = append(buf, d.Params...)
	}

	return buf
}

// Key returns the (namespace, path) lookup key used for URL ordering and
// uniqueness.
func (d *Dirent) Key() (byte, string) { return d.Namespace, d.Path }

// TitleKey returns the (namespace, title) ordering key.
func (d *Dirent) TitleKey() (byte, string) { return d.Namespace, d.Title }

// IsRedirect reports whether this dirent is a redirect to another dirent.
func (d *Dirent) IsRedirect() bool { return d.Kind == DirentRedirect }

// compareNamespacePath orders two (namespace, path) keys lexicographically
// with namespace as the primary key, matching invariant (d) in §3.
func compareNamespacePath(ns1 byte, p1 string, ns2 byte, p2 string) int {
	if ns1 != ns2 {
		if ns1 < ns2 {
			return -1
		}
		return 1
	}
	switch {
	case p1 < p2:
		return -1
	case p1 > p2:
		return 1
	default:
		return 0
	}
}
