package zim

import "errors"

// Sentinel errors for the error kinds described in the format's error
// taxonomy. Wrap these with fmt.Errorf("...: %w", Err...) to add context;
// callers compare with errors.Is.
var (
	// ErrIO reports an underlying file or mmap failure.
	ErrIO = errors.New("zim: io error")

	// ErrFormat reports a structural problem with the archive: bad magic,
	// unsupported version, an offset outside the file, non-monotonic
	// cluster offsets, a MIME index past the MIME list, or a redirect
	// index past the dirent count.
	ErrFormat = errors.New("zim: format error")

	// ErrNotFound reports that a path or title lookup found nothing.
	ErrNotFound = errors.New("zim: not found")

	// ErrDecode reports a corrupt or truncated compression stream.
	ErrDecode = errors.New("zim: decode error")

	// ErrBounds reports a caller-supplied index or offset outside the
	// valid range for the archive it was used against.
	ErrBounds = errors.New("zim: out of bounds")

	// ErrInvalidState reports an operation issued in a state that does not
	// allow it: a writer operation against a finalized creator, a writer
	// or compressor asked for LZMA, a blob requested from a non-content
	// entry, or checksum verification on an archive without a trailer.
	ErrInvalidState = errors.New("zim: invalid writer state")

	// ErrDuplicatePath reports that the writer was asked to ingest two
	// items with the same (namespace, path).
	ErrDuplicatePath = errors.New("zim: duplicate path")

	// ErrIncoherentImplementation reports that an Item's content provider
	// returned a different number of bytes than it declared up front.
	ErrIncoherentImplementation = errors.New("zim: content provider size mismatch")

	// ErrRedirectCycle reports that following a redirect chain revisited
	// an entry (a cycle) or exceeded the configured depth.
	ErrRedirectCycle = errors.New("zim: redirect cycle")
)
