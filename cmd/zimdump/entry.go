package main

import (
	"fmt"

	"github.com/openzim/libzim-sub001/pkg/zim"
)

// splitNamespacedPath splits "X/some/path" into namespace 'X' and
// "some/path". Entries are addressed this way throughout the CLI since
// path alone is only unique within a namespace.
func splitNamespacedPath(s string) (byte, string, error) {
	if len(s) < 2 || s[1] != '/' {
		return 0, "", fmt.Errorf("expected NAMESPACE/path (e.g. A/Home.html), got %q", s)
	}
	return s[0], s[2:], nil
}

func printEntryLine(e *zim.Entry) {
	ns, _ := e.Namespace()
	path, _ := e.Path()
	title, _ := e.Title()
	fmt.Printf("%c\t%s\t%s\n", ns, path, title)
}

func printEntryDetail(e *zim.Entry) {
	ns, _ := e.Namespace()
	path, _ := e.Path()
	title, _ := e.Title()
	isRedirect, _ := e.IsRedirect()

	fmt.Printf("index:     %d\n", e.Index())
	fmt.Printf("namespace: %c\n", ns)
	fmt.Printf("path:      %s\n", path)
	fmt.Printf("title:     %s\n", title)
	fmt.Printf("redirect:  %v\n", isRedirect)

	if isRedirect {
		target, err := e.Redirect(1)
		if err == nil {
			tns, _ := target.Namespace()
			tpath, _ := target.Path()
			fmt.Printf("target:    %c/%s\n", tns, tpath)
		}
		return
	}

	mime, err := e.MimeType()
	if err != nil {
		return
	}
	fmt.Printf("mime:      %s\n", mime)

	blob, err := e.Blob()
	if err != nil {
		return
	}
	fmt.Printf("size:      %d\n", blob.Size())
}

// openArchive opens path or exits the process with a runtime error.
func openArchive(path string) *zim.Archive {
	a, err := zim.Open(path)
	if err != nil {
		fail("open %s: %v", path, err)
	}
	return a
}
