package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var extractCmd = &cobra.Command{
	Use:   "extract FILE DIR",
	Short: "Extract every content entry into DIR, mirroring namespace/path",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := openArchive(args[0])
		defer a.Close()

		destRoot := args[1]
		it := a.URLIterator()
		count := 0
		for {
			e, ok := it.Next()
			if !ok {
				break
			}
			isRedirect, err := e.IsRedirect()
			if err != nil {
				fail("entry %d: %v", e.Index(), err)
			}
			if isRedirect {
				continue
			}

			ns, err := e.Namespace()
			if err != nil {
				fail("entry %d: %v", e.Index(), err)
			}
			path, err := e.Path()
			if err != nil {
				fail("entry %d: %v", e.Index(), err)
			}

			blob, err := e.Blob()
			if err != nil {
				fail("blob %c/%s: %v", ns, path, err)
			}

			dest := filepath.Join(destRoot, string(ns), path)
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				fail("mkdir for %s: %v", dest, err)
			}
			if err := os.WriteFile(dest, blob.Data(), 0o644); err != nil {
				fail("write %s: %v", dest, err)
			}
			count++
		}
		fmt.Printf("extracted %d entries to %s\n", count, destRoot)
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)
}
