package main

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func parseUint32(s string) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		fail("invalid index %q: %v", s, err)
	}
	return uint32(v)
}

var dataCmd = &cobra.Command{
	Use:   "data FILE NAMESPACE/PATH",
	Short: "Write an entry's blob bytes to stdout, following redirects (up to 32 hops) if needed",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := openArchive(args[0])
		defer a.Close()

		ns, path, err := splitNamespacedPath(args[1])
		if err != nil {
			fail("%v", err)
		}

		e, err := a.GetEntryByPath(ns, path)
		if err != nil {
			fail("find %s: %v", args[1], err)
		}

		if isRedirect, _ := e.IsRedirect(); isRedirect {
			e, err = e.Redirect(32)
			if err != nil {
				fail("resolve redirect: %v", err)
			}
		}

		blob, err := e.Blob()
		if err != nil {
			fail("blob: %v", err)
		}
		if _, err := os.Stdout.Write(blob.Data()); err != nil {
			fail("write stdout: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(dataCmd)
}
