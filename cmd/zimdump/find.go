package main

import (
	"github.com/spf13/cobra"
)

var findCmd = &cobra.Command{
	Use:   "find FILE NAMESPACE/PATH",
	Short: "Find an entry by namespace-prefixed path, e.g. A/Home.html",
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
		printEntryDetail(e)
	},
}

var findTitleCmd = &cobra.Command{
	Use:   "find-title FILE NAMESPACE TITLE",
	Short: "Find an entry by namespace and title",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		a := openArchive(args[0])
		defer a.Close()

		ns := args[1]
		if len(ns) != 1 {
			fail("namespace must be a single character, got %q", ns)
		}

		e, err := a.GetEntryByTitle(ns[0], args[2])
		if err != nil {
			fail("find-title %s/%s: %v", ns, args[2], err)
		}
		printEntryDetail(e)
	},
}

var locateCmd = &cobra.Command{
	Use:   "locate FILE INDEX",
	Short: "Print the entry at a URL-order index",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := openArchive(args[0])
		defer a.Close()

		idx := parseUint32(args[1])
		e, err := a.EntryByURLIndex(idx)
		if err != nil {
			fail("locate %d: %v", idx, err)
		}
		printEntryDetail(e)
	},
}

func init() {
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(findTitleCmd)
	rootCmd.AddCommand(locateCmd)
}
