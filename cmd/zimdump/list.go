package main

import (
	"github.com/spf13/cobra"
)

var listByTitle bool

var listCmd = &cobra.Command{
	Use:   "list FILE",
	Short: "List every entry, in URL order by default or title order with --titles",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openArchive(args[0])
		defer a.Close()

		if listByTitle {
			it := a.TitleIterator()
			for {
				e, ok, err := it.Next()
				if err != nil {
					fail("iterate by title: %v", err)
				}
				if !ok {
					return
				}
				printEntryLine(e)
			}
		}

		it := a.URLIterator()
		for {
			e, ok := it.Next()
			if !ok {
				return
			}
			printEntryLine(e)
		}
	},
}

func init() {
	listCmd.Flags().BoolVarP(&listByTitle, "titles", "L", false, "list in title order instead of URL order")
	rootCmd.AddCommand(listCmd)
}
