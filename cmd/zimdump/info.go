package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info FILE",
	Short: "Print archive header information",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openArchive(args[0])
		defer a.Close()

		fmt.Printf("uuid:          %s\n", hex.EncodeToString(uuidBytes(a.UUID())))
		fmt.Printf("article count: %d\n", a.ArticleCount())
		fmt.Printf("cluster count: %d\n", a.ClusterCount())

		if idx, ok := a.MainPage(); ok {
			fmt.Printf("main page:     %d\n", idx)
		} else {
			fmt.Println("main page:     (none)")
		}
		if idx, ok := a.LayoutPage(); ok {
			fmt.Printf("layout page:   %d\n", idx)
		} else {
			fmt.Println("layout page:   (none)")
		}
	},
}

func uuidBytes(u [16]byte) []byte { return u[:] }

func init() {
	rootCmd.AddCommand(infoCmd)
}
