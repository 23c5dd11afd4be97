package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify FILE",
	Short: "Verify the archive's trailing MD5 checksum",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openArchive(args[0])
		defer a.Close()

		ok, err := a.VerifyChecksum()
		if err != nil {
			fail("verify: %v", err)
		}
		if !ok {
			fail("checksum mismatch")
		}
		fmt.Println("checksum ok")
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
