package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	exitOK           = 0
	exitUsageError   = 1
	exitRuntimeError = 2
)

var rootCmd = &cobra.Command{
	Use:   "zimdump",
	Short: "Inspect and extract ZIM archives",
	Long: `zimdump reads ZIM archives and exposes their contents: header
info, path and title listings, entry lookups, blob extraction and
checksum verification.`,
}

// Execute runs the root command, exiting the process on failure.
func Execute() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsageError)
	}
}

// fail prints a runtime error and exits with exitRuntimeError. It is used
// once an archive is open and something goes wrong acting on it, as
// opposed to a cobra usage error (bad flags, wrong arg count).
func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(exitRuntimeError)
}
