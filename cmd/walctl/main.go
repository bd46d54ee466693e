package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	walDir     string
	archiveDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "walctl",
		Short:        "Inspect and maintain txncore write-ahead logs",
		Long:         "Inspect and maintain txncore write-ahead logs. Run it only while the engine is stopped.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&walDir, "dir", "data/wal", "wal directory")
	rootCmd.PersistentFlags().StringVar(&archiveDir, "archive-dir", "data/archive", "archive directory")

	rootCmd.AddCommand(
		newDumpCommand(),
		newVerifyCommand(),
		newRecoverCommand(),
		newArchiveCommand(),
		newRestoreCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
