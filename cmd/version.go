package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/netsolver/internal/update"
)

var version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("netsolver version %s (snapshot format %d)\n", version, update.FormatVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
