// Package main is the entry point for the Parley server
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Chat relay service with hosted-memory context retrieval",
		Long: `Parley is a single-process HTTP chat service. It forwards prior
turns plus retrieved memory facts to a hosted language model, and
persists transcripts both locally and in a hosted memory service.`,
		Version: "0.1.0",
	}

	rootCmd.AddCommand(
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
