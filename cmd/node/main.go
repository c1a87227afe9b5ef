package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "node",
	Short: "Run and inspect a replicated-ledger consensus node",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to node config YAML (required)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bootstrapCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
