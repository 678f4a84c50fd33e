// Package cli implements the sendberry command line tool.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sendberry",
	Short: "resumable peer to peer file transfer",
	Long: `sendberry sends files between peers listed in an address book.
Connections reconnect automatically and interrupted transfers resume where
they stopped.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "node.yaml", "node configuration file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(peersCmd)
}
