// Command eventstream serves per-client server-push streams fed by a shared
// broadcast bus.
//
// Usage:
//
//	eventstream serve --config configs/eventstream.yaml
//	eventstream publish --target alice --action notify --data '{"n":1}'
//	eventstream version
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "eventstream",
	Short:        "Per-process streaming connection registry fed by a broadcast bus",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults and environment only when empty)")
	rootCmd.AddCommand(serveCmd, publishCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
