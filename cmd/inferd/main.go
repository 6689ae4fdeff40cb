package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/visionworks/inferd/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:     "inferd",
	Short:   "Run the inferd model runtime",
	Version: fmt.Sprintf("gitVersion=%s, gitCommit=%s", version.GitVersion, version.GitCommit),
	Long: "inferd discovers model packages on disk, validates their contracts, " +
		"loads them into isolated sandboxes and serves inference over HTTP while " +
		"pushing capability and health to the backend.",
	RunE: runAgent,
}

var (
	configFilePath string
	debug          bool
)

func init() {
	rootCmd.Flags().StringVarP(&configFilePath, "config", "c", "", "path to config file")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}
