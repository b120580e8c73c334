// Command rrls runs a streaming ridge regression estimator over a sample
// stream and offers tooling around it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set by the linker.
var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "rrls",
	Short: "Streaming recursive ridge regression",
	Long: `rrls learns a linear map from (optionally random-feature mapped) inputs to
targets one sample at a time. Every sample is predicted before it is learned,
so the reported normalized MSE is an honest test-then-train estimate.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newProjectionsCmd())
	rootCmd.AddCommand(newPlotCmd())
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rrls %s (%s)\n", version, commit)
	},
}
