package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-sla/internal/version"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "gotrs-sla",
	Short: "SLA compliance engine",
	Long: `gotrs-sla tracks service level agreements for support cases.

It resolves each case to an SLA tier, computes response and resolution
deadlines on business calendars, detects breaches, fires escalations and
reports compliance per tier and period.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "gotrs-sla %s\n", info.Version)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit:  %s\n", info.GitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "  built:   %s\n", info.BuildDate)
		fmt.Fprintf(cmd.OutOrStdout(), "  go:      %s\n", info.GoVersion)
		fmt.Fprintf(cmd.OutOrStdout(), "  schema:  v%d\n", info.SchemaVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "./config", "Directory holding default.yaml and config.yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
