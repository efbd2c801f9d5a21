// Package cli wires the teamclaw command tree: the interactive leader
// session, one-shot team inspection commands, and the hidden worker
// entry point.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/teamclaw/teamclaw/internal/cli.version=1.2.3"
	version = "0.3.0"
	logo    = "\n" +
		" _____                     ___ _\n" +
		"|_   _|__  __ _ _ __ ___  / __| | __ ___      __\n" +
		"  | |/ _ \\/ _` | '_ ` _ \\| |  | |/ _` \\ \\ /\\ / /\n" +
		"  | |  __/ (_| | | | | | | |__| | (_| |\\ V  V /\n" +
		"  |_|\\___|\\__,_|_| |_| |_|\\____|_|\\__,_| \\_/\\_/\n"
)

var rootCmd = &cobra.Command{
	Use:   "teamclaw",
	Short: "teamclaw - coding agent team coordinator",
	Long:  color.CyanString(logo) + "\nA leader/worker coordination kernel for autonomous coding agents.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the teamclaw version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("teamclaw " + version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(leadCmd)
	rootCmd.AddCommand(teamCmd)
	rootCmd.AddCommand(workerCmd)
}
