// Command farmd runs one node of the mesh render farm and doubles as the
// mesh protocol's CLI client: "farmd start" runs the daemon in the
// foreground; every other subcommand is a short-lived client that talks to
// a running node's MeshAPI over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "farmd",
	Short: "Peer-to-peer render farm node and CLI",
	Long: `farmd runs one node of a leaderless-until-elected render farm: nodes
discover each other over a shared filesystem mount plus an optional UDP
fast path, elect a leader to hold the job/chunk database, and dispatch
render work across whichever nodes are idle.

Run "farmd start" to bring a node up. Every other subcommand is a thin
client against a running node's mesh API.`,
	Version: Version,
}

var addrFlag string

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"farmd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "127.0.0.1:8420", "mesh API address of the node to talk to")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(nodeCmd)
}
