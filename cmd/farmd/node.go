package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshrender/farm/pkg/meshclient"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Control the targeted node's participation in dispatch",
}

func init() {
	nodeCmd.AddCommand(nodeStopCmd)
	nodeCmd.AddCommand(nodeStartCmd)
	nodeCmd.AddCommand(nodePeersCmd)
}

var nodeStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop accepting new work on the targeted node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientCtx()
		defer cancel()
		if err := meshclient.New(addrFlag).NodeStop(ctx); err != nil {
			return fmt.Errorf("node stop: %w", err)
		}
		fmt.Println("node stopped")
		return nil
	},
}

var nodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Resume accepting new work on the targeted node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientCtx()
		defer cancel()
		if err := meshclient.New(addrFlag).NodeStart(ctx); err != nil {
			return fmt.Errorf("node start: %w", err)
		}
		fmt.Println("node started")
		return nil
	},
}

var nodePeersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List every peer known to the targeted node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientCtx()
		defer cancel()
		peers, err := meshclient.New(addrFlag).Peers(ctx)
		if err != nil {
			return fmt.Errorf("peers: %w", err)
		}
		return printJSON(peers)
	},
}
