package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshrender/farm/pkg/meshclient"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the targeted node's own status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		info, err := meshclient.New(addrFlag).Status(ctx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		return printJSON(info)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
