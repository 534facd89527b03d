package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshrender/farm/pkg/meshclient"
	"github.com/meshrender/farm/pkg/types"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage render jobs on the mesh's current leader",
}

func init() {
	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobShowCmd)
	jobCmd.AddCommand(jobDeleteCmd)
	for _, action := range []string{"pause", "resume", "cancel", "archive", "retry-failed"} {
		jobCmd.AddCommand(newJobActionCmd(action))
	}
	jobCmd.AddCommand(jobResubmitCmd)

	jobSubmitCmd.Flags().String("manifest", "", "path to a JSON-encoded job manifest")
	jobSubmitCmd.Flags().Int("priority", 0, "dispatch priority, lower goes first")
	jobSubmitCmd.MarkFlagRequired("manifest")
}

func clientCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new render job from a manifest file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("manifest")
		priority, _ := cmd.Flags().GetInt("priority")

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		var manifest types.Manifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return fmt.Errorf("parse manifest: %w", err)
		}

		ctx, cancel := clientCtx()
		defer cancel()
		if err := meshclient.New(addrFlag).SubmitJob(ctx, types.SubmitRequest{Manifest: manifest, Priority: priority}); err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		fmt.Printf("submitted job %s\n", manifest.JobID)
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every non-archived job",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientCtx()
		defer cancel()
		jobs, err := meshclient.New(addrFlag).ListJobs(ctx)
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		return printJSON(jobs)
	},
}

var jobShowCmd = &cobra.Command{
	Use:   "show JOB_ID",
	Short: "Show a job's row and chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientCtx()
		defer cancel()
		job, chunks, err := meshclient.New(addrFlag).GetJob(ctx, args[0])
		if err != nil {
			return fmt.Errorf("show: %w", err)
		}
		return printJSON(map[string]any{"job": job, "chunks": chunks})
	},
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete JOB_ID",
	Short: "Delete a job and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientCtx()
		defer cancel()
		if err := meshclient.New(addrFlag).DeleteJob(ctx, args[0]); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		fmt.Printf("deleted job %s\n", args[0])
		return nil
	},
}

func newJobActionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   fmt.Sprintf("%s JOB_ID", action),
		Short: fmt.Sprintf("%s a job", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := clientCtx()
			defer cancel()
			if err := meshclient.New(addrFlag).JobControl(ctx, args[0], action); err != nil {
				return fmt.Errorf("%s: %w", action, err)
			}
			fmt.Printf("%s: %s\n", action, args[0])
			return nil
		},
	}
}

var jobResubmitCmd = &cobra.Command{
	Use:   "resubmit JOB_ID",
	Short: "Resubmit a job under a new versioned job id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientCtx()
		defer cancel()
		newID, err := meshclient.New(addrFlag).Resubmit(ctx, args[0])
		if err != nil {
			return fmt.Errorf("resubmit: %w", err)
		}
		fmt.Printf("resubmitted %s as %s\n", args[0], newID)
		return nil
	},
}
