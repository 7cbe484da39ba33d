package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
)

// newStatusCmd prints a job's checkpoint progress as JSON.
func newStatusCmd() *cobra.Command {
	var (
		jobID        string
		withFailures bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a job's checkpoint progress",
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, _ []string) error {
			cp, err := rt.app.Checkpoints().Load(cmd.Context(), jobID)
			switch {
			case errors.Is(err, checkpoint.ErrNotFound):
				return fmt.Errorf("no checkpoint for job %s", jobID)
			case errors.Is(err, checkpoint.ErrSessionExpired) && cp != nil:
				// Reported below with expired set.
			case err != nil:
				return fmt.Errorf("load checkpoint: %w", err)
			}
			st := cp.Status(time.Now())
			if !withFailures {
				st.Failures = nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(st); err != nil {
				return fmt.Errorf("write status: %w", err)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id")
	cmd.Flags().BoolVar(&withFailures, "failures", false, "include per-index failure summaries")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}

// newExpireCmd ends a job's session so it can no longer be resumed.
func newExpireCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire a job's checkpoint",
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, _ []string) error {
			if err := rt.app.Checkpoints().Expire(cmd.Context(), jobID); err != nil {
				return fmt.Errorf("expire checkpoint: %w", err)
			}
			rt.logger.Info("checkpoint expired", zap.String("job_id", jobID))
			fmt.Fprintf(cmd.OutOrStdout(), "expired %s\n", jobID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}
