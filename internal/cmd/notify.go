package cmd

import (
	"errors"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/cipherhub/pkg/jobregistry"
)

var (
	notifyStatus string
	notifyFile   string
	notifyJSON   bool
	ackJSON      bool
)

var notifyCmd = &cobra.Command{
	Use:   "notify <job-id>",
	Short: "Report a job's outcome (worker side)",
	Long: `Report that a job finished. A completed job must carry its artifact
(--file); a failed job must not.

Repeating a notification is harmless: the first completion wins and later
duplicates return the stored job.

Examples:
  cipherhub notify img-42 --status completed --file out.bmp
  cipherhub notify img-42 --status failed`,
	Args: cobra.ExactArgs(1),
	RunE: runNotify,
}

var ackCmd = &cobra.Command{
	Use:   "ack <job-id>",
	Short: "Mark a pending job as processing (worker side)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAck,
}

func init() {
	rootCmd.AddCommand(notifyCmd)
	rootCmd.AddCommand(ackCmd)

	notifyCmd.Flags().StringVar(&notifyStatus, "status", string(jobregistry.StatusCompleted), "Outcome (completed|failed)")
	notifyCmd.Flags().StringVarP(&notifyFile, "file", "f", "", "Artifact file for a completed job")
	notifyCmd.Flags().BoolVar(&notifyJSON, "json", false, "Output as JSON")
	ackCmd.Flags().BoolVar(&ackJSON, "json", false, "Output as JSON")
}

func runNotify(cmd *cobra.Command, args []string) error {
	status := jobregistry.JobStatus(notifyStatus)
	var payload []byte

	switch status {
	case jobregistry.StatusCompleted:
		if notifyFile == "" {
			return exitError(foundry.ExitInvalidArgument, "--file is required for a completed job", nil)
		}
		b, err := os.ReadFile(notifyFile)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return exitError(foundry.ExitFileNotFound, "Artifact file not found", err)
			}
			return exitError(foundry.ExitFileReadError, "Failed to read artifact file", err)
		}
		payload = b
	case jobregistry.StatusFailed:
		if notifyFile != "" {
			return exitError(foundry.ExitInvalidArgument, "--file is not allowed for a failed job", nil)
		}
	default:
		return exitError(foundry.ExitInvalidArgument, "--status must be completed or failed", nil)
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	view, err := c.Notify(cmd.Context(), args[0], status, payload)
	if err != nil {
		return clientExitError("Notification rejected", err)
	}
	return printJob(cmd.OutOrStdout(), view, notifyJSON)
}

func runAck(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	view, err := c.Acknowledge(cmd.Context(), args[0])
	if err != nil {
		return clientExitError("Acknowledge rejected", err)
	}
	return printJob(cmd.OutOrStdout(), view, ackJSON)
}
