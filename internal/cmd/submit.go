package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/cipherhub/internal/observability"
	"github.com/3leaps/cipherhub/pkg/client"
	"github.com/3leaps/cipherhub/pkg/query"
)

var (
	submitOperation   string
	submitMode        string
	submitWait        bool
	submitJSON        bool
	pollInterval      time.Duration
	pollMaxAttempts   int
	pollOut           string
	pollTimeout       time.Duration
	pollJSON          bool
	submitMetadataKVs map[string]string
)

var submitCmd = &cobra.Command{
	Use:   "submit [job-id]",
	Short: "Register a new job",
	Long: `Register a job with the service. When job-id is omitted the service
assigns one.

With --wait the command then polls the job's status until it completes or
fails, and writes the artifact to --out.

Examples:
  cipherhub submit img-42 --operation encrypt --mode CBC
  cipherhub submit --operation decrypt --wait --out plain.bmp`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

var pollCmd = &cobra.Command{
	Use:   "poll <job-id>",
	Short: "Wait for a job to finish and fetch its artifact",
	Long: `Query the job's status at a fixed interval until it is completed or
failed. Status query failures are retried on the next tick. A completed
job's artifact is fetched once and written to --out (or summarized).

Press Ctrl+C to stop polling; the job itself is unaffected.`,
	Args: cobra.ExactArgs(1),
	RunE: runPoll,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(pollCmd)

	submitCmd.Flags().StringVar(&submitOperation, "operation", "", "Requested operation (encrypt|decrypt)")
	submitCmd.Flags().StringVar(&submitMode, "mode", "", "Cipher mode (ECB|CBC)")
	submitCmd.Flags().StringToStringVar(&submitMetadataKVs, "meta", nil, "Extra metadata as key=value pairs")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Poll until the job finishes")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Output as JSON")

	for _, c := range []*cobra.Command{submitCmd, pollCmd} {
		c.Flags().DurationVar(&pollInterval, "interval", client.DefaultPollInterval, "Status polling interval")
		c.Flags().IntVar(&pollMaxAttempts, "max-attempts", 0, "Give up after this many status queries (0 = no limit)")
		c.Flags().DurationVar(&pollTimeout, "timeout", 0, "Give up after this long (0 = no limit)")
		c.Flags().StringVarP(&pollOut, "out", "o", "", "Write the artifact to this file")
	}
	pollCmd.Flags().BoolVar(&pollJSON, "json", false, "Output as JSON")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	req := client.SubmitRequest{
		Operation: submitOperation,
		Mode:      submitMode,
		Metadata:  submitMetadataKVs,
	}
	if len(args) == 1 {
		req.JobID = args[0]
	}

	view, err := c.Submit(cmd.Context(), req)
	if err != nil {
		return clientExitError("Failed to submit job", err)
	}
	observability.CLILogger.Debug("Job submitted", zap.String("job_id", view.JobID))

	if !submitWait {
		return printJob(cmd.OutOrStdout(), view, submitJSON)
	}
	if !submitJSON {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Submitted %s; waiting for completion...\n", view.JobID)
	}
	return waitForJob(cmd, c, view.JobID, submitJSON)
}

func runPoll(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	return waitForJob(cmd, c, args[0], pollJSON)
}

func waitForJob(cmd *cobra.Command, jobs client.JobReader, jobID string, asJSON bool) error {
	ctx := cmd.Context()
	if pollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pollTimeout)
		defer cancel()
	}

	poller := client.NewPoller(jobs, client.PollerConfig{
		Interval:    pollInterval,
		MaxAttempts: pollMaxAttempts,
		Logger:      observability.CLILogger,
	})
	res, err := poller.Wait(ctx, jobID)
	switch {
	case errors.Is(err, client.ErrJobFailed):
		_ = printJob(cmd.OutOrStdout(), &res.Job, asJSON)
		return exitError(exitFailure, "Job failed", err)
	case errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, "Polling cancelled", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, client.ErrMaxAttempts):
		return exitError(foundry.ExitExternalServiceUnavailable, "Job did not finish in time", err)
	case err != nil:
		return clientExitError("Failed to fetch result", err)
	}

	if pollOut != "" {
		if err := os.WriteFile(pollOut, res.Artifact.Data, 0644); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write artifact", err)
		}
		observability.CLILogger.Info("Artifact written",
			zap.String("job_id", jobID),
			zap.String("path", pollOut),
			zap.Int("bytes", len(res.Artifact.Data)))
	}

	if asJSON {
		return writeJSONOut(cmd.OutOrStdout(), res.Job)
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Job %s completed after %d status queries\n", jobID, res.Attempts)
	_, _ = fmt.Fprintf(out, "  artifact: %d bytes, %s, checksum %s\n",
		len(res.Artifact.Data), res.Artifact.ContentType, res.Artifact.ETag)
	if pollOut != "" {
		_, _ = fmt.Fprintf(out, "  written to %s\n", pollOut)
	}
	return nil
}

func printJob(w io.Writer, view *query.JobView, asJSON bool) error {
	if asJSON {
		return writeJSONOut(w, view)
	}
	_, _ = fmt.Fprintf(w, "Job:      %s\n", view.JobID)
	_, _ = fmt.Fprintf(w, "Status:   %s\n", view.Status)
	if view.ImageID != "" {
		_, _ = fmt.Fprintf(w, "Image:    %s\n", view.ImageID)
	}
	if view.Artifact != nil {
		_, _ = fmt.Fprintf(w, "Artifact: %d bytes (%s)\n", view.Artifact.Size, view.Artifact.ContentType)
	}
	_, _ = fmt.Fprintf(w, "Created:  %s\n", view.CreatedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Updated:  %s\n", view.UpdatedAt.Format(time.RFC3339))
	for _, k := range []string{query.MetaOperation, query.MetaMode} {
		if v := view.Metadata[k]; v != "" {
			_, _ = fmt.Fprintf(w, "%-9s %s\n", k+":", v)
		}
	}
	return nil
}

func writeJSONOut(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
