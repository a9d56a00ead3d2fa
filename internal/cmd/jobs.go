package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/cipherhub/pkg/client"
	"github.com/3leaps/cipherhub/pkg/jobregistry"
	"github.com/3leaps/cipherhub/pkg/query"
)

var (
	jobsJSON   bool
	statusJSON bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs known to the service",
	Long:  `List every job, newest first, followed by a count per status.`,
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		view, err := c.Status(cmd.Context(), args[0])
		if err != nil {
			return clientExitError("Failed to get job status", err)
		}
		return printJob(cmd.OutOrStdout(), view, statusJSON)
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(statusCmd)
	jobsCmd.Flags().BoolVar(&jobsJSON, "json", false, "Output as JSON")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

func runJobs(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	list, err := c.Jobs(cmd.Context())
	if err != nil {
		return clientExitError("Failed to list jobs", err)
	}
	if jobsJSON {
		return writeJSONOut(cmd.OutOrStdout(), list)
	}
	printJobTable(cmd, list)
	return nil
}

func printJobTable(cmd *cobra.Command, list *client.JobList) {
	out := cmd.OutOrStdout()
	if len(list.Jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB ID\tSTATUS\tOPERATION\tMODE\tSIZE\tUPDATED")
	for _, j := range list.Jobs {
		size := "-"
		if j.Artifact != nil {
			size = fmt.Sprintf("%d", j.Artifact.Size)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.JobID, j.Status,
			orDash(j.Metadata[query.MetaOperation]), orDash(j.Metadata[query.MetaMode]),
			size, j.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\n%d pending, %d processing, %d completed, %d failed\n",
		list.Stats[string(jobregistry.StatusPending)],
		list.Stats[string(jobregistry.StatusProcessing)],
		list.Stats[string(jobregistry.StatusCompleted)],
		list.Stats[string(jobregistry.StatusFailed)])
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
