package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/cipherhub/pkg/client"
	"github.com/3leaps/cipherhub/pkg/telemetry"
)

var (
	statsHost    string
	statsJSON    bool
	statsHistory string
	statsLimit   int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the latest telemetry sample per node",
	Long: `Show the most recent health sample of every node, ordered by hostname.

With --history, show the stored samples of one node instead, newest first.

Examples:
  cipherhub stats
  cipherhub stats --host 'java-*'
  cipherhub stats --history openmpi-master --limit 20`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVar(&statsHost, "host", "", "Only nodes whose hostname matches this glob")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Output as JSON")
	statsCmd.Flags().StringVar(&statsHistory, "history", "", "Show the sample history of this hostname")
	statsCmd.Flags().IntVar(&statsLimit, "limit", 0, "Maximum history samples (server default when 0)")
}

func runStats(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if statsHistory != "" {
		if statsHost != "" {
			return exitError(foundry.ExitInvalidArgument, "--host and --history cannot be combined", nil)
		}
		return runStatsHistory(cmd, c)
	}
	if statsLimit != 0 {
		return exitError(foundry.ExitInvalidArgument, "--limit requires --history", nil)
	}
	nodes, err := c.Snapshot(cmd.Context(), statsHost)
	if err != nil {
		return clientExitError("Failed to get telemetry", err)
	}
	if statsJSON {
		if nodes == nil {
			nodes = []telemetry.NodeSample{}
		}
		return writeJSONOut(cmd.OutOrStdout(), nodes)
	}

	out := cmd.OutOrStdout()
	if len(nodes) == 0 {
		_, _ = fmt.Fprintln(out, "No telemetry yet.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "HOSTNAME\tOS\tCPU %\tRAM %\tSTATUS\tSAMPLED")
	for _, n := range nodes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.1f\t%.1f\t%s\t%s\n",
			n.Hostname, orDash(n.OS), n.CPUUsagePercent, n.RAMUsagePercent, n.Status,
			n.Timestamp.Format(time.RFC3339))
	}
	return nil
}

func runStatsHistory(cmd *cobra.Command, c *client.Client) error {
	if statsLimit < 0 {
		return exitError(foundry.ExitInvalidArgument, "--limit must not be negative", nil)
	}
	records, err := c.History(cmd.Context(), statsHistory, statsLimit)
	if err != nil {
		return clientExitError("Failed to get telemetry history", err)
	}
	if statsJSON {
		if records == nil {
			records = []telemetry.Record{}
		}
		return writeJSONOut(cmd.OutOrStdout(), records)
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		_, _ = fmt.Fprintf(out, "No telemetry for %s.\n", statsHistory)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "SEQ\tSAMPLED\tCPU %\tRAM %\tSTATUS")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%.1f\t%.1f\t%s\n",
			r.Seq, r.Timestamp.Format(time.RFC3339), r.CPUUsagePercent, r.RAMUsagePercent, r.Status)
	}
	return nil
}
