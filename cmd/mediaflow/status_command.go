package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"mediaflow/internal/daemonctl"
	"mediaflow/internal/ipc"
	"mediaflow/internal/stage"
)

var queueStatusOrder = []string{"pending", "claimed", "failed", "done"}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status [stage]",
		Short: "Show daemon, stage, and queue status",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MaximumNArgs(1)(cmd, args); err != nil {
				return err
			}
			if len(args) == 1 {
				if _, err := stage.ParseIdentity(args[0]); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}

			client, err := ipc.Dial(ctx.socketPath())
			if err != nil {
				if !daemonctl.IsUnavailable(err) {
					return wrapDialError(err, ctx.socketPath())
				}
				return renderOfflineStatus(cmd, ctx, jsonOutput)
			}
			defer client.Close()

			resp, err := client.Status(name)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, resp)
			}
			renderOnlineStatus(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit status as JSON")
	return cmd
}

func renderOnlineStatus(out io.Writer, resp *ipc.StatusResponse) {
	colorize := shouldColorize(out)

	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d)", resp.PID), colorize))
	fmt.Fprintln(out, renderStatusLine("Queue DB", statusInfo, resp.QueueDBPath, colorize))
	if resp.APIAddr != "" {
		fmt.Fprintln(out, renderStatusLine("API", statusInfo, resp.APIAddr, colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Ingest", statusInfo, yesNo(resp.IngestEnabled), colorize))
	fmt.Fprintln(out, renderStatusLine("Workers", statusInfo, strconv.Itoa(resp.WorkersLive), colorize))
	if resp.LastError != "" {
		fmt.Fprintln(out, renderStatusLine("Last error", statusError, resp.LastError, colorize))
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Stages", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprint(out, renderStageTable(resp.Stages, colorize))
	fmt.Fprintln(out)

	renderQueueStats(out, resp.QueueStats, colorize)
}

func renderOfflineStatus(cmd *cobra.Command, ctx *commandContext, jsonOutput bool) error {
	stats, err := daemonctl.OfflineQueueStats(cmd.Context(), ctx.configValue())
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd, ipc.StatusResponse{QueueStats: stats})
	}
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Daemon", statusWarn, "not running", colorize))
	fmt.Fprintln(out)
	renderQueueStats(out, stats, colorize)
	return nil
}

func renderStageTable(stages []ipc.StageStatus, colorize bool) string {
	rows := make([][]string, 0, len(stages))
	for _, snapshot := range stages {
		state := string(snapshot.State)
		if colorize {
			state = statusKindColor(stateKind(snapshot.State)) + state + ansiReset
		}
		rows = append(rows, []string{
			stageDisplayName(snapshot.Stage),
			state,
			yesNo(snapshot.DeclaredRunning),
			yesNo(snapshot.ActivelyProcessing),
			yesNo(snapshot.WorkerAvailable),
			strconv.Itoa(snapshot.QueueDepth),
			fmt.Sprintf("%d/%d", snapshot.InFlight, snapshot.Concurrency),
		})
	}
	return renderTable([]column{
		leftColumn("Stage"),
		leftColumn("State"),
		leftColumn("Declared running"),
		leftColumn("Processing"),
		leftColumn("Worker available"),
		rightColumn("Queue depth"),
		rightColumn("In flight"),
	}, rows)
}

func renderQueueStats(out io.Writer, stats map[string]int, colorize bool) {
	for _, line := range renderSectionHeader("Queue", colorize) {
		fmt.Fprintln(out, line)
	}
	rows := buildQueueStatusRows(stats)
	if len(rows) == 0 {
		fmt.Fprintln(out, "Queue is empty")
		return
	}
	fmt.Fprint(out, renderTable([]column{leftColumn("Status"), rightColumn("Count")}, rows))
}

// buildQueueStatusRows orders known statuses first and appends any others
// alphabetically.
func buildQueueStatusRows(stats map[string]int) [][]string {
	rows := make([][]string, 0, len(stats))
	seen := make(map[string]bool, len(stats))
	for _, status := range queueStatusOrder {
		if count, ok := stats[status]; ok && count > 0 {
			rows = append(rows, []string{status, strconv.Itoa(count)})
		}
		seen[status] = true
	}
	var extra []string
	for status, count := range stats {
		if !seen[status] && count > 0 {
			extra = append(extra, status)
		}
	}
	sort.Strings(extra)
	for _, status := range extra {
		rows = append(rows, []string{status, strconv.Itoa(stats[status])})
	}
	return rows
}
