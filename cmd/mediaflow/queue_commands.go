package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mediaflow/internal/ipc"
	"mediaflow/internal/stage"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the work queue",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueAddCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueResetCommand(ctx))
	queueCmd.AddCommand(newQueueRemoveCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var stageFilter string
	var statuses []string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work units",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageFilter != "" {
				id, err := stage.ParseIdentity(stageFilter)
				if err != nil {
					return err
				}
				stageFilter = string(id)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueList(ipc.QueueListRequest{Stage: stageFilter, Statuses: statuses})
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, resp.Items)
				}
				if len(resp.Items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]column{
					rightColumn("ID"),
					leftColumn("Source"),
					rightColumn("Size"),
					leftColumn("Stage"),
					leftColumn("Status"),
					rightColumn("Attempts"),
					leftColumn("Updated"),
					leftColumn("Detail"),
				}, buildQueueListRows(resp.Items)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageFilter, "stage", "", "Only list units waiting for this stage")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only list units with these statuses (pending, claimed, failed, done)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit units as JSON")
	return cmd
}

func buildQueueListRows(items []ipc.QueueItem) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		size := "-"
		if info, err := os.Stat(item.SourcePath); err == nil {
			size = humanize.IBytes(uint64(info.Size()))
		}
		detail := item.Progress
		if item.ErrorMessage != "" {
			detail = item.ErrorMessage
		} else if item.OutputPath != "" && item.Status == "done" {
			detail = item.OutputPath
		}
		rows = append(rows, []string{
			strconv.FormatInt(item.ID, 10),
			filepath.Base(item.SourcePath),
			size,
			item.Stage,
			item.Status,
			strconv.Itoa(item.Attempts),
			humanize.Time(item.UpdatedAt),
			truncate(detail, 60),
		})
	}
	return rows
}

func newQueueAddCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add <path>...",
		Short: "Queue video files for analysis",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				out := cmd.OutOrStdout()
				for _, arg := range args {
					path, err := filepath.Abs(arg)
					if err != nil {
						return fmt.Errorf("resolve %s: %w", arg, err)
					}
					resp, err := client.QueueAdd(path)
					if err != nil {
						return fmt.Errorf("queue %s: %w", path, err)
					}
					if resp.Created {
						fmt.Fprintf(out, "Queued #%d %s\n", resp.Item.ID, resp.Item.SourcePath)
					} else {
						fmt.Fprintf(out, "Already queued #%d %s (%s, %s)\n", resp.Item.ID, resp.Item.SourcePath, resp.Item.Stage, resp.Item.Status)
					}
				}
				return nil
			})
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id...]",
		Short: "Return failed units to pending (all failed units when no ids are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseUnitIDs(args)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueRetry(ids)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retried %d unit(s)\n", resp.Updated)
				return nil
			})
		},
	}
}

func newQueueResetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reclaim units whose worker heartbeat expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueReset()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d stale claim(s)\n", resp.Updated)
				return nil
			})
		},
	}
}

func newQueueRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>...",
		Short: "Remove units from the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseUnitIDs(args)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QueueRemove(ids)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d unit(s)\n", resp.Removed)
				return nil
			})
		},
	}
}

func parseUnitIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(arg), "#"), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid unit id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if limit <= 3 || len(runes) <= limit {
		return value
	}
	return string(runes[:limit-3]) + "..."
}
