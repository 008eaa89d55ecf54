package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mediaflow/internal/ipc"
	"mediaflow/internal/stage"
)

// stageArg rejects unknown stage identities before any daemon contact.
func stageArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	_, err := stage.ParseIdentity(args[0])
	return err
}

func newStageCommands(ctx *commandContext) []*cobra.Command {
	control := func(use, short string, call func(*ipc.Client, string) (*ipc.StageResponse, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <stage>",
			Short: short,
			Args:  stageArg,
			RunE: func(cmd *cobra.Command, args []string) error {
				return ctx.withClient(func(client *ipc.Client) error {
					resp, err := call(client, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.Stage, resp.State)
					return nil
				})
			},
		}
	}

	startCmd := control("start", "Start dispatching work for a stage", (*ipc.Client).StageStart)
	pauseCmd := control("pause", "Pause a stage; in-flight work drains", (*ipc.Client).StagePause)
	resumeCmd := control("resume", "Resume a paused stage", (*ipc.Client).StageResume)

	dispatchCmd := &cobra.Command{
		Use:   "dispatch <stage>",
		Short: "Run one dispatch round for a stage",
		Args:  stageArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.StageDispatch(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: dispatched %d unit(s), state %s\n", resp.Stage, resp.Dispatched, resp.State)
				return nil
			})
		},
	}

	return []*cobra.Command{startCmd, pauseCmd, resumeCmd, dispatchCmd}
}
