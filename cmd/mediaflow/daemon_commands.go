package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"mediaflow/internal/daemonctl"
)

const (
	daemonStartTimeout = 10 * time.Second
	daemonStopGrace    = 5 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var launchLevel string
	launchCmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch the mediaflow daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.EnsureRunning(ctx.socketPath(), exe, ctx.launchOptions(launchLevel), daemonStartTimeout)
			if err != nil {
				return err
			}
			printStartResult(cmd, result)
			return nil
		},
	}
	launchCmd.Flags().StringVar(&launchLevel, "log-level", "", "Override logging.level for the daemon")

	shutdownCmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the mediaflow daemon (terminates the process)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.configValue(), daemonStopGrace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			printStopResult(cmd, result)
			return nil
		},
	}

	var restartLevel string
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the mediaflow daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			stopped, err := daemonctl.StopAndTerminate(ctx.configValue(), daemonStopGrace)
			switch {
			case errors.Is(err, daemonctl.ErrDaemonNotRunning):
			case err != nil:
				return err
			default:
				printStopResult(cmd, stopped)
			}
			result, err := daemonctl.EnsureRunning(ctx.socketPath(), exe, ctx.launchOptions(restartLevel), daemonStartTimeout)
			if err != nil {
				return err
			}
			printStartResult(cmd, result)
			return nil
		},
	}
	restartCmd.Flags().StringVar(&restartLevel, "log-level", "", "Override logging.level for the daemon")

	return []*cobra.Command{launchCmd, shutdownCmd, restartCmd}
}

func (c *commandContext) launchOptions(level string) daemonctl.LaunchOptions {
	c.ensureConfig()
	return daemonctl.LaunchOptions{ConfigPath: c.configPath, LogLevel: level}
}

func printStartResult(cmd *cobra.Command, result daemonctl.StartResult) {
	stdout := cmd.OutOrStdout()
	switch result.State {
	case daemonctl.StartStateAlreadyRunning:
		fmt.Fprintf(stdout, "Daemon already running (pid %d)\n", result.PID)
	default:
		fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
	}
}

func printStopResult(cmd *cobra.Command, result daemonctl.StopResult) {
	stdout := cmd.OutOrStdout()
	if result.StopAcknowledged {
		fmt.Fprintln(stdout, "Stopping daemon workflow...")
	} else {
		fmt.Fprintln(stdout, "Stop request sent")
	}
	if result.ForcedKill && result.PID > 0 {
		fmt.Fprintf(stdout, "Killed daemon process (pid %d)\n", result.PID)
	}
	fmt.Fprintln(stdout, "Daemon stopped")
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return exe, nil
}
