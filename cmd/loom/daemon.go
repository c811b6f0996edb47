package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomstudio/loom/internal/supervisor"
	"github.com/loomstudio/loom/internal/version"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show daemon and worker status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(cmd)
			defer cancel()
			defer c.Close()

			status, err := c.Status(ctx)
			if err != nil {
				return fmt.Errorf("daemon unreachable: %w", err)
			}
			if warning := version.CheckVersionMismatch(status.Version); warning != "" {
				fmt.Fprintln(os.Stderr, warning)
			}
			return newOutputFormatter(cmd).Print(status, func() {
				fmt.Printf("Worker:   %s (pid %d)\n", status.State, status.WorkerPID)
				fmt.Printf("Daemon:   pid %d, up %s\n", status.PID, (time.Duration(status.UptimeMs) * time.Millisecond).Round(time.Second))
				fmt.Printf("Restarts: %d\n", status.Restarts)
				fmt.Printf("Plugins:  %d loaded\n", status.LoadedCount)
				fmt.Printf("Health:   %s\n", status.HealthStatus)
				if status.LastExit != "" {
					fmt.Printf("Last exit: %s\n", status.LastExit)
				}
			})
		},
	}
}

func newRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "restart",
		Short:         "Restart the worker process",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(cmd)
			defer cancel()
			defer c.Close()

			status, err := c.Restart(ctx)
			if err != nil {
				return fmt.Errorf("restart failed: %w", err)
			}
			if status.State != string(supervisor.StateRunning) {
				return fmt.Errorf("worker did not reach running state (now %s)", status.State)
			}
			return newOutputFormatter(cmd).Print(status, func() {
				fmt.Printf("Worker restarted (pid %d)\n", status.WorkerPID)
			})
		},
	}
}

func newShutdownCommand() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:           "shutdown",
		Short:         "Stop the daemon and its worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(cmd)
			defer cancel()
			defer c.Close()

			if err := c.Shutdown(ctx, grace); err != nil {
				return fmt.Errorf("shutdown failed: %w", err)
			}
			fmt.Println("Daemon shutting down")
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "Graceful worker stop window before SIGKILL (e.g. 5s)")
	return cmd
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "health",
		Short:         "Show the latest health snapshot",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(cmd)
			defer cancel()
			defer c.Close()

			raw, err := c.Health(ctx)
			if err != nil {
				return fmt.Errorf("health query failed: %w", err)
			}
			fmt.Println(string(raw))
			return nil
		},
	}
}

func newCallCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "call <plugin> <method> [params-json]",
		Short:         "Invoke a plugin method",
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(cmd)
			defer cancel()
			defer c.Close()

			var params []byte
			if len(args) == 3 {
				params = []byte(args[2])
			}
			result, err := c.Call(ctx, args[0], args[1], params)
			if err != nil {
				return fmt.Errorf("call failed: %w", err)
			}
			fmt.Println(string(result))
			return nil
		},
	}
}
