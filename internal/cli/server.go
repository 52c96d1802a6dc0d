package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"runlater/internal/app"
	"runlater/internal/client"
	"runlater/internal/daemon"
	"runlater/internal/protocol"
	logx "runlater/pkg/logx"
)

// stopMargin is added to the daemon's own stop grace when waiting for it.
const stopMargin = 5 * time.Second

func newServerCommand(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the background daemon",
		Args:  exactArgs(0, "a subcommand: start, stop, restart, info or run"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Help()
			return usagef("expected a subcommand: start, stop, restart, info or run")
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start the daemon in the background",
			Args:  exactArgs(0, "no arguments"),
			RunE:  func(cmd *cobra.Command, _ []string) error { return s.start(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the daemon; scheduled tasks are kept",
			Args:  exactArgs(0, "no arguments"),
			RunE:  func(cmd *cobra.Command, _ []string) error { return s.stop(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "restart",
			Short: "Stop and start the daemon",
			Args:  exactArgs(0, "no arguments"),
			RunE: func(cmd *cobra.Command, _ []string) error {
				s.printf("Restarting server...\n")
				if err := s.stop(cmd.Context()); err != nil {
					return err
				}
				return s.start(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "info",
			Short: "Show daemon status, counts and paths",
			Args:  exactArgs(0, "no arguments"),
			RunE:  func(cmd *cobra.Command, _ []string) error { return s.info(cmd.Context()) },
		},
		newRunCommand(s),
	)
	return cmd
}

func (s *session) start(ctx context.Context) error {
	if s.client.Ping(ctx) == nil {
		s.printf("Server is already running.\n")
		return nil
	}
	s.printf("Starting runlater server daemon...\n")
	if err := s.client.StartAndWait(ctx); err != nil {
		return fmt.Errorf("failed to start server (check the logs at %s): %w", s.paths.LogFile, err)
	}
	pid := daemon.RunningPID(s.paths.PIDFile)
	s.printf("Server started successfully (PID %d).\n", pid)
	return nil
}

func (s *session) stop(ctx context.Context) error {
	// info never auto-starts the daemon; list would.
	if res, err := s.client.Info(ctx); err == nil && res.ActiveCount > 0 {
		s.printf("%s There are %d scheduled tasks that will be preserved.\n", color.YellowString("Warning:"), res.ActiveCount)
		s.printf("These tasks will resume when the server is started again.\n")
	}

	grace, _ := app.StopGrace(s.cfg())
	res, err := daemon.Stop(ctx, daemon.StopOptions{
		PIDFile:  s.paths.PIDFile,
		Grace:    grace + stopMargin,
		Shutdown: s.client.Shutdown,
		Log:      s.log,
	})
	switch {
	case errors.Is(err, daemon.ErrNotRunning):
		s.printf("Server is not running.\n")
		return nil
	case err != nil:
		return err
	case res.Forced:
		s.printf("Server did not stop in time and was killed (PID %d).\n", res.PID)
	default:
		s.printf("Server stopped successfully.\n")
	}
	return nil
}

func (s *session) info(ctx context.Context) error {
	res, err := s.client.Info(ctx)
	running := err == nil
	if err != nil && !errors.Is(err, client.ErrServerUnavailable) {
		return err
	}

	status := color.RedString("STOPPED")
	if running {
		status = color.GreenString("RUNNING")
	}
	s.printf("\nServer Status: %s\n", status)
	if running {
		s.printf("Process ID: %d\n", res.PID)
		if res.Version != "" {
			s.printf("Version: %s\n", res.Version)
		}
		s.printf("Start Time: %s\n", stamp(res.StartedAt))
		s.printf("Uptime: %s\n", (time.Duration(res.UptimeSeconds) * time.Second).String())
		s.printf("Active Tasks: %d (%d pending, %d running)\n", res.ActiveCount, res.PendingCount, res.RunningCount)
		s.printf("Completed Tasks: %d (keeping %d)\n", res.HistoryCount, res.HistorySize)
		if res.NextDue != nil {
			s.printf("Next Due: %s\n", stamp(*res.NextDue))
		}
		if res.RSSBytes > 0 {
			s.printf("Memory (RSS): %.1f MB\n", float64(res.RSSBytes)/(1<<20))
		}
		s.printf("Storage: %s, missed tasks: %s\n", res.StorageDriver, res.MissedPolicy)
		if res.Panics > 0 {
			s.printf("%s %d recovered panics (see server log)\n", color.YellowString("Warning:"), res.Panics)
		}
		if res.PprofAddr != "" {
			s.printf("pprof: http://%s/debug/pprof/\n", res.PprofAddr)
		}
	}

	paths := s.infoPaths(res, running)
	s.printf("\nPaths:\n")
	s.printf("Socket: %s\n", paths.Socket)
	s.printf("PID File: %s\n", paths.PIDFile)
	s.printf("Config File: %s%s\n", paths.ConfigFile, exists(paths.ConfigFile))
	s.printf("State Directory: %s%s\n", paths.StateDir, exists(paths.StateDir))
	s.printf("Task Store: %s%s\n", paths.Storage, exists(paths.Storage))
	s.printf("Task Logs: %s\n", paths.TaskLogDir)
	s.printf("Server Log: %s%s\n", paths.LogFile, sizeOf(paths.LogFile))

	s.printf("\nQuick Commands:\n")
	s.printf("  View tasks:    runlater list\n")
	s.printf("  View history:  runlater history\n")
	s.printf("  View logs:     tail -f %s\n", paths.LogFile)
	s.printf("  Restart:       runlater server restart\n")
	return nil
}

// infoPaths prefers what the daemon reports; a stopped daemon gets the
// locations this config would use.
func (s *session) infoPaths(res protocol.InfoResult, running bool) protocol.InfoPaths {
	if running {
		return res.Paths
	}
	return protocol.InfoPaths{
		Socket:     s.paths.Socket,
		PIDFile:    s.paths.PIDFile,
		ConfigFile: s.paths.ConfigFile,
		StateDir:   s.paths.StateDir,
		Storage:    s.paths.StateDir,
		LogFile:    s.paths.LogFile,
		TaskLogDir: s.paths.TaskLogDir,
	}
}

func exists(path string) string {
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return " (not found)"
	}
	return " (exists)"
}

func sizeOf(path string) string {
	fi, err := os.Stat(path)
	if err != nil {
		return " (not found)"
	}
	return fmt.Sprintf(" (%.1f KB)", float64(fi.Size())/1024)
}

func newRunCommand(s *session) *cobra.Command {
	var console bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Long:  "Run the daemon in the foreground. This is what 'server start' launches; use it under systemd (Type=notify).",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := s.opts
			opts.Console = console
			a, err := app.New(opts)
			if err != nil {
				return err
			}
			grace, _ := app.StopGrace(s.cfg())
			return daemon.Run(cmd.Context(), a, daemon.RunOptions{
				PIDFile:   a.Paths().PIDFile,
				StopGrace: grace,
				Log:       s.log.With(logx.String("comp", "daemon")),
			})
		},
	}
	cmd.Flags().BoolVar(&console, "console", true, "also log to the console")
	return cmd
}
