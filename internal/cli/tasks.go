package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"runlater/internal/protocol"
	"runlater/internal/task"
)

type scheduleFlags struct {
	at    string
	dir   string
	noDir bool
}

func newScheduleCommand(s *session) *cobra.Command {
	var f scheduleFlags
	cmd := &cobra.Command{
		Use:   "schedule <command> [delay]",
		Short: "Schedule a shell command",
		Long: "Schedule a shell command to run after a delay such as '5 minutes', '1 hour',\n" +
			"'30 seconds' or '1h30m', or at a time given with --at.",
		Example: "  runlater schedule 'notify-send tea' '4 minutes'\n" +
			"  runlater schedule --at 07:30 'systemctl --user start backup'",
		Args: func(_ *cobra.Command, args []string) error {
			if f.at != "" {
				if len(args) != 1 {
					return usagef("with --at, expected <command> only")
				}
				return nil
			}
			if len(args) != 2 {
				return usagef("expected <command> <delay>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			delay := ""
			if len(args) > 1 {
				delay = args[1]
			}
			return s.schedule(cmd.Context(), args[0], delay, f)
		},
	}
	cmd.Flags().StringVar(&f.at, "at", "", "absolute time: RFC3339 or HH:MM[:SS] (next occurrence)")
	cmd.Flags().StringVar(&f.dir, "dir", "", "working directory for the command (default: current directory)")
	cmd.Flags().BoolVar(&f.noDir, "no-dir", false, "run in the daemon's working directory")
	return cmd
}

func (s *session) schedule(ctx context.Context, command, delay string, f scheduleFlags) error {
	if strings.TrimSpace(command) == "" {
		return usagef("command must not be empty")
	}
	args := protocol.ScheduleArgs{Command: command}
	now := time.Now()
	if f.at != "" {
		at, err := ParseAt(f.at, now)
		if err != nil {
			return err
		}
		args.DueAt = &at
	} else {
		d, err := ParseDelay(delay)
		if err != nil {
			return err
		}
		secs := d.Seconds()
		args.DelaySeconds = &secs
	}
	switch {
	case f.noDir:
	case f.dir != "":
		args.Dir = f.dir
	default:
		if wd, err := os.Getwd(); err == nil {
			args.Dir = wd
		}
	}

	t, err := s.client.Schedule(ctx, args)
	if err != nil {
		return err
	}
	s.printf("Task scheduled successfully.\n")
	s.printf("Task ID: %s\n", color.CyanString(t.ID))
	s.printf("Current time: %s\n", clock(now))
	s.printf("Will execute at: %s (%s)\n", clock(t.DueAt), formatDelay(time.Until(t.DueAt)))
	s.printf("Command to run: %s\n", t.Command)
	s.printf("\nTo view logs later: runlater logs %s\n", t.ID)
	return nil
}

func newListCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled and running tasks",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			tasks, err := s.client.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				s.printf("No tasks scheduled.\n")
				return nil
			}
			s.printf("Scheduled tasks (%d):\n", len(tasks))
			for _, t := range tasks {
				state := ""
				if t.Status == task.StatusRunning {
					state = " " + color.YellowString("[running pid %d]", t.PID)
				}
				s.printf("  - %s: %s -%s %s\n", t.ID, clock(t.DueAt), state, truncate(t.Command, 60))
			}
			return nil
		},
	}
}

func newCancelCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task_id>",
		Short: "Cancel a pending or running task",
		Args:  exactArgs(1, "<task_id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := s.client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			s.printf("Task %s cancelled successfully.\n", t.ID)
			return nil
		},
	}
}

func newLogsCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <task_id>",
		Short: "Show the captured output of a task",
		Args:  exactArgs(1, "<task_id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := s.client.Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			s.printLogs(res)
			return nil
		},
	}
}

func (s *session) printLogs(res protocol.LogsResult) {
	switch {
	case res.Status == task.StatusPending:
		s.printf("Task %s has not run yet.\n", res.TaskID)
		return
	case res.Status == task.StatusRunning:
		s.printf("Task %s is %s.\n", res.TaskID, color.YellowString("running"))
	case res.ExitCode != nil:
		s.printf("Task %s completed with exit code: %s\n", res.TaskID, exitColor(*res.ExitCode))
	case res.Status != "":
		s.printf("Task %s %s.\n", res.TaskID, res.Status)
	}

	s.printf("\n=== STDOUT ===\n%s", res.Stdout)
	if res.StdoutTruncated {
		s.printf("\n%s\n", color.YellowString("[output truncated; full log at %s]", res.Logs.Stdout))
	}
	if strings.TrimSpace(res.Stderr) != "" {
		s.printf("\n=== STDERR ===\n%s", res.Stderr)
		if res.StderrTruncated {
			s.printf("\n%s\n", color.YellowString("[output truncated; full log at %s]", res.Logs.Stderr))
		}
	}
	if !strings.HasSuffix(res.Stdout+res.Stderr, "\n") {
		s.printf("\n")
	}
}

func newHistoryCommand(s *session) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently finished tasks",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return usagef("--limit must be >= 0")
			}
			tasks, err := s.client.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				s.printf("No completed tasks found.\n")
				return nil
			}
			s.printf("Recent completed tasks (%d):\n", len(tasks))
			for _, t := range tasks {
				when := t.DueAt
				if t.FinishedAt != nil {
					when = *t.FinishedAt
				}
				s.printf("  - %s: %s - %s %s\n", t.ID, stamp(when), outcome(t), truncate(t.Command, 50))
				s.printf("    View logs: runlater logs %s\n", t.ID)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of tasks to show")
	return cmd
}

// outcome renders a finished task's result: green for exit 0, red otherwise.
func outcome(t task.Task) string {
	switch {
	case t.Status == task.StatusCancelled:
		return color.YellowString("[cancelled]")
	case t.ExitCode != nil && t.Reason == "":
		return "[exit: " + exitColor(*t.ExitCode) + "]"
	case t.ExitCode != nil:
		return color.RedString("[exit: %d, %s]", *t.ExitCode, t.Reason)
	case t.Reason != "":
		return color.RedString("[%s: %s]", t.Status, t.Reason)
	default:
		return fmt.Sprintf("[%s]", t.Status)
	}
}

func exitColor(code int) string {
	if code == 0 {
		return color.GreenString("%d", code)
	}
	return color.RedString("%d", code)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
