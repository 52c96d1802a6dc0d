// Package cli is the runlater command line: task commands talk to the daemon
// over its socket, server commands manage the daemon process.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"runlater/internal/app"
	"runlater/internal/client"
	"runlater/internal/config"
	"runlater/internal/daemon"
	"runlater/internal/protocol"
	"runlater/internal/task"
	logx "runlater/pkg/logx"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitUnreachable = 2
	ExitNotFound    = 3
	ExitInvalid     = 4
)

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	var ue *usageError
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, client.ErrServerUnavailable):
		return ExitUnreachable
	case errors.Is(err, task.ErrNotFound):
		return ExitNotFound
	case errors.As(err, &ue), errors.Is(err, task.ErrInvalidArgument), errors.Is(err, protocol.ErrProtocol):
		return ExitInvalid
	default:
		return ExitError
	}
}

// session is what every command needs: resolved paths, config and a client.
type session struct {
	opts    app.Options
	verbose bool
	out     io.Writer

	cfgm   *config.ConfigManager
	paths  config.Paths
	log    logx.Logger
	client *client.Client
}

func (s *session) cfg() *config.Config {
	if c := s.cfgm.Get(); c != nil {
		return c
	}
	return &config.Config{}
}

func (s *session) load() error {
	cfgm, paths, err := app.LoadConfig(s.opts)
	if err != nil {
		return err
	}
	s.cfgm, s.paths = cfgm, paths

	level := "warn"
	if s.verbose {
		level = "debug"
	}
	s.log = logx.NewConsole(level).With(logx.String("comp", "cli"))

	wait, _ := app.StartWait(s.cfg())
	s.client = client.New(client.Config{
		SocketPath: paths.Socket,
		StartWait:  wait,
		AutoStart:  func(context.Context) error { return s.spawn() },
	}, s.log)
	return nil
}

// daemonArgs re-executes this binary as the foreground daemon.
func (s *session) daemonArgs() []string {
	args := []string{"server", "run", "--console=false"}
	if s.opts.ConfigFile != "" {
		args = append(args, "--config", s.opts.ConfigFile)
	}
	return args
}

func (s *session) spawn() error {
	pid, err := daemon.Spawn(daemon.SpawnOptions{Args: s.daemonArgs(), Env: os.Environ()})
	if err != nil {
		return err
	}
	s.log.Debug("daemon spawned", logx.Int("pid", pid))
	return nil
}

func (s *session) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// NewRootCommand builds the command tree. version is reported by info.
func NewRootCommand(version string) *cobra.Command {
	s := &session{opts: app.Options{Version: version}, out: os.Stdout}

	root := &cobra.Command{
		Use:   "runlater",
		Short: "Run shell commands later, from a per-user background daemon",
		Long: "runlater schedules shell commands to run after a delay.\n\n" +
			"  runlater schedule 'make backup' '30 minutes'\n" +
			"  runlater 'make backup' '30 minutes'   (short form)",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			s.out = cmd.OutOrStdout()
			return s.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				return s.schedule(cmd.Context(), args[0], args[1], scheduleFlags{})
			}
			_ = cmd.Help()
			return usagef("expected a command, or <command> <delay>")
		},
	}
	root.PersistentFlags().StringVar(&s.opts.ConfigFile, "config", "", "config file (default $RUN_LATER_CONFIG or ~/.config/run_later/config.yaml)")
	root.PersistentFlags().BoolVarP(&s.verbose, "verbose", "v", false, "debug logging on stderr")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usagef("%v", err) })

	root.AddCommand(
		newScheduleCommand(s),
		newListCommand(s),
		newCancelCommand(s),
		newLogsCommand(s),
		newHistoryCommand(s),
		newServerCommand(s),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(version string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCommand(version).ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), describe(err))
	}
	return ExitCode(err)
}

// describe adds a hint for the errors users hit most.
func describe(err error) string {
	var are *daemon.AlreadyRunningError
	switch {
	case errors.Is(err, client.ErrServerUnavailable):
		return fmt.Sprintf("%v (is the server running? try: runlater server start)", err)
	case errors.As(err, &are):
		return fmt.Sprintf("server already running (pid %d)", are.PID)
	default:
		return err.Error()
	}
}

func exactArgs(n int, names string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("expected %s, got %d argument(s)", names, len(args))
		}
		return nil
	}
}

func clock(t time.Time) string { return t.Local().Format("15:04:05") }

func stamp(t time.Time) string { return t.Local().Format("2006-01-02 15:04:05") }
