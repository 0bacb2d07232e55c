package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/agentwatch/internal/config"
	"github.com/Dicklesworthstone/agentwatch/internal/daemon"
)

// detachedEnv marks the re-executed child so it runs in the foreground.
const detachedEnv = "AGENTWATCH_DAEMON_DETACHED"

type startFlags struct {
	interval   time.Duration
	strategy   string
	poolSize   int
	cache      bool
	noCache    bool
	foreground bool
	maxCycles  int
}

func (f *startFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "Cycle interval override (e.g. 30s)")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "Monitoring strategy: sequential, concurrent, cached, priority or a plugin name")
	cmd.Flags().IntVar(&f.poolSize, "pool-size", 0, "Connection pool size override")
	cmd.Flags().BoolVar(&f.cache, "cache", false, "Enable the capture cache")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "Disable the capture cache")
	cmd.Flags().BoolVar(&f.foreground, "foreground", false, "Run in the foreground instead of detaching")
	cmd.Flags().IntVar(&f.maxCycles, "max-cycles", 0, "Exit after N cycles (0 runs until stopped)")
	_ = cmd.Flags().MarkHidden("max-cycles")
	cmd.MarkFlagsMutuallyExclusive("cache", "no-cache")
}

func (f *startFlags) options(a *app) daemon.StartOptions {
	opts := daemon.StartOptions{
		Interval:   f.interval,
		Strategy:   f.strategy,
		PoolSize:   f.poolSize,
		ConfigPath: a.cfgFile,
		Logger:     a.logger,
		MaxCycles:  f.maxCycles,
	}
	switch {
	case f.cache:
		on := true
		opts.CacheEnabled = &on
	case f.noCache:
		off := false
		opts.CacheEnabled = &off
	}
	return opts
}

func newStartCmd(a *app) *cobra.Command {
	var flags startFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the monitoring daemon",
		Long: `Start the monitoring daemon. By default the daemon detaches and logs to
the state directory; use --foreground to keep it attached to the terminal.

Only one daemon runs per state directory. SIGINT and SIGTERM stop it
gracefully; SIGHUP reloads strategy plugins.

Examples:
  agentwatch start
  agentwatch start --strategy priority --interval 15s
  agentwatch start --foreground --no-cache`,
		Annotations: map[string]string{annotationOwnLogging: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.foreground || os.Getenv(detachedEnv) != "" {
				return runForeground(cmd, a, &flags, daemon.Start)
			}
			if err := a.setupLogging(false); err != nil {
				return err
			}
			return startDetached(cmd, a)
		},
	}
	flags.register(cmd)
	return cmd
}

func newStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the monitoring daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := a.formatter(cmd)
			err := daemon.Stop(cmd.Context(), a.cfg)
			stopped := err == nil
			if errors.Is(err, daemon.ErrNotRunning) {
				err = nil
			}
			if err != nil {
				return err
			}
			if f.Structured() {
				return f.Encode(map[string]bool{"stopped": stopped})
			}
			if stopped {
				f.Textln("agentwatch stopped")
			} else {
				f.Textln("agentwatch is not running")
			}
			return nil
		},
	}
}

func newRestartCmd(a *app) *cobra.Command {
	var flags startFlags
	cmd := &cobra.Command{
		Use:         "restart",
		Short:       "Stop the daemon if running, then start it again",
		Annotations: map[string]string{annotationOwnLogging: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.foreground {
				return runForeground(cmd, a, &flags, daemon.Restart)
			}
			if err := a.setupLogging(false); err != nil {
				return err
			}
			if err := daemon.Stop(cmd.Context(), a.cfg); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
				return err
			}
			return startDetached(cmd, a, "start")
		},
	}
	flags.register(cmd)
	return cmd
}

func runForeground(cmd *cobra.Command, a *app, flags *startFlags, run func(context.Context, *config.Config, daemon.StartOptions) error) error {
	if err := a.setupLogging(os.Getenv(detachedEnv) != ""); err != nil {
		return err
	}
	return run(cmd.Context(), a.cfg, flags.options(a))
}

// startDetached re-executes the binary in a new session and waits for the
// child to write its PID file. as replaces the subcommand name when set.
func startDetached(cmd *cobra.Command, a *app, as ...string) error {
	report, err := daemon.Status(a.cfg, false)
	if err != nil {
		return err
	}
	if report.Running {
		return fmt.Errorf("%w (pid %d)", daemon.ErrAlreadyRunning, report.PID)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	childArgs := append([]string(nil), os.Args[1:]...)
	if len(as) > 0 {
		for i, arg := range childArgs {
			if arg == cmd.Name() {
				childArgs[i] = as[0]
				break
			}
		}
	}
	child := exec.Command(exe, childArgs...)
	child.Env = append(os.Environ(), detachedEnv+"=1")
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()
	child.Stdin, child.Stdout, child.Stderr = devNull, devNull, devNull

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	pid := child.Process.Pid
	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited")
			}
			return fmt.Errorf("daemon failed to start (%v); see %s", err, a.cfg.LogPath())
		case <-deadline:
			return fmt.Errorf("daemon (pid %d) did not report running within 5s; see %s", pid, a.cfg.LogPath())
		case <-tick.C:
			info, err := daemon.ReadPIDFile(a.cfg.PIDPath())
			if err != nil || info.PID != pid {
				continue
			}
			f := a.formatter(cmd)
			if f.Structured() {
				return f.Encode(info)
			}
			f.Textln("agentwatch started (pid %d, strategy %s, every %s)", info.PID, info.Strategy, info.Interval)
			f.Textln("  log: %s", a.cfg.LogPath())
			return nil
		}
	}
}
