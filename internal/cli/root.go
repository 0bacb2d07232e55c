// Package cli implements the agentwatch command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/agentwatch/internal/config"
	"github.com/Dicklesworthstone/agentwatch/internal/logging"
	"github.com/Dicklesworthstone/agentwatch/internal/output"
)

// Build information - set via ldflags
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// SetVersionInfo records build metadata from main.
func SetVersionInfo(version, commit, date string) {
	Version, Commit, Date = version, commit, date
}

// app carries state shared by every subcommand of one invocation.
type app struct {
	cfgFile    string
	jsonOutput bool
	yamlOutput bool
	noColor    bool
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

// format resolves the structured output flags.
func (a *app) format() output.Format {
	switch {
	case a.jsonOutput:
		return output.FormatJSON
	case a.yamlOutput:
		return output.FormatYAML
	}
	return output.FormatText
}

func (a *app) formatter(cmd *cobra.Command) *output.Formatter {
	return output.New(cmd.OutOrStdout(), a.format())
}

// loadConfig reads the config file and applies global flag overrides.
func (a *app) loadConfig() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg
	return nil
}

// setupLogging installs the process logger. Detached daemons log to the
// state directory; everything else logs to stderr.
func (a *app) setupLogging(toFile bool) error {
	path := ""
	if toFile {
		path = a.cfg.LogPath()
	}
	logger, closer, err := logging.New(a.cfg.Logging, path)
	if err != nil {
		return err
	}
	a.logger, a.closer = logger, closer
	slog.SetDefault(logger)
	return nil
}

func (a *app) close() {
	if a.closer != nil {
		_ = a.closer.Close()
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "agentwatch",
		Short: "Monitor AI coding agents running in tmux and recover them",
		Long: `agentwatch watches AI coding agents running in tmux windows, classifies
their health, nudges idle agents, reports crashes to the session manager and
recovers the manager itself when it fails.

Quick Start:
  agentwatch config init          # Write a default config file
  agentwatch check                # Run one monitoring cycle and print it
  agentwatch start                # Start the background daemon
  agentwatch status --detailed    # Show the last cycle and every agent
  agentwatch watch                # Live view of the daemon`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.noColor {
				os.Setenv("AGENTWATCH_NO_COLOR", "1")
			}
			if a.jsonOutput && a.yamlOutput {
				return fmt.Errorf("--json and --yaml are mutually exclusive")
			}
			if err := a.loadConfig(); err != nil {
				return err
			}
			if cmd.Annotations[annotationOwnLogging] == "" {
				return a.setupLogging(false)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default ~/.config/agentwatch/config.toml)")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "Output in JSON format (machine-readable)")
	root.PersistentFlags().BoolVar(&a.yamlOutput, "yaml", false, "Output in YAML format")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level override: debug, info, warn, error")

	root.AddCommand(
		newStartCmd(a),
		newStopCmd(a),
		newRestartCmd(a),
		newStatusCmd(a),
		newCheckCmd(a),
		newMetricsCmd(a),
		newPluginsCmd(a),
		newWatchCmd(a),
		newConfigCmd(a),
		newVersionCmd(a),
	)
	return root
}

// annotationOwnLogging marks commands that set up logging themselves.
const annotationOwnLogging = "own-logging"

// Execute runs the CLI.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// VersionResponse is the structured form of `agentwatch version`.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

func newVersionCmd(a *app) *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := a.formatter(cmd)
			resp := VersionResponse{Version: Version, Commit: Commit, Date: Date}
			if f.Structured() {
				return f.Encode(resp)
			}
			if short {
				f.Textln("%s", Version)
				return nil
			}
			f.Textln("agentwatch version %s", Version)
			f.Textln("  commit: %s", Commit)
			f.Textln("  built:  %s", Date)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only the version number")
	return cmd
}
