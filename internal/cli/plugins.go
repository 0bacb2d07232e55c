package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/agentwatch/internal/plugins"
	"github.com/Dicklesworthstone/agentwatch/internal/strategy"
)

func newPluginsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect strategy plugins",
	}
	cmd.AddCommand(newPluginsListCmd(a), newPluginsValidateCmd(a))
	return cmd
}

func (a *app) pluginLoader() *plugins.Loader {
	l := plugins.NewLoader(a.cfg.Plugins.Dirs, strategy.NewRegistry(), nil)
	l.Logger = a.logger
	return l
}

// PluginList is the structured form of `plugins list`.
type PluginList struct {
	Dirs       []string        `json:"dirs"`
	Strategies []strategy.Info `json:"strategies"`
	Errors     []string        `json:"errors,omitempty"`
}

func newPluginsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in strategies and the plugins found in the plugin directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			l := a.pluginLoader()
			var res plugins.Result
			if a.cfg.Plugins.Enabled {
				res = l.Load()
			}
			list := PluginList{Dirs: l.Dirs, Strategies: l.Registry.List()}
			for _, e := range res.Errors {
				list.Errors = append(list.Errors, e.Error())
			}

			f := a.formatter(cmd)
			if f.Structured() {
				return f.Encode(list)
			}
			s := f.Styles()
			t := f.Table("NAME", "BASE", "REQUIRES", "DESCRIPTION")
			t.SetMaxWidth(3, 60)
			for _, info := range list.Strategies {
				base := info.Base
				if info.Builtin {
					base = "(built-in)"
				}
				req := make([]string, len(info.Required))
				for i, c := range info.Required {
					req[i] = string(c)
				}
				t.AddRow(info.Name, base, strings.Join(req, ","), info.Description)
			}
			t.Render()
			if !a.cfg.Plugins.Enabled {
				f.Line()
				f.Textln("%s", s.Muted.Render("Plugins are disabled in the configuration."))
			}
			for _, e := range list.Errors {
				f.Textln("%s", s.Warn.Render("skipped: "+e))
			}
			return nil
		},
	}
}

// ValidateResult reports one checked manifest.
type ValidateResult struct {
	Path  string `json:"path"`
	Name  string `json:"name,omitempty"`
	Base  string `json:"base,omitempty"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func newPluginsValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check plugin manifests without loading them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l := a.pluginLoader()
			results := make([]ValidateResult, 0, len(args))
			failed := 0
			for _, path := range args {
				r := ValidateResult{Path: path}
				p, err := l.Check(path)
				r.Name, r.Base = p.Name, p.Base
				if err != nil {
					r.Error = err.Error()
					failed++
				} else {
					r.Valid = true
				}
				results = append(results, r)
			}

			f := a.formatter(cmd)
			if f.Structured() {
				if err := f.Encode(results); err != nil {
					return err
				}
			} else {
				s := f.Styles()
				for _, r := range results {
					if r.Valid {
						f.Textln("%s %s: %s (base %s)", s.OK.Render("✓"), r.Path, r.Name, r.Base)
					} else {
						f.Textln("%s %s", s.Error.Render("✗"), r.Error)
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d manifests invalid", failed, len(args))
			}
			return nil
		},
	}
}
