package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/agentwatch/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write the default configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := config.CreateDefault(a.cfgFile)
				if err != nil {
					return err
				}
				f := a.formatter(cmd)
				if f.Structured() {
					return f.Encode(map[string]string{"path": path})
				}
				f.Textln("Created %s", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration (file, defaults and environment)",
			RunE: func(cmd *cobra.Command, args []string) error {
				f := a.formatter(cmd)
				if f.Structured() {
					m, err := config.AsMap(a.cfg)
					if err != nil {
						return err
					}
					return f.Encode(m)
				}
				return config.Print(a.cfg, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the configuration file path",
			RunE: func(cmd *cobra.Command, args []string) error {
				path := a.cfgFile
				if path == "" {
					path = config.DefaultPath()
				}
				_, err := os.Stat(path)
				exists := err == nil
				f := a.formatter(cmd)
				if f.Structured() {
					return f.Encode(map[string]any{"path": path, "exists": exists})
				}
				if !exists {
					f.Textln("%s (not created; using defaults)", path)
					return nil
				}
				f.Textln("%s", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the effective configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				errs := config.Validate(a.cfg)
				f := a.formatter(cmd)
				if f.Structured() {
					msgs := make([]string, len(errs))
					for i, e := range errs {
						msgs[i] = e.Error()
					}
					if err := f.Encode(map[string]any{"valid": len(errs) == 0, "errors": msgs}); err != nil {
						return err
					}
				} else if len(errs) == 0 {
					f.Textln("%s configuration is valid", f.Styles().OK.Render("✓"))
				} else {
					for _, e := range errs {
						f.Textln("%s %v", f.Styles().Error.Render("✗"), e)
					}
				}
				if len(errs) > 0 {
					return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
				}
				return nil
			},
		},
	)
	return cmd
}
