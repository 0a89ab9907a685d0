// Package cli implements the odeon command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/i2y/odeon"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Database   string // overrides the config file
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the odeon CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "odeon",
		Short: "Odeon - message correlation and job scheduling for long-running processes",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to odeon.yaml")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database URL (overrides the config file)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewKeyCommand(opts))

	return cmd
}

// loadConfig reads the config file, if any, and applies flag overrides.
func (o *RootOptions) loadConfig() (*odeon.FileConfig, error) {
	cfg := &odeon.FileConfig{}
	if o.ConfigPath != "" {
		var err error
		if cfg, err = odeon.LoadConfigFile(o.ConfigPath); err != nil {
			return nil, err
		}
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if cfg.Database == "" {
		cfg.Database = "file:odeon.db"
	}
	return cfg, nil
}

// writeResult prints v as indented JSON, or text() in text format.
func (o *RootOptions) writeResult(w io.Writer, v any, text func(w io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
