package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/i2y/odeon"
)

// MigrateResult lists the migrations a run applied.
type MigrateResult struct {
	Applied []string `json:"applied"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema migrations",
		Long: `Apply the bundled schema migrations to the configured database.

Use this when the server runs with auto_migrate: false.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStorage(rootOpts)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			applied, err := odeon.Migrate(cmd.Context(), s)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			return rootOpts.writeResult(cmd.OutOrStdout(), MigrateResult{Applied: applied}, func(w io.Writer) {
				if len(applied) == 0 {
					fmt.Fprintln(w, "schema is up to date")
					return
				}
				for _, v := range applied {
					fmt.Fprintf(w, "applied %s\n", v)
				}
			})
		},
	}
}
