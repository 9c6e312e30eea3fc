package main

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/clover/pkg/database"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var (
		version uint
		force   int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, flush, err := opts.setup()
			if err != nil {
				return err
			}
			defer flush()

			migration := cfg.Migration()
			if cmd.Flags().Changed("version") {
				migration.Version = version
			}
			if cmd.Flags().Changed("force") {
				migration.Force = force
			}

			sqlDB, err := database.Connect(cmd.Context(), cfg.Database(), logger)
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			return runMigrations(sqlDB, cfg, migration, logger)
		},
	}

	cmd.Flags().UintVar(&version, "version", 0, "target schema version; 0 migrates to the latest")
	cmd.Flags().IntVar(&force, "force", 0, "mark the schema as this version before migrating, clearing a dirty state")
	return cmd
}
