package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply every pending schema migration to the configured database.

serve migrates on start as well; this command is for running migrations
ahead of a rollout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			version, dirty, err := store.MigrationVersion()
			if err != nil {
				return fmt.Errorf("failed to read migration version: %w", err)
			}
			log.Info().
				Str("dialect", string(cfg.Database.Dialect)).
				Uint("version", version).
				Bool("dirty", dirty).
				Msg("Database is up to date")
			return nil
		},
	}
}
