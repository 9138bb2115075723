package main

import (
	"database/sql"
	"fmt"
	"os"

	"TroveLedger/internal/config"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/persistence"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	logger := observability.NewLogger("migrate")

	var (
		envFile string
		db      *sql.DB
		cfg     config.Config
	)

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply or roll back TroveLedger schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			var err error
			if cfg, err = config.FromEnv(); err != nil {
				return err
			}
			if db, err = sql.Open("postgres", cfg.PostgresURL); err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			return db.PingContext(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if db != nil {
				db.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")

	migrator := func() *persistence.Migrator {
		return persistence.NewMigrator(db, cfg.MigrationsDir, logger)
	}

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := migrator().Up(cmd.Context()); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			logger.Info().Msg("all migrations applied")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last applied migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := migrator().Down(cmd.Context()); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			logger.Info().Msg("last migration rolled back")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether each is applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := migrator().Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			for _, s := range status {
				state := "pending"
				if s.Applied {
					state = "applied"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", state, s.File)
			}
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		logger.WithLevel(zerolog.FatalLevel).Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}
