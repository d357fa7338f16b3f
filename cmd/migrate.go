/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/quillblog/apiserver/config"
	"github.com/quillblog/apiserver/internal/db"
	"github.com/spf13/cobra"
)

var (
	migrationsDir string
	downSteps     int
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all up migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		migrator, err := newMigrator()
		if err != nil {
			return err
		}
		defer func() {
			_, _ = migrator.Close()
		}()

		if err := migrator.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				return nil
			}
			return fmt.Errorf("migrate up failed: %w", err)
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	Long: `Roll back the given number of migrations. With --steps 0 every
migration is rolled back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if downSteps < 0 {
			return errors.New("--steps must not be negative")
		}
		migrator, err := newMigrator()
		if err != nil {
			return err
		}
		defer func() {
			_, _ = migrator.Close()
		}()

		if downSteps == 0 {
			err = migrator.Down()
		} else {
			err = migrator.Steps(-downSteps)
		}
		if err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				return nil
			}
			return fmt.Errorf("migrate down failed: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)

	migrateCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "internal/db/migrations", "Directory holding the migration files")
	migrateDownCmd.Flags().IntVar(&downSteps, "steps", 1, "Number of migrations to roll back, 0 for all")
}

func newMigrator() (*migrate.Migrate, error) {
	cfg := config.LoadConfig()

	migrator, err := migrate.New("file://"+migrationsDir, db.DSN(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("init migrator failed: %w", err)
	}
	return migrator, nil
}
