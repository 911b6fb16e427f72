package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/config"
	"github.com/technosupport/ts-utm/internal/logging"
)

var (
	migrationsDir string
	migrateSteps  int
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Apply or roll back database migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log, err := logging.New(cfg.Env)
		if err != nil {
			return err
		}
		defer log.Sync()

		db, err := sql.Open("postgres", cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}

		driver, err := postgres.WithInstance(db, &postgres.Config{})
		if err != nil {
			return fmt.Errorf("migrate driver: %w", err)
		}
		m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
		if err != nil {
			return fmt.Errorf("init migrate: %w", err)
		}

		start := time.Now()
		switch args[0] {
		case "up":
			err = runSteps(m, migrateSteps, m.Up)
		case "down":
			err = runSteps(m, -migrateSteps, m.Down)
		case "version":
			version, dirty, verr := m.Version()
			if errors.Is(verr, migrate.ErrNilVersion) {
				log.Info("no migrations applied")
				return nil
			}
			if verr != nil {
				return verr
			}
			log.Info("current migration version", zap.Uint("version", version), zap.Bool("dirty", dirty))
			return nil
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate %s: %w", args[0], err)
		}
		log.Info("migration finished", zap.String("direction", args[0]), zap.Duration("took", time.Since(start)))
		return nil
	},
}

// runSteps applies n steps when n is non-zero, else everything via all.
func runSteps(m *migrate.Migrate, n int, all func() error) error {
	if n != 0 {
		return m.Steps(n)
	}
	return all()
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "db/migrations", "migrations directory")
	migrateCmd.Flags().IntVar(&migrateSteps, "steps", 0, "number of migrations to apply; 0 means all")
}
