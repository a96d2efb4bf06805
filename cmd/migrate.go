package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmehdipour/subsync/internal/config"
	"github.com/jmehdipour/subsync/internal/db"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var migrateDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations (dev: recreates the service tables)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		if err := runScript(ctx, sqlDB, filepath.Join(migrateDir, "001_init.sql")); err != nil {
			return err
		}
		fmt.Println(">> MySQL migration complete")

		if !cfg.History.Enabled {
			return nil
		}
		chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
			DSN:             cfg.ClickHouse.DSN,
			MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
			PingTimeout:     cfg.ClickHouse.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer chDB.Close()

		if err := runScript(ctx, chDB, filepath.Join(migrateDir, "clickhouse", "001_history.sql")); err != nil {
			return err
		}
		fmt.Println(">> ClickHouse migration complete")
		return nil
	},
}

func runScript(ctx context.Context, conn *sqlx.DB, path string) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration file %s: %w", path, err)
	}
	if err := db.ExecScript(ctx, conn, string(script)); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDir, "dir", "migrations", "directory holding the migration scripts")
}
