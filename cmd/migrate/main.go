package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	_ "github.com/lib/pq"

	"PerpSettle/internal/config"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/persistence"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and whether they are applied")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PERP_POSTGRES_DSN    - Postgres connection string")
	fmt.Println("  PERP_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
	fmt.Println("  PERP_CONFIG_FILE     - optional TOML file overriding the above")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tAPPLIED\tFILE")
		for _, s := range statuses {
			fmt.Fprintf(tw, "%s\t%t\t%s\n", s.Version, s.Applied, s.Filename)
		}
		tw.Flush()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
