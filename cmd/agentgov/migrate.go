package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/BaSui01/agentgov/config"
	"github.com/BaSui01/agentgov/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles the migrate command and returns the process exit code.
// Flags follow the subcommand and its positional argument:
//
//	agentgov migrate goto 3 --config config.yaml
func runMigrate(args []string) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage(os.Stdout)
		if len(args) == 0 {
			return 1
		}
		return 0
	}

	positional, flagArgs := splitMigrateArgs(args)

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(flagArgs); err != nil {
		return 1
	}

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()

	if err := migration.NewCLI(migrator).Run(context.Background(), positional); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		if errors.Is(err, migration.ErrUsage) {
			printMigrateUsage(os.Stderr)
		}
		return 1
	}
	return 0
}

// splitMigrateArgs separates the subcommand and its optional numeric
// argument from the flags that follow.
func splitMigrateArgs(args []string) (positional, flags []string) {
	for i, a := range args {
		if len(a) > 1 && a[0] == '-' && (a[1] < '0' || a[1] > '9') {
			return args[:i], args[i:]
		}
	}
	return args, nil
}

// createMigrator builds a migrator from an explicit URL or the loaded config.
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL)
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  agentgov migrate <subcommand> [arg] [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration
  down-all    Rollback all migrations
  steps <n>   Apply (n>0) or roll back (n<0) n migrations
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  version     Show current migration version
  status      Show migration status
  info        Show migration summary

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)`)
}
