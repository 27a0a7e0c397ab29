package migration

import (
	"fmt"

	"github.com/BaSui01/agentgov/config"
)

// NewMigratorFromConfig creates a migrator for the configured database.
func NewMigratorFromConfig(cfg *config.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database)
}

// NewMigratorFromDatabaseConfig creates a migrator from database settings.
// For sqlite the Name field is the database file path.
func NewMigratorFromDatabaseConfig(db config.DatabaseConfig) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(db.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	var url string
	switch dbType {
	case DatabaseTypePostgres:
		url = BuildDatabaseURL(dbType, db.Host, db.Port, db.Name, db.User, db.Password, db.SSLMode)
	case DatabaseTypeMySQL:
		url = BuildDatabaseURL(dbType, db.Host, db.Port, db.Name, db.User, db.Password, "")
	case DatabaseTypeSQLite:
		url = BuildDatabaseURL(dbType, "", 0, db.Name, "", "", "")
	}

	return NewMigrator(&Config{DatabaseType: dbType, DatabaseURL: url})
}

// NewMigratorFromURL creates a migrator from a raw database URL.
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{DatabaseType: dt, DatabaseURL: dbURL})
}
