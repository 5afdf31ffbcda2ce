package commands

import (
	"database/sql"
	"os"

	"github.com/rubato-io/rubato/config"
	"github.com/rubato-io/rubato/db"
	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/logger"
)

// ConfigPath is set by the root --config flag. When non-empty (or when
// RUBATO_CONFIG is set) that one file replaces the usual merge chain.
var ConfigPath string

// loadConfig loads configuration, honoring --config and RUBATO_CONFIG.
func loadConfig() (*config.Config, error) {
	path := ConfigPath
	if path == "" {
		path = os.Getenv("RUBATO_CONFIG")
	}
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// openDatabase opens and migrates the database at the given path. If
// dbPath is empty the configured path is used.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		dbPath = cfg.Database.Path
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
