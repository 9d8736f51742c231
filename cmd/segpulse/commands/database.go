package commands

import (
	"database/sql"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/db"
	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

// loadConfig loads and validates configuration
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// openDatabase opens and migrates the database at dbPath, falling back to
// database.path from config.
func openDatabase(cfg *am.Config, dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		dbPath = cfg.Database.Path
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}
