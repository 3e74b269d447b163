package database

import (
	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/models"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Connect opens the write connection and the read-replica connection and
// runs migrations on the write side. Without a read-only DSN both handles
// share the primary.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, *gorm.DB, error) {
	db, err := open(cfg, cfg.DSN)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connecting to primary database")
	}

	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "running migrations")
	}

	readOnlyDB := db
	if cfg.ReadOnlyDSN != "" {
		readOnlyDB, err = open(cfg, cfg.ReadOnlyDSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connecting to read replica")
		}
	}

	return db, readOnlyDB, nil
}

func open(cfg config.DatabaseConfig, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}
