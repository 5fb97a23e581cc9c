package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"seatgate/internal/config"
)

// Connect opens a GORM database connection using the configured
// PostgreSQL URL and migrates the core tables.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.URL)
	if dsn == "" {
		return nil, errors.New("database url is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("database url must be a postgres:// or postgresql:// URL")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&License{},
		&Instance{},
		&ValidationLog{},
		&Connection{},
		&ConnectionEvent{},
		&SeatAggregate{},
		&Credential{},
	); err != nil {
		return nil, err
	}

	return db, nil
}

// Ping verifies database connectivity, used by the health endpoint.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
