// Package database persists providers, telemetry, users and accounting history with gorm.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a keyed lookup has no row
var ErrNotFound = errors.New("record not found")

const sqlitePrefix = "sqlite://"

// Open connects to PostgreSQL, or to SQLite when dsn starts with sqlite://
func Open(dsn string, logLevel logger.LogLevel) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(dsn, sqlitePrefix); ok {
		dialector = sqlite.Open(path)
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info().Str("dialect", db.Dialector.Name()).Msg("Database connection established")
	return db, nil
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	log.Info().Msg("Running database migrations...")

	err := db.AutoMigrate(
		&Provider{},
		&ProviderHistory{},
		&Telemetry{},
		&TelemetryHistory{},
		&User{},
		&UserAlertSettings{},
		&UserSubscription{},
		&UserActiveAlert{},
		&RestartCheck{},
		&Wallet{},
		&WalletHistory{},
		&TrafficHistory{},
		&StorageHistory{},
		&MonthlyReportRun{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Msg("Database migrations completed successfully")
	return nil
}

// Store is the key-based persistence used by jobs and the alert manager
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open connection
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection
func (s *Store) DB() *gorm.DB {
	return s.db
}

// WithTx runs fn in a transaction. Any error rolls the whole unit back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
