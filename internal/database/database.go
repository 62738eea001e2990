package database

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-guard/internal/database/migrations"
	"github.com/ksred/klear-guard/internal/types"
)

// NewDatabase opens the sqlite database at path and brings the schema up to date
func NewDatabase(path string) (*gorm.DB, error) {
	return open(path, logger.Warn)
}

// NewInMemory opens a private in-memory database. Each call gets its own
// schema, which keeps tests isolated from each other.
func NewInMemory() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	return open(dsn, logger.Silent)
}

func open(dsn string, level logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}

	// sqlite allows a single writer; serialising on one connection avoids
	// SQLITE_BUSY under the emergency fan-out
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	// Auto-migrate schemas
	err = db.AutoMigrate(
		&types.Order{},
		&types.IdempotencyRecord{},
		&types.Position{},
		&types.Account{},
		&types.Strategy{},
		&types.RiskParameters{},
		&types.RiskAlert{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddOrderIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddRiskAlertIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
