package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-broker/internal/database/migrations"
	"github.com/ksred/klear-broker/internal/ledger"
	"github.com/ksred/klear-broker/internal/orchestrator"
)

// NewDatabase opens the sqlite database at path and migrates it. Use
// "file:<name>?mode=memory&cache=shared" for an in-memory database.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// sqlite allows one writer; a single connection keeps transactions
	// from failing with SQLITE_BUSY.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrations.SeedBrokerTypes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := migrations.AddSinglePrimaryIndex(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	err = db.AutoMigrate(
		&ledger.Account{},
		&ledger.Reservation{},
		&ledger.Entry{},
		&orchestrator.TradeRecord{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
