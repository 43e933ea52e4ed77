package db

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	instance *gorm.DB
	once     sync.Once
	initErr  error
)

// Open opens (creating if needed) the sqlite database at path and migrates it.
func Open(path string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return openDSN(path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
}

func openDSN(dsn string) (*gorm.DB, error) {
	d, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// sqlite allows one writer; a single connection turns lock contention
	// into queueing. Claim atomicity comes from the conditional UPDATE.
	sqlDB, err := d.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Migrate creates or updates the schema.
func Migrate(d *gorm.DB) error {
	if err := d.AutoMigrate(&Consultation{}, &Candidate{}, &ChatMessage{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Init opens the process-wide database once.
func Init(path string) (*gorm.DB, error) {
	once.Do(func() {
		instance, initErr = Open(path)
	})
	return instance, initErr
}

// OpenMemory opens a private in-memory database, used by tests across packages.
func OpenMemory() (*gorm.DB, error) {
	return openDSN(":memory:")
}
