// Package postgres provides the durable GORM-backed implementation of the
// record store.
package postgres

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/RemedyScan/go-core/remedy/postgres/models"
)

var db *gorm.DB

// Init opens the database connection and migrates the schema. It must be
// called once before GetDB.
func Init(dsn string) error {
	var err error
	db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return err
	}
	return nil
}

// Migrate applies the schema for all record collections.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.VulnerabilityRecord{},
		&models.PatchCandidate{},
		&models.DeploymentRecord{},
		&models.AuditEntry{},
	)
	if err != nil {
		return fmt.Errorf("migrating database schema: %w", err)
	}
	return nil
}

// GetDB returns the shared database handle. Init must have succeeded first.
func GetDB() *gorm.DB {
	return db
}
