package gorm

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations applies the schema using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: the core tables the pipeline reads and writes.
		{
			ID: "001_claims_tables",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Author{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&Claim{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&Record{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("authors", "claims", "records")
			},
		},

		// Migration 002: audit trail and checkpoint storage.
		{
			ID: "002_audit_and_checkpoints",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&ChangeLog{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&KeyValue{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("change_log", "storage")
			},
		},

		// Migration 003: composite index for the history replays, which
		// always filter one ORCID iD by creation time.
		{
			ID: "003_claims_orcid_created",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(
					"CREATE INDEX IF NOT EXISTS idx_claims_orcid_created ON claims(orcidid, created_at)",
				).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_claims_orcid_created").Error
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
