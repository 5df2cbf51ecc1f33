package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/requirements"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationStripProviderPrefix = "2026-09-21_strip_provider_prefix_from_authors"
	migrationBackfillRevisions   = "2026-10-02_backfill_insert_revisions"

	legacyProviderPrefix = "google:"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationStripProviderPrefix, apply: stripProviderPrefix},
		{name: migrationBackfillRevisions, apply: backfillInsertRevisions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// Authors were once recorded with the identity provider prefix.
func stripProviderPrefix(tx *gorm.DB) error {
	start := len(legacyProviderPrefix) + 1
	if err := tx.Model(&requirements.Row{}).
		Where("updated_by LIKE ?", legacyProviderPrefix+"%").
		Update("updated_by", gorm.Expr("substr(updated_by, ?)", start)).Error; err != nil {
		return err
	}
	return tx.Model(&requirements.RowRevision{}).
		Where("changed_by LIKE ?", legacyProviderPrefix+"%").
		Update("changed_by", gorm.Expr("substr(changed_by, ?)", start)).Error
}

// Rows imported before the revision trail existed get a synthetic insert revision.
func backfillInsertRevisions(tx *gorm.DB) error {
	var rows []requirements.Row
	err := tx.
		Where("NOT EXISTS (SELECT 1 FROM requirement_row_revisions r WHERE r.row_id = requirement_rows.row_id)").
		Find(&rows).Error
	if err != nil {
		return err
	}
	for _, row := range rows {
		revision := requirements.RowRevision{
			RevisionID:       uuid.NewString(),
			RowID:            row.RowID,
			BlockID:          row.BlockID,
			Version:          row.Version,
			Operation:        requirements.OperationInsert,
			Properties:       row.Properties,
			ChangedBy:        row.UpdatedBy,
			ChangedAtSeconds: row.CreatedAtSeconds,
		}
		if err := tx.Create(&revision).Error; err != nil {
			return err
		}
	}
	return nil
}
