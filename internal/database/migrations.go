package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const migrationBackfillOwnerPolicies = "2026-09-01_backfill_collab_owner_policies"

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
		{name: migrationBackfillOwnerPolicies, apply: backfillOwnerPolicies},
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
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillOwnerPolicies grants FullAccess to collab owners that lost their policy row.
func backfillOwnerPolicies(db *gorm.DB) error {
	var records []collab.CollabRecord
	if err := db.Select("object_id", "owner_uid").
		Where("owner_uid > 0").
		Where("NOT EXISTS (SELECT 1 FROM af_collab_member m WHERE m.object_id = af_collab.object_id AND m.uid = af_collab.owner_uid)").
		Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		policy := collab.AccessPolicy{
			UID:         record.OwnerUID,
			ObjectID:    record.ObjectID,
			AccessLevel: int(collab.AccessLevelFullAccess),
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&policy).Error; err != nil {
			return err
		}
	}
	return nil
}
