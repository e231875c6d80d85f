package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillAccountRelations = "2026-09-14_backfill_account_relations"
	migrationTrimAccountEmails        = "2026-09-21_trim_account_emails"
)

const emptyRelations = `{"following":[],"followers":[],"spaces":[]}`

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
		{name: migrationBackfillAccountRelations, apply: backfillAccountRelations},
		{name: migrationTrimAccountEmails, apply: trimAccountEmails},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Accounts imported before relations existed carry a NULL or empty column.
func backfillAccountRelations(db *gorm.DB) error {
	return db.Exec("UPDATE accounts SET relations = ? WHERE relations IS NULL OR relations = '' OR relations = 'null'", emptyRelations).Error
}

func trimAccountEmails(db *gorm.DB) error {
	return db.Exec("UPDATE accounts SET email = lower(trim(email)) WHERE email <> lower(trim(email))").Error
}
