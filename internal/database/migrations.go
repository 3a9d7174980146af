package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/forum"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillAnswerEditCount = "2026-09-01_backfill_answer_edit_count"
	migrationDefaultNotificationMeta = "2026-09-10_default_notification_meta"
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

func migrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillAnswerEditCount, apply: backfillAnswerEditCount},
		{name: migrationDefaultNotificationMeta, apply: defaultNotificationMeta},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations() {
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

// backfillAnswerEditCount marks answers imported with an original_content
// snapshot as already edited, so the single-edit rule holds for them too.
func backfillAnswerEditCount(db *gorm.DB) error {
	return db.Model(&forum.Answer{}).
		Where("original_content IS NOT NULL AND edit_count = 0").
		Update("edit_count", 1).Error
}

func defaultNotificationMeta(db *gorm.DB) error {
	return db.Model(&forum.Notification{}).
		Where("meta IS NULL").
		Update("meta", "{}").Error
}
