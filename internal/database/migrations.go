package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/railwatch/railwatch/internal/store"
)

const migrationRepairRunningFlagAgreement = "2026-08-20_repair_running_flag_agreement"

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
		{name: migrationRepairRunningFlagAgreement, apply: repairRunningFlagAgreement},
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

// repairRunningFlagAgreement restores the is_running ⟺ active-status
// invariant for rows written by workers that predate the agreement rule.
func repairRunningFlagAgreement(db *gorm.DB) error {
	if err := db.Model(&store.Task{}).
		Where("is_running = ? AND status NOT IN ?", true,
			[]store.TaskStatus{store.TaskStatusPending, store.TaskStatusRunning}).
		Update("is_running", false).Error; err != nil {
		return err
	}
	return db.Model(&store.Task{}).
		Where("is_running = ? AND status IN ?", false,
			[]store.TaskStatus{store.TaskStatusPending, store.TaskStatusRunning}).
		Update("status", store.TaskStatusStopped).Error
}
