package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/hgarg1/gemini-nexus-sub001/internal/chats"
	"github.com/hgarg1/gemini-nexus-sub001/internal/versioning"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationStripOwnerProviderPrefix = "2026-09-14_strip_owner_provider_prefix"
	migrationPruneOrphanedSnapshots   = "2026-10-02_prune_orphaned_state_snapshots"

	legacyOwnerPrefix = "nexus:"
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
		{name: migrationStripOwnerProviderPrefix, apply: stripOwnerProviderPrefix},
		{name: migrationPruneOrphanedSnapshots, apply: pruneOrphanedSnapshots},
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
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// stripOwnerProviderPrefix rewrites provider-qualified owner and author ids to the canonical
// bare subject that identity resolution now returns.
func stripOwnerProviderPrefix(db *gorm.DB) error {
	start := len(legacyOwnerPrefix) + 1
	pattern := legacyOwnerPrefix + "%"
	if err := db.Model(&chats.Chat{}).
		Where("owner_id LIKE ?", pattern).
		Update("owner_id", gorm.Expr("substr(owner_id, ?)", start)).Error; err != nil {
		return err
	}
	if err := db.Model(&versioning.Checkpoint{}).
		Where("created_by_id LIKE ?", pattern).
		Update("created_by_id", gorm.Expr("substr(created_by_id, ?)", start)).Error; err != nil {
		return err
	}
	return db.Model(&versioning.MergeRequest{}).
		Where("created_by_id LIKE ?", pattern).
		Update("created_by_id", gorm.Expr("substr(created_by_id, ?)", start)).Error
}

// pruneOrphanedSnapshots drops cached states whose checkpoint row no longer exists.
func pruneOrphanedSnapshots(db *gorm.DB) error {
	checkpointIDs := db.Model(&versioning.Checkpoint{}).Select("checkpoint_id")
	return db.Where("checkpoint_id NOT IN (?)", checkpointIDs).Delete(&versioning.StateSnapshot{}).Error
}
