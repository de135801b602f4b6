package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository persists the relay journal. The journal is observational: relay
// correctness depends only on the ledger, so journal write failures are
// logged by callers and never fail a relay.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&JournalEntry{})
}

func (r *Repository) Record(ctx context.Context, entry *JournalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *Repository) Recent(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []JournalEntry
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *Repository) ForStudy(ctx context.Context, uid string, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []JournalEntry
	err := r.db.WithContext(ctx).
		Where("study_instance_uid = ?", uid).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
