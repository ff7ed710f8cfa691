package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/session"
)

// SnapshotRepository implements session.SnapshotStore with PostgreSQL.
type SnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a SnapshotRepository.
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

func (r *SnapshotRepository) Create(ctx context.Context, snap *session.Snapshot) error {
	model := toSnapshotModel(snap)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating snapshot %s: %w", snap.Name, err)
	}
	return nil
}

func (r *SnapshotRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]session.Snapshot, error) {
	var models []SnapshotModel
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing snapshots for session %s: %w", sessionID, err)
	}
	if len(models) == 0 {
		return nil, nil
	}
	snaps := make([]session.Snapshot, len(models))
	for i := range models {
		snaps[i] = *toSnapshotDomain(&models[i])
	}
	return snaps, nil
}

// Compile-time check.
var _ session.SnapshotStore = (*SnapshotRepository)(nil)
