package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/session"
)

// TerminalRepository implements session.TerminalStore with PostgreSQL.
// The table is append-only; the supervisor prunes it past the retention cap.
type TerminalRepository struct {
	db *gorm.DB
}

// NewTerminalRepository creates a TerminalRepository.
func NewTerminalRepository(db *gorm.DB) *TerminalRepository {
	return &TerminalRepository{db: db}
}

func (r *TerminalRepository) Append(ctx context.Context, rec *session.TerminalRecord) error {
	model := toRecordModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending terminal record: %w", err)
	}
	return nil
}

func (r *TerminalRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]session.TerminalRecord, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("executed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []TerminalRecordModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing terminal records for session %s: %w", sessionID, err)
	}
	if len(models) == 0 {
		return nil, nil
	}
	recs := make([]session.TerminalRecord, len(models))
	for i := range models {
		recs[i] = *toRecordDomain(&models[i])
	}
	return recs, nil
}

func (r *TerminalRepository) CountBySession(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).
		Model(&TerminalRecordModel{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting terminal records for session %s: %w", sessionID, err)
	}
	return n, nil
}

func (r *TerminalRepository) SessionsOverCap(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).
		Model(&TerminalRecordModel{}).
		Group("session_id").
		Having("count(*) > ?", limit).
		Pluck("session_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("finding sessions over record cap: %w", err)
	}
	return ids, nil
}

// PruneBySession deletes everything but the keep most recent records.
func (r *TerminalRepository) PruneBySession(ctx context.Context, sessionID uuid.UUID, keep int) (int64, error) {
	q := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if keep > 0 {
		survivors := r.db.
			Model(&TerminalRecordModel{}).
			Select("id").
			Where("session_id = ?", sessionID).
			Order("executed_at DESC").
			Limit(keep)
		q = q.Where("id NOT IN (?)", survivors)
	}
	result := q.Delete(&TerminalRecordModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning terminal records for session %s: %w", sessionID, result.Error)
	}
	return result.RowsAffected, nil
}

// Compile-time check.
var _ session.TerminalStore = (*TerminalRepository)(nil)
