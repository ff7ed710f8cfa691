package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/session"
)

// SessionRepository implements session.SessionStore with PostgreSQL.
// UpdateStatus is a WHERE-guarded compare-and-swap so concurrent writers
// (multiple engine replicas, the supervisor) serialize through the database.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *session.Session) error {
	model := toSessionModel(s)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	var model SessionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, session.ErrNotFound)
		}
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return toSessionDomain(&model), nil
}

func (r *SessionRepository) List(ctx context.Context) ([]session.Session, error) {
	var models []SessionModel
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return toSessionSlice(models), nil
}

func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]session.Session, error) {
	var models []SessionModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status != ?", userID, string(session.StatusDestroyed)).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sessions for user %s: %w", userID, err)
	}
	return toSessionSlice(models), nil
}

func (r *SessionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to session.Status, unitRef *string, isActive *bool) (bool, error) {
	updates := map[string]any{
		"status":     string(to),
		"updated_at": time.Now().UTC(),
	}
	if unitRef != nil {
		updates["unit_ref"] = *unitRef
	}
	if isActive != nil {
		updates["is_active"] = *isActive
	}

	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("updating session %s status: %w", id, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	// Zero rows matched: either the session is missing or another writer
	// moved the status first. Distinguish for the caller.
	var n int64
	if err := r.db.WithContext(ctx).Model(&SessionModel{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("checking session %s: %w", id, err)
	}
	if n == 0 {
		return false, fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	return false, nil
}

func (r *SessionRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	// UpdateColumn skips GORM's automatic updated_at bump: activity must not
	// look like a state change to the supervisor's stuck detector.
	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ?", id).
		UpdateColumn("last_activity", at)
	if result.Error != nil {
		return fmt.Errorf("touching session %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	return nil
}

func (r *SessionRepository) DestroyCascade(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model SessionModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("session %s: %w", id, session.ErrNotFound)
			}
			return fmt.Errorf("loading session %s: %w", id, err)
		}

		if err := tx.Model(&SessionModel{}).Where("id = ?", id).Updates(map[string]any{
			"status":     string(session.StatusDestroyed),
			"unit_ref":   "",
			"is_active":  false,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
			return fmt.Errorf("tombstoning session %s: %w", id, err)
		}

		for _, child := range []any{
			&SessionFileModel{},
			&TerminalRecordModel{},
			&SnapshotModel{},
			&ShareModel{},
		} {
			if err := tx.Where("session_id = ?", id).Delete(child).Error; err != nil {
				return fmt.Errorf("cascading delete for session %s: %w", id, err)
			}
		}
		return nil
	})
}

func (r *SessionRepository) ListIdleRunning(ctx context.Context, cutoff time.Time) ([]session.Session, error) {
	return r.listWhere(ctx, "status = ? AND last_activity < ?", string(session.StatusRunning), cutoff)
}

func (r *SessionRepository) ListAbandoned(ctx context.Context, cutoff time.Time) ([]session.Session, error) {
	return r.listWhere(ctx, "status IN ? AND last_activity < ?",
		[]string{string(session.StatusStopped), string(session.StatusRunning)}, cutoff)
}

func (r *SessionRepository) ListStuck(ctx context.Context, cutoff time.Time) ([]session.Session, error) {
	return r.listWhere(ctx, "status IN ? AND updated_at < ?",
		[]string{string(session.StatusStarting), string(session.StatusStopping)}, cutoff)
}

func (r *SessionRepository) ListCleanupBefore(ctx context.Context, cutoff time.Time) ([]session.Session, error) {
	return r.listWhere(ctx, "status = ? AND updated_at < ?", string(session.StatusCleanup), cutoff)
}

func (r *SessionRepository) CountByStatus(ctx context.Context) (map[session.Status]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting sessions by status: %w", err)
	}
	counts := make(map[session.Status]int64, len(rows))
	for _, row := range rows {
		counts[session.Status(row.Status)] = row.Count
	}
	return counts, nil
}

func (r *SessionRepository) listWhere(ctx context.Context, cond string, args ...any) ([]session.Session, error) {
	var models []SessionModel
	if err := r.db.WithContext(ctx).
		Where(cond, args...).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return toSessionSlice(models), nil
}

func toSessionSlice(models []SessionModel) []session.Session {
	if len(models) == 0 {
		return nil
	}
	out := make([]session.Session, len(models))
	for i := range models {
		out[i] = *toSessionDomain(&models[i])
	}
	return out
}

// Compile-time check.
var _ session.SessionStore = (*SessionRepository)(nil)
