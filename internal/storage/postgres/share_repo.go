package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/session"
)

// ShareRepository implements session.ShareStore with PostgreSQL.
type ShareRepository struct {
	db *gorm.DB
}

// NewShareRepository creates a ShareRepository.
func NewShareRepository(db *gorm.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

func (r *ShareRepository) Create(ctx context.Context, sh *session.Share) error {
	if sh.Token != "" {
		var n int64
		if err := r.db.WithContext(ctx).
			Model(&ShareModel{}).
			Where("token = ?", sh.Token).
			Count(&n).Error; err != nil {
			return fmt.Errorf("checking share token: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("share token already in use")
		}
	}
	model := toShareModel(sh)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating share: %w", err)
	}
	return nil
}

func (r *ShareRepository) Get(ctx context.Context, id uuid.UUID) (*session.Share, error) {
	var model ShareModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("share %s: %w", id, session.ErrNotFound)
		}
		return nil, fmt.Errorf("getting share %s: %w", id, err)
	}
	return toShareDomain(&model), nil
}

func (r *ShareRepository) GetByToken(ctx context.Context, token string) (*session.Share, error) {
	// Grantee shares carry an empty token; never let "" match one.
	if token == "" {
		return nil, fmt.Errorf("share token: %w", session.ErrNotFound)
	}
	var model ShareModel
	if err := r.db.WithContext(ctx).First(&model, "token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("share token: %w", session.ErrNotFound)
		}
		return nil, fmt.Errorf("getting share by token: %w", err)
	}
	return toShareDomain(&model), nil
}

func (r *ShareRepository) GetByGrantee(ctx context.Context, sessionID uuid.UUID, granteeID string) (*session.Share, error) {
	var model ShareModel
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND grantee_id = ? AND is_active = ?", sessionID, granteeID, true).
		Order("created_at DESC").
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("share for grantee %s on session %s: %w", granteeID, sessionID, session.ErrNotFound)
		}
		return nil, fmt.Errorf("getting share for grantee %s: %w", granteeID, err)
	}
	return toShareDomain(&model), nil
}

func (r *ShareRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]session.Share, error) {
	var models []ShareModel
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing shares for session %s: %w", sessionID, err)
	}
	if len(models) == 0 {
		return nil, nil
	}
	shares := make([]session.Share, len(models))
	for i := range models {
		shares[i] = *toShareDomain(&models[i])
	}
	return shares, nil
}

func (r *ShareRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&ShareModel{}).
		Where("id = ?", id).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("revoking share %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("share %s: %w", id, session.ErrNotFound)
	}
	return nil
}

// Compile-time check.
var _ session.ShareStore = (*ShareRepository)(nil)
