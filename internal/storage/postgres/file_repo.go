package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/sanduku/internal/session"
)

// FileRepository implements session.FileStore with PostgreSQL.
type FileRepository struct {
	db *gorm.DB
}

// NewFileRepository creates a FileRepository.
func NewFileRepository(db *gorm.DB) *FileRepository {
	return &FileRepository{db: db}
}

// Upsert inserts or updates the record keyed by (session_id, path).
// On conflict the existing row keeps its id and created_at.
func (r *FileRepository) Upsert(ctx context.Context, f *session.SessionFile) error {
	model := toFileModel(f)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "session_id"},
				{Name: "path"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "file_type", "size", "content_preview", "language", "updated_at",
			}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("upserting file %s: %w", f.Path, err)
	}
	return nil
}

func (r *FileRepository) Get(ctx context.Context, sessionID uuid.UUID, path string) (*session.SessionFile, error) {
	var model SessionFileModel
	if err := r.db.WithContext(ctx).
		First(&model, "session_id = ? AND path = ?", sessionID, path).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("file %s in session %s: %w", path, sessionID, session.ErrNotFound)
		}
		return nil, fmt.Errorf("getting file %s: %w", path, err)
	}
	return toFileDomain(&model), nil
}

func (r *FileRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]session.SessionFile, error) {
	var models []SessionFileModel
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("path ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing files for session %s: %w", sessionID, err)
	}
	if len(models) == 0 {
		return nil, nil
	}
	files := make([]session.SessionFile, len(models))
	for i := range models {
		files[i] = *toFileDomain(&models[i])
	}
	return files, nil
}

func (r *FileRepository) Delete(ctx context.Context, sessionID uuid.UUID, path string) error {
	result := r.db.WithContext(ctx).
		Where("session_id = ? AND path = ?", sessionID, path).
		Delete(&SessionFileModel{})
	if result.Error != nil {
		return fmt.Errorf("deleting file %s: %w", path, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("file %s in session %s: %w", path, sessionID, session.ErrNotFound)
	}
	return nil
}

func (r *FileRepository) Stats(ctx context.Context, sessionID uuid.UUID) (int64, int64, error) {
	var row struct {
		Count int64
		Total int64
	}
	if err := r.db.WithContext(ctx).
		Model(&SessionFileModel{}).
		Select("count(*) as count, coalesce(sum(size), 0) as total").
		Where("session_id = ?", sessionID).
		Scan(&row).Error; err != nil {
		return 0, 0, fmt.Errorf("computing file stats for session %s: %w", sessionID, err)
	}
	return row.Count, row.Total, nil
}

// Compile-time check.
var _ session.FileStore = (*FileRepository)(nil)
