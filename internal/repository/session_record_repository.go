package repository

import (
	"context"
	"errors"
	"time"

	"exam_session_engine/internal/model"
	"exam_session_engine/internal/sessionstore"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRecordRepository 以 MySQL 表 session_records 实现 sessionstore.Store
type SessionRecordRepository struct {
	DB *gorm.DB
}

func NewSessionRecordRepository(db *gorm.DB) *SessionRecordRepository {
	return &SessionRecordRepository{DB: db}
}

func (r *SessionRecordRepository) Name() string { return "mysql" }

func (r *SessionRecordRepository) Save(ctx context.Context, scope sessionstore.Scope, payload []byte) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	rec := model.SessionRecord{
		ScopeKey:   scope.Key(),
		AttemptID:  scope.AttemptID,
		QuestionID: scope.QuestionID,
		Payload:    payload,
		UpdatedAt:  time.Now(),
	}
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&rec).Error
}

func (r *SessionRecordRepository) Load(ctx context.Context, scope sessionstore.Scope) ([]byte, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var rec model.SessionRecord
	err := r.DB.WithContext(ctx).Where("scope_key = ?", scope.Key()).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, sessionstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Payload, nil
}

func (r *SessionRecordRepository) LoadAttempt(ctx context.Context, attemptID string) ([]sessionstore.Entry, error) {
	var recs []model.SessionRecord
	if err := r.DB.WithContext(ctx).Where("attempt_id = ?", attemptID).Order("scope_key ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]sessionstore.Entry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, sessionstore.Entry{
			Scope:     sessionstore.Scope{AttemptID: rec.AttemptID, QuestionID: rec.QuestionID},
			Payload:   rec.Payload,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	return out, nil
}

func (r *SessionRecordRepository) Clear(ctx context.Context, attemptID string) error {
	return r.DB.WithContext(ctx).Where("attempt_id = ?", attemptID).Delete(&model.SessionRecord{}).Error
}
