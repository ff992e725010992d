package repository

import (
	"context"
	"time"

	"exam_session_engine/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AttemptRepository 作答记录与逐题得分。
// 调用方的 context 用于限定写入时长（评分结果写入有独立超时）。
type AttemptRepository struct {
	DB *gorm.DB
}

func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{DB: db}
}

func (r *AttemptRepository) Create(ctx context.Context, attempt *model.ExamAttempt) error {
	return r.DB.WithContext(ctx).Create(attempt).Error
}

func (r *AttemptRepository) FindByID(ctx context.Context, id string) (*model.ExamAttempt, error) {
	var a model.ExamAttempt
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// FindOpen 用户在该考试上未结束的作答
func (r *AttemptRepository) FindOpen(ctx context.Context, userID string, examID uint) (*model.ExamAttempt, error) {
	var a model.ExamAttempt
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND exam_id = ? AND status = ?", userID, examID, model.AttemptStatusInProgress).
		Order("start_time DESC").First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AttemptRepository) UpdateProgress(ctx context.Context, id string, index int) error {
	return r.DB.WithContext(ctx).Model(&model.ExamAttempt{}).
		Where("id = ? AND status = ?", id, model.AttemptStatusInProgress).
		Update("current_question_index", index).Error
}

func (r *AttemptRepository) End(ctx context.Context, id string, total decimal.Decimal, end time.Time) error {
	return r.DB.WithContext(ctx).Model(&model.ExamAttempt{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      model.AttemptStatusCompleted,
		"total_score": total,
		"end_time":    end,
	}).Error
}

func (r *AttemptRepository) MarkAbandoned(ctx context.Context, id string, end time.Time) error {
	return r.DB.WithContext(ctx).Model(&model.ExamAttempt{}).
		Where("id = ? AND status = ?", id, model.AttemptStatusInProgress).
		Updates(map[string]interface{}{
			"status":   model.AttemptStatusAbandoned,
			"end_time": end,
		}).Error
}

// UpsertAnswer 同一题重复评分时覆盖旧结果
func (r *AttemptRepository) UpsertAnswer(ctx context.Context, ans *model.AttemptAnswer) error {
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "attempt_id"}, {Name: "question_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"answer", "score", "is_correct", "feedback", "audio_url", "scored_at", "updated_at",
		}),
	}).Create(ans).Error
}

func (r *AttemptRepository) ListAnswers(ctx context.Context, attemptID string) ([]model.AttemptAnswer, error) {
	var answers []model.AttemptAnswer
	err := r.DB.WithContext(ctx).Where("attempt_id = ?", attemptID).Order("id ASC").Find(&answers).Error
	return answers, err
}

func (r *AttemptRepository) CountQuestions(ctx context.Context, examID uint) (int64, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&model.ExamQuestion{}).
		Joins("JOIN exam_parts ON exam_parts.id = exam_questions.part_id").
		Where("exam_parts.exam_id = ? AND exam_parts.deleted_at IS NULL AND exam_questions.deleted_at IS NULL", examID).
		Count(&count).Error
	return count, err
}
