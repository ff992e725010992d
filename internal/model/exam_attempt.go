package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	AttemptStatusInProgress = "in_progress"
	AttemptStatusCompleted  = "completed"
	AttemptStatusAbandoned  = "abandoned"
)

// swagger:model ExamAttempt
type ExamAttempt struct {
	UUIDBase

	ExamID               uint            `gorm:"index;type:bigint unsigned" json:"examId"`
	UserID               string          `gorm:"size:64;index" json:"userId"`
	Status               string          `gorm:"size:20;index;default:'in_progress'" json:"status"`
	StartTime            time.Time       `json:"startTime"`
	EndTime              *time.Time      `json:"endTime,omitempty"`
	TotalScore           decimal.Decimal `gorm:"type:decimal(10,2);default:0" json:"totalScore"`
	CurrentQuestionIndex int             `gorm:"default:0" json:"currentQuestionIndex"`
}

func (ExamAttempt) TableName() string {
	return "exam_attempts"
}

// AttemptAnswer 每题一条，重复评分时覆盖
type AttemptAnswer struct {
	BaseModel

	AttemptID  string          `gorm:"size:36;uniqueIndex:idx_attempt_question" json:"attemptId"`
	QuestionID uint            `gorm:"uniqueIndex:idx_attempt_question;type:bigint unsigned" json:"questionId"`
	PartID     uint            `gorm:"index;type:bigint unsigned" json:"partId"`
	Skill      string          `gorm:"size:20" json:"skill"`
	Answer     datatypes.JSON  `gorm:"type:json" json:"answer"`
	Score      decimal.Decimal `gorm:"type:decimal(10,2);default:0" json:"score"`
	IsCorrect  *bool           `json:"isCorrect,omitempty"`
	Feedback   datatypes.JSON  `gorm:"type:json" json:"feedback"`
	AudioURL   string          `gorm:"size:512" json:"audioUrl"`
	ScoredAt   time.Time       `json:"scoredAt"`
}

func (AttemptAnswer) TableName() string {
	return "attempt_answers"
}
