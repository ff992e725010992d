package model

import (
	"time"

	"gorm.io/datatypes"
)

// SessionRecord 会话存储的 MySQL 实现
type SessionRecord struct {
	ScopeKey   string         `gorm:"primaryKey;size:191" json:"scopeKey"`
	AttemptID  string         `gorm:"size:64;index" json:"attemptId"`
	QuestionID string         `gorm:"size:64" json:"questionId"`
	Payload    datatypes.JSON `gorm:"type:json" json:"payload"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func (SessionRecord) TableName() string {
	return "session_records"
}
