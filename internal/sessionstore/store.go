// Package sessionstore 提供按考试作答 (attempt) 隔离的持久化键值存储，
// 刷新、离开页面或进程崩溃后据此重建会话状态。
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("session record not found")
	ErrInvalidScope = errors.New("invalid session scope")
)

// Scope 由 (attemptId) 或 (attemptId, questionId) 确定性派生
type Scope struct {
	AttemptID  string
	QuestionID string
}

func AttemptScope(attemptID string) Scope {
	return Scope{AttemptID: attemptID}
}

func QuestionScope(attemptID, questionID string) Scope {
	return Scope{AttemptID: attemptID, QuestionID: questionID}
}

func (s Scope) IsAttempt() bool { return s.QuestionID == "" }

func (s Scope) Validate() error {
	if s.AttemptID == "" || strings.Contains(s.AttemptID, ":") || strings.Contains(s.QuestionID, ":") {
		return fmt.Errorf("%w: %q/%q", ErrInvalidScope, s.AttemptID, s.QuestionID)
	}
	return nil
}

// Key 形如 attempt:<id> 或 attempt:<id>:question:<qid>
func (s Scope) Key() string {
	if s.IsAttempt() {
		return "attempt:" + s.AttemptID
	}
	return "attempt:" + s.AttemptID + ":question:" + s.QuestionID
}

// Field 是 scope 在 attempt 内部的短名，用于 redis hash 字段
func (s Scope) Field() string {
	if s.IsAttempt() {
		return "attempt"
	}
	return "question:" + s.QuestionID
}

func (s Scope) String() string { return s.Key() }

func ParseKey(key string) (Scope, error) {
	parts := strings.Split(key, ":")
	switch {
	case len(parts) == 2 && parts[0] == "attempt" && parts[1] != "":
		return AttemptScope(parts[1]), nil
	case len(parts) == 4 && parts[0] == "attempt" && parts[2] == "question" && parts[1] != "" && parts[3] != "":
		return QuestionScope(parts[1], parts[3]), nil
	}
	return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, key)
}

func scopeFromField(attemptID, field string) (Scope, error) {
	if field == "attempt" {
		return AttemptScope(attemptID), nil
	}
	if qid, ok := strings.CutPrefix(field, "question:"); ok && qid != "" {
		return QuestionScope(attemptID, qid), nil
	}
	return Scope{}, fmt.Errorf("%w: field %q", ErrInvalidScope, field)
}

type Entry struct {
	Scope     Scope
	Payload   []byte
	UpdatedAt time.Time
}

// Store 是会话引擎唯一的持久化入口。Payload 为调用方序列化好的 JSON。
type Store interface {
	Save(ctx context.Context, scope Scope, payload []byte) error
	Load(ctx context.Context, scope Scope) ([]byte, error)
	LoadAttempt(ctx context.Context, attemptID string) ([]Entry, error)
	Clear(ctx context.Context, attemptID string) error
	Name() string
}
