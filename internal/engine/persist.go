package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"exam_session_engine/internal/sessionstore"
	"exam_session_engine/pkg/monitoring"
)

// questionRecord 单题的持久化内容
type questionRecord struct {
	QuestionID   string       `json:"questionId"`
	Lifecycle    Lifecycle    `json:"lifecycle"`
	RawAnswer    *RawAnswer   `json:"rawAnswer,omitempty"`
	Submitted    bool         `json:"submitted"`
	ScoreResult  *ScoreResult `json:"scoreResult,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// attemptRecord 整场考试的进度
type attemptRecord struct {
	Attempt              AttemptInfo `json:"attempt"`
	Position             Position    `json:"position"`
	CurrentQuestionIndex int         `json:"currentQuestionIndex"`
	TimerToken           string      `json:"timerToken,omitempty"`
	TimerRemaining       int         `json:"timerRemaining"`
	TimerPaused          bool        `json:"timerPaused"`
	TotalScore           float64     `json:"totalScore"`
	SavedAt              time.Time   `json:"savedAt"`
}

func recordFromState(st QuestionState) questionRecord {
	return questionRecord{
		QuestionID:   st.QuestionID,
		Lifecycle:    st.Lifecycle,
		RawAnswer:    st.RawAnswer,
		Submitted:    st.Submitted,
		ScoreResult:  st.ScoreResult,
		ErrorMessage: st.ErrorMessage,
		UpdatedAt:    st.UpdatedAt,
	}
}

// RebuildState 由持久化记录推导内存状态：
// 已提交且有结果为 scored；有答案为 ready；其余为 not_started。
// submitted/scoring 等中间态不会被恢复，进行中的评分随进程结束而失效。
func (r questionRecord) RebuildState() QuestionState {
	st := QuestionState{
		QuestionID: r.QuestionID,
		RawAnswer:  r.RawAnswer.clone(),
		UpdatedAt:  r.UpdatedAt,
		Lifecycle:  LifecycleNotStarted,
	}
	switch {
	case r.Submitted && r.ScoreResult != nil:
		st.Lifecycle = LifecycleScored
		st.Submitted = true
		st.ScoreResult = r.ScoreResult.clone()
	case !r.RawAnswer.IsEmpty():
		st.Lifecycle = LifecycleReady
		st.ErrorMessage = r.ErrorMessage
	case r.Lifecycle == LifecycleInProgress:
		st.Lifecycle = LifecycleInProgress
	}
	return st
}

// recordStore 带指标的存储封装
type recordStore struct {
	store     sessionstore.Store
	attemptID string
}

func (s recordStore) write(ctx context.Context, scope sessionstore.Scope, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = s.store.Save(ctx, scope, b)
	result := "ok"
	if err != nil {
		result = "error"
	}
	monitoring.StoreWriteCounter.WithLabelValues(s.store.Name(), result).Inc()
	return err
}

func (s recordStore) saveQuestion(ctx context.Context, rec questionRecord) error {
	return s.write(ctx, sessionstore.QuestionScope(s.attemptID, rec.QuestionID), rec)
}

func (s recordStore) saveAttempt(ctx context.Context, rec attemptRecord) error {
	return s.write(ctx, sessionstore.AttemptScope(s.attemptID), rec)
}

// loadAll 读出该 attempt 的全部记录，无法解析的记录跳过
func (s recordStore) loadAll(ctx context.Context) (*attemptRecord, []questionRecord, error) {
	entries, err := s.store.LoadAttempt(ctx, s.attemptID)
	if err != nil {
		return nil, nil, err
	}
	var (
		attempt   *attemptRecord
		questions []questionRecord
		bad       []string
	)
	for _, e := range entries {
		if e.Scope.IsAttempt() {
			var rec attemptRecord
			if err := json.Unmarshal(e.Payload, &rec); err != nil {
				bad = append(bad, e.Scope.Key())
				continue
			}
			attempt = &rec
			continue
		}
		var rec questionRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			bad = append(bad, e.Scope.Key())
			continue
		}
		if rec.QuestionID == "" {
			rec.QuestionID = e.Scope.QuestionID
		}
		questions = append(questions, rec)
	}
	if len(bad) > 0 {
		return attempt, questions, &CorruptRecordsError{Keys: bad}
	}
	return attempt, questions, nil
}

type CorruptRecordsError struct {
	Keys []string
}

func (e *CorruptRecordsError) Error() string {
	return fmt.Sprintf("skipped %d unreadable session records", len(e.Keys))
}
