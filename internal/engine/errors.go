package engine

import (
	"errors"
	"fmt"
)

var (
	ErrQuestionNotInitialized = errors.New("question state not initialized")
	ErrIllegalTransition      = errors.New("illegal lifecycle transition")
	ErrAnswerFrozen           = errors.New("answer is frozen while scoring")

	// 采集错误：提交前拒绝
	ErrEmptyAnswer     = errors.New("answer is empty")
	ErrEmptyRecording  = errors.New("recording is empty")
	ErrUnknownOption   = errors.New("option does not belong to question")
	ErrWrongModality   = errors.New("operation does not match question modality")
	ErrUnknownQuestion = errors.New("question does not belong to attempt")

	ErrScorerTimeout = errors.New("scorer timed out")
	ErrScorerFailed  = errors.New("scorer failed")
	ErrPersistFailed = errors.New("failed to persist score result")

	ErrAnswerRequired = errors.New("select an answer before continuing")
	ErrPartIncomplete = errors.New("part has unanswered questions")
	ErrPartBoundary   = errors.New("cannot return to a previous part")
	ErrAtStart        = errors.New("already at the first question")
	ErrNotAtPartEnd   = errors.New("current part is not finished")
	ErrNotActive      = errors.New("question is not the active question")
	ErrFinished       = errors.New("attempt already finished")
	ErrSessionClosed  = errors.New("session closed")
)

// GatingError 导航被门控规则拒绝
type GatingError struct {
	Err        error
	Unanswered int
}

func (e *GatingError) Error() string {
	if e.Unanswered > 0 {
		return fmt.Sprintf("%s (%d remaining)", e.Err.Error(), e.Unanswered)
	}
	return e.Err.Error()
}

func (e *GatingError) Unwrap() error { return e.Err }

func gating(err error, unanswered int) error {
	return &GatingError{Err: err, Unanswered: unanswered}
}
