package controller

import (
	"errors"
	"net/http"

	"exam_session_engine/internal/engine"
	"exam_session_engine/internal/util"

	"github.com/gin-gonic/gin"
)

var (
	badRequestErrors = []error{
		engine.ErrEmptyAnswer,
		engine.ErrEmptyRecording,
		engine.ErrUnknownOption,
		engine.ErrWrongModality,
		util.ErrInvalidAudio,
		util.ErrRecordingTooLarge,
	}
	notFoundErrors = []error{
		util.ErrAttemptNotFound,
		util.ErrExamNotFound,
		engine.ErrUnknownQuestion,
		engine.ErrQuestionNotInitialized,
	}
	conflictErrors = []error{
		engine.ErrAnswerRequired,
		engine.ErrPartIncomplete,
		engine.ErrPartBoundary,
		engine.ErrAtStart,
		engine.ErrNotAtPartEnd,
		engine.ErrNotActive,
		engine.ErrFinished,
		engine.ErrSessionClosed,
		engine.ErrAnswerFrozen,
		engine.ErrIllegalTransition,
		util.ErrSessionLocked,
		util.ErrLockLost,
		util.ErrAttemptEnded,
	}
)

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// errorStatus 领域错误到 HTTP 状态码
func errorStatus(err error) int {
	var gate *engine.GatingError
	switch {
	case errors.As(err, &gate):
		return http.StatusConflict
	case isAny(err, badRequestErrors):
		return http.StatusBadRequest
	case isAny(err, notFoundErrors):
		return http.StatusNotFound
	case errors.Is(err, util.ErrPermissionDenied):
		return http.StatusForbidden
	case isAny(err, conflictErrors):
		return http.StatusConflict
	case errors.Is(err, engine.ErrScorerTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrScorerFailed):
		return http.StatusBadGateway
	case errors.Is(err, engine.ErrPersistFailed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError 输出错误；会话存在时附带最新快照，客户端据此刷新界面
func respondError(ctx *gin.Context, err error, sess *engine.Session) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		util.LogInternalError(ctx, err)
		return
	}
	if sess != nil {
		util.ErrorWithData(ctx, status, err.Error(), sess.Snapshot())
		return
	}
	util.Error(ctx, status, err.Error())
}
