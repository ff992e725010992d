package util

import "errors"

var (
	ErrExamNotFound      = errors.New("exam not found")
	ErrAttemptNotFound   = errors.New("attempt not found")
	ErrAttemptEnded      = errors.New("attempt already ended")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrSessionLocked     = errors.New("attempt is open in another client")
	ErrLockLost          = errors.New("client lock expired or taken over")
	ErrRecordingTooLarge = errors.New("recording exceeds size limit")
	ErrInvalidAudio      = errors.New("invalid audio file")
)
