package service

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"exam_session_engine/internal/config"
	"exam_session_engine/internal/engine"
	"exam_session_engine/internal/util"
	"exam_session_engine/pkg/logger"

	"go.uber.org/zap"
)

// RecordingService 服务端的录音设备：接收上传、校验、探测时长并存储
type RecordingService struct {
	storage  *StorageService
	maxBytes int64
	probe    func(data []byte, ext string) (*util.AudioInfo, error)
}

func NewRecordingService(storage *StorageService, cfg config.SessionConfig) *RecordingService {
	maxBytes := cfg.MaxRecordingMB << 20
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	return &RecordingService{storage: storage, maxBytes: maxBytes, probe: util.ProbeAudioBytes}
}

// Accept 读取上传内容。空文件原样返回，由引擎判定为空录音
func (s *RecordingService) Accept(ctx context.Context, attemptID, questionID, filename string, r io.Reader) (*engine.AudioClip, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxBytes {
		return nil, util.ErrRecordingTooLarge
	}
	if len(data) == 0 {
		return &engine.AudioClip{}, nil
	}

	contentType, err := util.ValidateMimeType(bytes.NewReader(data), util.AllowedAudioMimeTypes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidAudio, err)
	}

	ext := util.AudioExt(filename)
	clip := &engine.AudioClip{
		Data:        data,
		Size:        int64(len(data)),
		ContentType: contentType,
	}
	if info, err := s.probe(data, ext); err != nil {
		logger.Log.Warn("failed to probe recording",
			zap.String("attemptId", attemptID),
			zap.String("questionId", questionID),
			zap.Error(err))
	} else {
		clip.DurationSeconds = info.Duration
	}

	url, err := s.storage.UploadRecording(ctx, attemptID, questionID, data, contentType, ext)
	if err != nil {
		return nil, fmt.Errorf("store recording: %w", err)
	}
	clip.URL = url
	return clip, nil
}
