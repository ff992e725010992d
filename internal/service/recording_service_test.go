package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"exam_session_engine/internal/config"
	"exam_session_engine/internal/util"
)

// 最小的 webm (EBML) 文件头，http.DetectContentType 识别为 video/webm
var webmHeader = []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42, 0x86, 0x81, 0x01, 0x42, 0xF7, 0x81, 0x01, 0x42, 0xF2, 0x81, 0x04, 0x42, 0xF3, 0x81, 0x08, 0x42, 0x82, 0x84, 'w', 'e', 'b', 'm'}

func newTestRecordingService(t *testing.T, maxMB int64) (*RecordingService, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{Storage: config.StorageConfig{Type: util.StorageLocal, LocalPath: dir}}
	svc := NewRecordingService(NewStorageService(cfg), config.SessionConfig{MaxRecordingMB: maxMB})
	svc.probe = func([]byte, string) (*util.AudioInfo, error) {
		return &util.AudioInfo{Duration: 14}, nil
	}
	return svc, dir
}

func TestRecordingServiceAccept(t *testing.T) {
	svc, dir := newTestRecordingService(t, 1)
	data := append(append([]byte{}, webmHeader...), make([]byte, 4096)...)

	clip, err := svc.Accept(context.Background(), "a1", "12", "answer.webm", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if clip.Size != int64(len(data)) || clip.DurationSeconds != 14 || clip.ContentType != util.MimeWebm {
		t.Fatalf("clip %+v", clip)
	}
	if !strings.HasPrefix(clip.URL, "/uploads/recordings/a1/12-") {
		t.Fatalf("url = %s", clip.URL)
	}
	stored := filepath.Join(dir, strings.TrimPrefix(clip.URL, "/uploads/"))
	if fi, err := os.Stat(stored); err != nil || fi.Size() != int64(len(data)) {
		t.Fatalf("stored file %v, %v", fi, err)
	}
}

func TestRecordingServiceRejects(t *testing.T) {
	svc, _ := newTestRecordingService(t, 1)
	ctx := context.Background()

	if _, err := svc.Accept(ctx, "a1", "12", "x.webm", bytes.NewReader(make([]byte, 2<<20))); !errors.Is(err, util.ErrRecordingTooLarge) {
		t.Fatalf("oversized err = %v", err)
	}
	if _, err := svc.Accept(ctx, "a1", "12", "x.webm", strings.NewReader("plain text, not audio")); !errors.Is(err, util.ErrInvalidAudio) {
		t.Fatalf("text upload err = %v", err)
	}
	clip, err := svc.Accept(ctx, "a1", "12", "x.webm", bytes.NewReader(nil))
	if err != nil || clip.Size != 0 || clip.URL != "" {
		t.Fatalf("empty upload = %+v, %v", clip, err)
	}
}
