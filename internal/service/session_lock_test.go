package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"exam_session_engine/internal/util"
)

func TestMemoryClientLock(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryClientLock(30 * time.Second)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if err := l.Acquire(ctx, "a1", "tab-1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(ctx, "a1", "tab-1"); err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}
	if err := l.Acquire(ctx, "a1", "tab-2"); !errors.Is(err, util.ErrSessionLocked) {
		t.Fatalf("second client acquire = %v", err)
	}
	if err := l.Refresh(ctx, "a1", "tab-2"); !errors.Is(err, util.ErrSessionLocked) {
		t.Fatalf("second client refresh = %v", err)
	}

	now = now.Add(20 * time.Second)
	if err := l.Refresh(ctx, "a1", "tab-1"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(20 * time.Second)
	if err := l.Acquire(ctx, "a1", "tab-2"); !errors.Is(err, util.ErrSessionLocked) {
		t.Fatal("heartbeat did not extend the hold")
	}

	// 心跳中断后可被接管
	now = now.Add(31 * time.Second)
	if err := l.Refresh(ctx, "a1", "tab-1"); !errors.Is(err, util.ErrLockLost) {
		t.Fatalf("refresh after expiry = %v", err)
	}
	if err := l.Acquire(ctx, "a1", "tab-2"); err != nil {
		t.Fatalf("takeover after expiry: %v", err)
	}

	l.Release(ctx, "a1", "tab-1")
	if err := l.Refresh(ctx, "a1", "tab-2"); err != nil {
		t.Fatalf("release by non-holder removed the lock: %v", err)
	}
	l.Release(ctx, "a1", "tab-2")
	if err := l.Acquire(ctx, "a1", "tab-3"); err != nil {
		t.Fatal(err)
	}
}
