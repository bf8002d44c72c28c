package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"cmdmanager/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(raw string) *Session {
	return New("127.0.0.1:5000", protocol.ParseCommand(raw), protocol.DefaultPolicy(), 1024)
}

func TestNewManager(t *testing.T) {
	mgr := NewManager(10, 10, testLogger())
	if mgr == nil {
		t.Fatal("expected non-nil manager")
	}
}

func TestManager_BeginAndGet(t *testing.T) {
	mgr := NewManager(10, 10, testLogger())
	s := newTestSession("ls -l")

	if _, err := mgr.Begin(context.Background(), s); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	info, err := mgr.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.Command != "ls -l" {
		t.Errorf("expected command 'ls -l', got %q", info.Command)
	}
	if info.Timeout != protocol.DefaultExecutionTimeout {
		t.Errorf("expected timeout %s, got %s", protocol.DefaultExecutionTimeout, info.Timeout)
	}
	if info.State != StateCreating {
		t.Errorf("expected state creating, got %s", info.State)
	}
}

func TestManager_MaxSessionsLimit(t *testing.T) {
	mgr := NewManager(1, 10, testLogger())
	if _, err := mgr.Begin(context.Background(), newTestSession("ls")); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	_, err := mgr.Begin(context.Background(), newTestSession("ls"))
	if !errors.Is(err, ErrMaxSessions) {
		t.Fatalf("expected ErrMaxSessions, got %v", err)
	}
}

func TestManager_UnlimitedSessions(t *testing.T) {
	mgr := NewManager(0, 10, testLogger())
	for i := 0; i < 5; i++ {
		if _, err := mgr.Begin(context.Background(), newTestSession("ls")); err != nil {
			t.Fatalf("Begin %d: %v", i, err)
		}
	}
	if mgr.Active() != 5 {
		t.Errorf("expected 5 active sessions, got %d", mgr.Active())
	}
}

func TestManager_GetNotFound(t *testing.T) {
	mgr := NewManager(10, 10, testLogger())
	_, err := mgr.Get("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_ListEmpty(t *testing.T) {
	mgr := NewManager(10, 10, testLogger())
	sessions := mgr.List()
	if len(sessions) != 0 {
		t.Errorf("expected empty list, got %d sessions", len(sessions))
	}
}

func TestManager_ListOrdered(t *testing.T) {
	mgr := NewManager(10, 10, testLogger())
	first := newTestSession("first")
	second := newTestSession("second")
	second.StartedAt = first.StartedAt.Add(time.Second)

	mgr.Begin(context.Background(), second)
	mgr.Begin(context.Background(), first)

	list := mgr.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if list[0].Command != "first" || list[1].Command != "second" {
		t.Errorf("unexpected order: %q, %q", list[0].Command, list[1].Command)
	}
}

func TestManager_Update(t *testing.T) {
	mgr := NewManager(10, 10, testLogger())
	s := newTestSession("sleep 1")
	mgr.Begin(context.Background(), s)

	s.State = StateRunning
	s.PID = 4242
	mgr.Update(s)

	info, _ := mgr.Get(s.ID)
	if info.State != StateRunning || info.PID != 4242 {
		t.Errorf("expected running/4242, got %s/%d", info.State, info.PID)
	}
}

func TestManager_KillNotFound(t *testing.T) {
	mgr := NewManager(10, 10, testLogger())
	err := mgr.Kill("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_KillCancelsContext(t *testing.T) {
	mgr := NewManager(10, 10, testLogger())
	s := newTestSession("sleep 30")
	ctx, err := mgr.Begin(context.Background(), s)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := mgr.Kill(s.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("session context not cancelled")
	}
}

func TestManager_FinishRecordsHistory(t *testing.T) {
	mgr := NewManager(10, 2, testLogger())
	for _, cmd := range []string{"one", "two", "three"} {
		s := newTestSession(cmd)
		mgr.Begin(context.Background(), s)
		s.Output.WriteString("out")
		s.State = StateChildExited
		mgr.Finish(s, nil)
	}

	if mgr.Active() != 0 {
		t.Errorf("expected no active sessions, got %d", mgr.Active())
	}

	history := mgr.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Command != "two" || history[1].Command != "three" {
		t.Errorf("unexpected history: %q, %q", history[0].Command, history[1].Command)
	}
	if history[1].OutputBytes != 3 {
		t.Errorf("expected 3 output bytes, got %d", history[1].OutputBytes)
	}
	if history[1].State != StateChildExited {
		t.Errorf("expected state child_exited, got %s", history[1].State)
	}
}

func TestManager_FinishRecordsError(t *testing.T) {
	mgr := NewManager(10, 10, testLogger())
	s := newTestSession("sleep 30")
	mgr.Begin(context.Background(), s)
	s.State = StateTimedOut
	s.TimedOut = true

	sum := mgr.Finish(s, ErrTimeoutExceeded)
	if !sum.TimedOut {
		t.Error("expected TimedOut in summary")
	}
	if sum.Error != ErrTimeoutExceeded.Error() {
		t.Errorf("expected error %q, got %q", ErrTimeoutExceeded, sum.Error)
	}
}

func TestManager_Shutdown(t *testing.T) {
	mgr := NewManager(10, 10, testLogger())
	var ctxs []context.Context
	for i := 0; i < 3; i++ {
		ctx, err := mgr.Begin(context.Background(), newTestSession("sleep 30"))
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		ctxs = append(ctxs, ctx)
	}

	mgr.Shutdown()

	for i, ctx := range ctxs {
		if ctx.Err() == nil {
			t.Errorf("session %d context not cancelled", i)
		}
	}
}
