package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Manager tracks in-flight sessions for the admin surface and keeps a
// history of finished ones. It holds metadata only: the session's output
// buffer and process stay with the worker serving the connection.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*managedSession
	maxSessions int
	history     *Ring[Summary]
	logger      *slog.Logger
}

type managedSession struct {
	info   Info
	cancel context.CancelFunc
}

// NewManager creates a session registry. maxSessions <= 0 disables the
// concurrency limit.
func NewManager(maxSessions, maxHistory int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:    make(map[string]*managedSession),
		maxSessions: maxSessions,
		history:     NewRing[Summary](maxHistory),
		logger:      logger,
	}
}

// Begin registers s and returns a context that Kill and Shutdown cancel.
// The caller must call Finish exactly once when the session ends.
func (m *Manager) Begin(ctx context.Context, s *Session) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.maxSessions)
	}

	sctx, cancel := context.WithCancel(ctx)
	m.sessions[s.ID] = &managedSession{info: s.Info(), cancel: cancel}
	return sctx, nil
}

// Update refreshes the registry's snapshot of s.
func (m *Manager) Update(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ms, ok := m.sessions[s.ID]; ok {
		ms.info = s.Info()
	}
}

// Finish removes s from the registry and records its summary. err is the
// error that ended the session, if any.
func (m *Manager) Finish(s *Session, err error) Summary {
	sum := Summary{
		Info:        s.Info(),
		EndedAt:     time.Now().UTC(),
		TimedOut:    s.TimedOut,
		OutputBytes: s.Output.Len(),
	}
	if err != nil {
		sum.Error = err.Error()
	}

	m.mu.Lock()
	if ms, ok := m.sessions[s.ID]; ok {
		ms.cancel()
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()

	m.history.Add(sum)
	return sum
}

// Get returns the metadata of an in-flight session.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ms.info, nil
}

// List returns all in-flight sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	result := make([]Info, 0, len(m.sessions))
	for _, ms := range m.sessions {
		result = append(result, ms.info)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// Active returns the number of in-flight sessions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// History returns the most recent finished sessions, oldest first.
func (m *Manager) History() []Summary {
	return m.history.Items()
}

// Kill cancels a session. Its worker terminates the process group and
// finishes the session.
func (m *Manager) Kill(id string) error {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.logger.Info("killing session", "session", id, "command", ms.info.Command)
	ms.cancel()
	return nil
}

// Shutdown cancels every in-flight session.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(m.sessions))
	for _, ms := range m.sessions {
		cancels = append(cancels, ms.cancel)
	}
	m.mu.RUnlock()

	if len(cancels) > 0 {
		m.logger.Info("cancelling sessions", "count", len(cancels))
	}
	for _, cancel := range cancels {
		cancel()
	}
}
