package session

import (
	"time"

	"cmdmanager/internal/protocol"

	"github.com/google/uuid"
)

// State is the relay state of a session.
type State string

const (
	StateCreating     State = "creating"
	StateRunning      State = "running"
	StateClientClosed State = "client_closed"
	StateChildExited  State = "child_exited"
	StateTimedOut     State = "timed_out"
	StateCancelled    State = "cancelled"
	StateAborted      State = "aborted"
	StateRejected     State = "rejected"
	StateDetached     State = "detached"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s != StateCreating && s != StateRunning
}

// Session is the per-connection state of one command. It is owned by the
// worker serving the connection and never shared. Timeout is fixed at
// creation.
type Session struct {
	ID         string
	RemoteAddr string
	Command    protocol.Command
	Timeout    time.Duration
	StartedAt  time.Time
	Output     *OutputBuffer
	TimedOut   bool
	State      State
	PID        int
}

// New creates a session for cmd, classifying its timeout with policy.
func New(remoteAddr string, cmd protocol.Command, policy protocol.Policy, maxOutput int) *Session {
	return &Session{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
		Command:    cmd,
		Timeout:    policy.Classify(cmd),
		StartedAt:  time.Now(),
		Output:     NewOutputBuffer(maxOutput),
		State:      StateCreating,
	}
}

// Info returns the externally visible metadata of the session.
func (s *Session) Info() Info {
	return Info{
		ID:         s.ID,
		RemoteAddr: s.RemoteAddr,
		Command:    s.Command.Raw,
		Background: s.Command.Background,
		Timeout:    s.Timeout,
		State:      s.State,
		PID:        s.PID,
		StartedAt:  s.StartedAt.UTC(),
	}
}

// Info is a snapshot of session metadata, safe to share across goroutines.
type Info struct {
	ID         string        `json:"id"`
	RemoteAddr string        `json:"remoteAddr"`
	Command    string        `json:"command"`
	Background bool          `json:"background"`
	Timeout    time.Duration `json:"timeout"`
	State      State         `json:"state"`
	PID        int           `json:"pid,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
}

// Summary describes a finished session.
type Summary struct {
	Info
	EndedAt     time.Time `json:"endedAt"`
	TimedOut    bool      `json:"timedOut"`
	OutputBytes int       `json:"outputBytes"`
	Error       string    `json:"error,omitempty"`
}
