package session

import "errors"

var (
	// ErrSpawnFailed means the PTY or the child process could not be created.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrRead is a read failure on the client or the PTY.
	ErrRead = errors.New("read failed")
	// ErrWrite is a write failure on the client or the PTY.
	ErrWrite = errors.New("write failed")
	// ErrAllocationFailed means the output accumulator hit its size limit.
	ErrAllocationFailed = errors.New("output buffer allocation failed")
	// ErrTimeoutExceeded marks a session that ran past its execution timeout.
	ErrTimeoutExceeded = errors.New("execution timeout exceeded")
	// ErrMaxSessions is returned when the registry is full.
	ErrMaxSessions = errors.New("maximum session limit reached")
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("session not found")
)
