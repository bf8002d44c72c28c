package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Fixed diagnostic lines written to TCP clients.
const (
	MsgInvalidCommand   = "Error: Invalid command\n"
	MsgSpawnFailed      = "Failed to start command\n"
	MsgBackgroundFailed = "Failed to start background command\n"
	MsgServerBusy       = "Error: Server busy\n"
	MsgCommandTooLong   = "Error: Command too long\n"
	backgroundNoticeFmt = "[1] %d (output redirected to %s)\n"
	timeoutNoticeFmt    = "\r\n[command exceeded %s execution timeout]\r\n"
)

// BackgroundNotice is the line announcing a detached job to the client.
func BackgroundNotice(pid int, logPath string) string {
	return fmt.Sprintf(backgroundNoticeFmt, pid, logPath)
}

// TimeoutNotice is appended to the client stream when a foreground command
// is terminated for exceeding its execution timeout.
func TimeoutNotice(timeout time.Duration) string {
	return fmt.Sprintf(timeoutNoticeFmt, timeout)
}

// Message is the envelope for all WebSocket control messages. Terminal
// bytes travel in binary frames and never use the envelope.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionStarted = "session.started"
	TypeSessionClosed  = "session.closed"
	TypeError          = "error"
)

// Client → Server message types.
const (
	TypeSessionStart = "session.start"
)

// Error codes.
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrInvalidCommand = "INVALID_COMMAND"
)

type SessionStartPayload struct {
	Command string `json:"command"`
}

type SessionStartedPayload struct {
	Command string `json:"command"`
}

type SessionClosedPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
