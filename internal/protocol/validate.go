package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	DefaultExecutionTimeout = 10 * time.Second
	LongExecutionTimeout    = 300 * time.Second

	// DefaultDenyChars are the shell metacharacters rejected in commands.
	DefaultDenyChars = ";`"
)

// ErrValidationRejected is returned when a command contains a denied
// shell metacharacter.
var ErrValidationRejected = errors.New("command rejected")

// DefaultInteractivePrograms run with the long execution timeout.
var DefaultInteractivePrograms = []string{"vim", "vi", "nano", "cat", "less", "more", "man", "top", "htop"}

// Policy is the command admission and timeout policy. A Policy value is
// immutable once published; sessions take a copy at dispatch.
type Policy struct {
	DenyChars           string
	InteractivePrograms []string
	DefaultTimeout      time.Duration
	LongTimeout         time.Duration
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		DenyChars:           DefaultDenyChars,
		InteractivePrograms: append([]string(nil), DefaultInteractivePrograms...),
		DefaultTimeout:      DefaultExecutionTimeout,
		LongTimeout:         LongExecutionTimeout,
	}
}

// Command is a client command line after framing is removed.
type Command struct {
	// Raw is the command exactly as received, without the line terminator.
	Raw string
	// Text is the command handed to the shell. For background commands the
	// trailing '&' has been stripped.
	Text       string
	Background bool
}

// ParseCommand strips the line terminator and detects a background request:
// a trailing '&' that is neither escaped nor part of "&&".
func ParseCommand(raw string) Command {
	if i := strings.IndexAny(raw, "\r\n"); i >= 0 {
		raw = raw[:i]
	}
	cmd := Command{Raw: raw, Text: raw}

	trimmed := strings.TrimRight(raw, " \t")
	n := len(trimmed)
	if n == 0 || trimmed[n-1] != '&' {
		return cmd
	}
	if n > 1 && (trimmed[n-2] == '&' || trimmed[n-2] == '\\') {
		return cmd
	}
	cmd.Text = strings.TrimRight(trimmed[:n-1], " \t")
	cmd.Background = true
	return cmd
}

// Validate rejects commands containing any character of the deny-set.
func (p Policy) Validate(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", ErrValidationRejected)
	}
	if i := strings.IndexAny(command, p.DenyChars); i >= 0 {
		return fmt.Errorf("%w: contains %q", ErrValidationRejected, command[i])
	}
	return nil
}

// Classify returns the execution timeout for a command. Background jobs and
// commands whose program is in the interactive list get the long timeout.
func (p Policy) Classify(cmd Command) time.Duration {
	if cmd.Background || p.IsInteractive(cmd.Text) {
		return p.LongTimeout
	}
	return p.DefaultTimeout
}

// IsInteractive reports whether the program name of command (the first
// word, without directory) is in the interactive list.
func (p Policy) IsInteractive(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	program := path.Base(fields[0])
	for _, name := range p.InteractivePrograms {
		if program == name {
			return true
		}
	}
	return false
}

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionStart: true,
}

// ValidateClientMessage validates a raw JSON control message from a
// WebSocket client. Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeSessionStart:
		var p SessionStartPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Command == "" {
			return nil, fmt.Errorf("missing required field 'command' in %s payload", msg.Type)
		}
		if strings.ContainsAny(p.Command, "\r\n") {
			return nil, fmt.Errorf("field 'command' in %s payload must be a single line", msg.Type)
		}
	}

	return &msg, nil
}
