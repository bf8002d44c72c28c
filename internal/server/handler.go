package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"cmdmanager/internal/cmdlog"
	"cmdmanager/internal/protocol"
	"cmdmanager/internal/session"
)

const (
	// clientWriteTimeout bounds protocol messages written outside a relay.
	clientWriteTimeout = 5 * time.Second
	// noticeWriteTimeout bounds the timeout notice, which follows a relay
	// that may have ended because the client stopped reading.
	noticeWriteTimeout = time.Second
)

// serveSingle reads one command with a single bounded read and runs it
// interactively. Bytes after the first newline are the subprocess's first
// input.
func (s *Server) serveSingle(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	if s.opts.CommandReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.opts.CommandReadTimeout))
	}
	buf := make([]byte, s.opts.MaxCommandSize-1)
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			logger.Debug("command read failed", "err", err)
		}
		return
	}
	conn.SetReadDeadline(time.Time{})

	line, rest := buf[:n], []byte(nil)
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line, rest = line[:i], line[i+1:]
	}
	s.runSession(ctx, conn, string(line), rest, true, logger)
}

// servePersistent reads newline-framed commands until the client leaves.
// Each command runs to completion and its output is returned in one piece.
func (s *Server) servePersistent(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, s.opts.MaxCommandSize), s.opts.MaxCommandSize)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := s.runSession(ctx, conn, line, nil, false, logger); err != nil {
			logger.Debug("client write failed", "err", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			writeClient(conn, []byte(protocol.MsgCommandTooLong), clientWriteTimeout)
		}
		logger.Debug("command read failed", "err", err)
	}
}

// runSession takes one command line through validation, spawn, relay or
// background supervision, and logging. interactive relays the client's
// input to the subprocess; otherwise the command runs to completion and its
// output is written afterwards. The returned error is a client write
// failure that should end the connection.
func (s *Server) runSession(ctx context.Context, conn net.Conn, raw string, initialInput []byte, interactive bool, logger *slog.Logger) error {
	policy := s.policies.Load()
	cmd := protocol.ParseCommand(raw)
	sess := session.New(remoteAddr(conn), cmd, policy, s.opts.MaxOutputBytes)
	logger = logger.With("session", sess.ID)

	sctx, err := s.sessions.Begin(ctx, sess)
	if err != nil {
		logger.Warn("session refused", "command", cmd.Raw, "err", err)
		return writeClient(conn, []byte(protocol.MsgServerBusy), clientWriteTimeout)
	}

	if err := policy.Validate(cmd.Raw); err != nil {
		logger.Warn("command rejected", "command", cmd.Raw, "err", err)
		sess.State = session.StateRejected
		sess.Timeout = 0
		sess.Output.WriteString(strings.TrimSuffix(protocol.MsgInvalidCommand, "\n"))
		werr := writeClient(conn, []byte(protocol.MsgInvalidCommand), clientWriteTimeout)
		s.record(sess, logger)
		s.sessions.Finish(sess, err)
		return werr
	}

	mode := session.Foreground
	failMsg := protocol.MsgSpawnFailed
	if cmd.Background {
		mode = session.Background
		failMsg = protocol.MsgBackgroundFailed
	}

	proc, err := s.runner.Spawn(cmd.Text, mode)
	if err != nil {
		logger.Error("spawn failed", "command", cmd.Raw, "err", err)
		sess.State = session.StateAborted
		sess.Output.WriteString(strings.TrimSuffix(failMsg, "\n"))
		werr := writeClient(conn, []byte(failMsg), clientWriteTimeout)
		s.record(sess, logger)
		s.sessions.Finish(sess, err)
		return werr
	}

	sess.PID = proc.PID()
	sess.State = session.StateRunning
	s.sessions.Update(sess)
	logger.Info("session started", "command", cmd.Raw, "pid", sess.PID, "mode", mode, "timeout", sess.Timeout)

	var (
		res  session.Result
		werr error
	)
	switch {
	case cmd.Background:
		conn.SetWriteDeadline(sess.StartedAt.Add(sess.Timeout + s.opts.BackgroundGrace + clientWriteTimeout))
		res = session.RunBackground(conn, proc, sess.Output, sess.StartedAt, sess.Timeout, s.opts.BackgroundGrace)
		go s.awaitDetached(proc, logger)
		if errors.Is(res.Err, session.ErrWrite) {
			werr = res.Err
		}

	case interactive:
		if len(initialInput) > 0 {
			if _, err := proc.Write(initialInput); err != nil {
				logger.Debug("initial input not delivered", "err", err)
			}
		}
		// Output the client has not taken by the time the group is killed
		// is dropped rather than holding the connection open.
		conn.SetWriteDeadline(sess.StartedAt.Add(sess.Timeout + s.opts.KillGrace))
		res = session.Relay(sctx, conn, proc, sess.Output, sess.StartedAt, s.relayOptions(sess.Timeout))
		if res.TimedOut {
			writeClient(conn, []byte(protocol.TimeoutNotice(sess.Timeout)), noticeWriteTimeout)
		}

	default:
		res = session.Relay(sctx, nil, proc, sess.Output, sess.StartedAt, s.relayOptions(sess.Timeout))
		out := sess.Output.Bytes()
		if len(out) == 0 || out[len(out)-1] != '\n' {
			sess.Output.WriteString("\n")
		}
		if err := writeClient(conn, sess.Output.Bytes(), sess.Timeout+clientWriteTimeout); err != nil {
			werr = fmt.Errorf("%w: client: %v", session.ErrWrite, err)
		}
	}

	sess.State = res.State
	sess.TimedOut = res.TimedOut
	s.record(sess, logger)
	sum := s.sessions.Finish(sess, res.Err)

	logger.Info("session finished",
		"state", sum.State,
		"timedOut", sum.TimedOut,
		"outputBytes", sum.OutputBytes,
		"duration", sum.EndedAt.Sub(sess.StartedAt).Round(time.Millisecond),
	)
	if res.Err != nil && !errors.Is(res.Err, session.ErrTimeoutExceeded) {
		logger.Debug("session error", "err", res.Err)
	}
	return werr
}

// record appends the session's outcome to the command log. Failures are
// logged and never end the session.
func (s *Server) record(sess *session.Session, logger *slog.Logger) {
	err := s.cmdlog.Log(cmdlog.Entry{
		Command:  sess.Command.Raw,
		Output:   sess.Output.Bytes(),
		Timeout:  sess.Timeout,
		TimedOut: sess.TimedOut,
	})
	if err != nil {
		logger.Error("command log write failed", "path", s.cmdlog.Path(), "err", err)
	}
}

func (s *Server) awaitDetached(proc *session.Process, logger *slog.Logger) {
	<-proc.Done()
	logger.Debug("background shell reaped", "pid", proc.PID(), "exitCode", proc.ExitCode())
}

// writeClient writes b to conn, giving up after within.
func writeClient(conn net.Conn, b []byte, within time.Duration) error {
	conn.SetWriteDeadline(time.Now().Add(within))
	_, err := conn.Write(b)
	return err
}

func (s *Server) relayOptions(timeout time.Duration) session.RelayOptions {
	return session.RelayOptions{
		Timeout:      timeout,
		PollInterval: s.opts.PollInterval,
		KillGrace:    s.opts.KillGrace,
	}
}
