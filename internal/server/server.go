// Package server accepts TCP connections and runs one command session per
// connection (single mode) or a stream of commands per connection
// (persistent mode).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"cmdmanager/internal/cmdlog"
	"cmdmanager/internal/config"
	"cmdmanager/internal/session"
)

const maxAcceptDelay = time.Second

// Options configures the session server.
type Options struct {
	Addr               string
	Mode               string
	MaxCommandSize     int
	MaxOutputBytes     int
	CommandReadTimeout time.Duration
	PollInterval       time.Duration
	BackgroundGrace    time.Duration
	KillGrace          time.Duration
}

// OptionsFromSettings extracts server options from configuration.
func OptionsFromSettings(s config.Settings) Options {
	return Options{
		Addr:               s.ListenAddr,
		Mode:               s.Mode,
		MaxCommandSize:     s.MaxCommandSize,
		MaxOutputBytes:     s.MaxOutputBytes,
		CommandReadTimeout: s.CommandReadTimeout,
		PollInterval:       s.PollInterval,
		BackgroundGrace:    s.BackgroundGrace,
		KillGrace:          s.KillGrace,
	}
}

// Server runs command sessions for TCP clients.
type Server struct {
	opts     Options
	policies *config.PolicyStore
	runner   *session.Runner
	cmdlog   *cmdlog.Writer
	sessions *session.Manager
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a session server.
func New(opts Options, policies *config.PolicyStore, runner *session.Runner, writer *cmdlog.Writer, sessions *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:     opts,
		policies: policies,
		runner:   runner,
		cmdlog:   writer,
		sessions: sessions,
		logger:   logger,
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln and
// waits for every in-flight session to finish. Each connection is served on
// its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	s.logger.Info("session server listening", "addr", ln.Addr().String(), "mode", s.opts.Mode)

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			s.logger.Warn("accept failed, retrying", "err", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn serves one client connection and closes it. Cancelling ctx
// cancels the running session and closes the connection.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger := s.logger.With("remote", remoteAddr(conn))
	logger.Debug("connection accepted")

	if s.opts.Mode == config.ModePersistent {
		s.servePersistent(ctx, conn, logger)
	} else {
		s.serveSingle(ctx, conn, logger)
	}
	logger.Debug("connection closed")
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
