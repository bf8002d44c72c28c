// Package realtime serves the HTTP admin API and a WebSocket gateway that
// runs command sessions for browser clients.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"cmdmanager/internal/cmdlog"
	"cmdmanager/internal/protocol"
	"cmdmanager/internal/session"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pipeChunkSize = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// ConnServer runs sessions over a byte stream.
type ConnServer interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// Server exposes session state over HTTP and bridges WebSocket clients to
// the session server.
type Server struct {
	sessions *session.Manager
	conns    ConnServer
	cmdlog   *cmdlog.Writer
	logger   *slog.Logger
}

// New creates a realtime server. writer may be nil, which disables the log
// endpoint.
func New(sessions *session.Manager, conns ConnServer, writer *cmdlog.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: sessions,
		conns:    conns,
		cmdlog:   writer,
		logger:   logger,
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleKillSession)
	})
	r.Get("/history", s.handleHistory)
	r.Get("/log", s.handleLog)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket runs one session for a WebSocket client. The first frame
// carries the command, either as plain text or as a session.start message.
// Later frames are keystrokes; subprocess output is sent as binary frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "err", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	_, first, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("websocket closed before command", "err", err)
		return
	}

	command, code, err := parseStart(first)
	if err != nil {
		sendMessage(conn, mustErrorMessage(code, err.Error()))
		return
	}
	started, _ := protocol.NewMessage(protocol.TypeSessionStarted, protocol.SessionStartedPayload{Command: command})
	if err := sendMessage(conn, started); err != nil {
		return
	}

	local, remote := net.Pipe()
	b := &bridge{ws: conn, pipe: local, logger: s.logger}

	writerDone := make(chan struct{})
	go func() {
		b.writePump()
		close(writerDone)
	}()
	go b.readPump(command)

	s.conns.ServeConn(r.Context(), remote)
	<-writerDone
}

// parseStart extracts the command from the first client frame.
func parseStart(data []byte) (command, code string, err error) {
	var typed struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &typed) != nil || typed.Type == "" {
		return string(data), "", nil
	}

	msg, err := protocol.ValidateClientMessage(data)
	if err != nil {
		return "", protocol.ErrInvalidMessage, err
	}
	var payload protocol.SessionStartPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return "", protocol.ErrInvalidMessage, err
	}
	return payload.Command, "", nil
}

// bridge copies bytes between a WebSocket connection and one end of an
// in-memory pipe whose other end is served as a session connection.
type bridge struct {
	ws     *websocket.Conn
	pipe   net.Conn
	logger *slog.Logger
}

// readPump forwards the command line and then every client frame into the
// pipe. A read failure closes the pipe, which the session sees as the
// client going away.
func (b *bridge) readPump(command string) {
	defer b.pipe.Close()

	if _, err := io.WriteString(b.pipe, command+"\n"); err != nil {
		return
	}

	b.ws.SetReadDeadline(time.Now().Add(readDeadline))
	b.ws.SetPongHandler(func(string) error {
		b.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := b.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("websocket read error", "err", err)
			}
			return
		}
		b.ws.SetReadDeadline(time.Now().Add(readDeadline))
		if _, err := b.pipe.Write(data); err != nil {
			return
		}
	}
}

// writePump is the only writer on the WebSocket. It sends subprocess output
// as binary frames and pings the client until the session closes its end of
// the pipe.
func (b *bridge) writePump() {
	output := make(chan []byte)
	go func() {
		defer close(output)
		for {
			buf := make([]byte, pipeChunkSize)
			n, err := b.pipe.Read(buf)
			if n > 0 {
				output <- buf[:n]
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		b.pipe.Close()
		// Unblock a pending pipe read so the reader goroutine exits.
		for range output {
		}
		b.ws.Close()
	}()

	for {
		select {
		case data, ok := <-output:
			if !ok {
				closed, _ := protocol.NewMessage(protocol.TypeSessionClosed, protocol.SessionClosedPayload{Reason: "session ended"})
				sendMessage(b.ws, closed)
				b.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
				b.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			b.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := b.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			b.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := b.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func sendMessage(conn *websocket.Conn, msg *protocol.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func mustErrorMessage(code, message string) *protocol.Message {
	msg, _ := protocol.NewErrorMessage(code, message)
	return msg
}
