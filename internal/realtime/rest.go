package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"cmdmanager/internal/cmdlog"
	"cmdmanager/internal/session"

	"github.com/go-chi/chi/v5"
)

const defaultLogLimit = 50

type logEntryResponse struct {
	Time     time.Time `json:"time"`
	Command  string    `json:"command"`
	Output   string    `json:"output"`
	Timeout  string    `json:"timeout"`
	TimedOut bool      `json:"timedOut"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"activeSessions": s.sessions.Active(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Kill(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.History())
}

// handleLog returns the most recent command log records, newest last.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if s.cmdlog == nil {
		writeError(w, http.StatusNotFound, "command log not configured")
		return
	}

	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	f, err := os.Open(s.cmdlog.Path())
	if errors.Is(err, os.ErrNotExist) {
		writeJSON(w, http.StatusOK, []logEntryResponse{})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open command log")
		return
	}
	defer f.Close()

	entries, err := cmdlog.Parse(f)
	if err != nil {
		s.logger.Warn("command log unreadable", "path", s.cmdlog.Path(), "err", err)
		writeError(w, http.StatusInternalServerError, "failed to parse command log")
		return
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	resp := make([]logEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, logEntryResponse{
			Time:     e.Time,
			Command:  e.Command,
			Output:   string(e.Output),
			Timeout:  e.Timeout.String(),
			TimedOut: e.TimedOut,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
