package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/livebridge/internal/session"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type listSessionsResponse struct {
	Sessions   []session.Info `json:"sessions"`
	TotalCount int            `json:"total_count"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	all := s.registry.All()
	infos := make([]session.Info, 0, len(all))
	for _, sess := range all {
		infos = append(infos, sess.Info())
	}
	respondJSON(w, http.StatusOK, listSessionsResponse{Sessions: infos, TotalCount: len(infos)})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.registry.Get(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", "session not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	if b := sess.Bridge(); b != nil {
		if err := b.Stop(r.Context(), session.ReasonTerminated); err != nil {
			respondError(w, http.StatusInternalServerError, "terminate_failed", err.Error())
			return
		}
	} else {
		s.registry.Remove(id)
	}
	s.metrics.SetActiveSessions(s.registry.ActiveCount())
	s.logger.Info("terminated live session", "session_id", id)
	respondJSON(w, http.StatusOK, map[string]string{
		"message":    "Session terminated",
		"session_id": id,
	})
}

func (s *Server) handleLiveHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"active_sessions": stats.ActiveSessions,
		"total_sessions":  stats.TotalSessions,
	})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotImplemented, "history_disabled", "session history is not configured")
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	records, err := s.history.RecentSessions(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions":    records,
		"total_count": len(records),
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotImplemented, "history_disabled", "session history is not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	lines, err := s.history.Transcript(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"lines":      lines,
	})
}
