package server

import (
	"net/http"
	"strconv"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func (s *Server) handleHistorySwitches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	events, err := s.controller.SwitchHistory(ctx, limit)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleSimulate replays the retained telemetry through a scratch engine
// and reports what it would have done.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summary, err := s.controller.Replay(ctx)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
