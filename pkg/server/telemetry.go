package server

import (
	"log/slog"
	"net/http"

	"github.com/phaserudder/phaserudder/pkg/log"
	"github.com/phaserudder/phaserudder/pkg/types"
)

type telemetryResponse struct {
	Status   string            `json:"status"`
	HouseID  string            `json:"houseID"`
	NewPhase types.Phase       `json:"newPhase"`
	Cycle    types.CycleStatus `json:"cycle"`
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var t types.Telemetry
	if err := decodeBody(w, r, &t); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx = log.WithHouse(ctx, t.HouseID)

	phase, status, err := s.controller.SubmitTelemetry(ctx, t)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	if status.PersistError != "" {
		log.Ctx(ctx).WarnContext(ctx, "telemetry accepted with persistence error", slog.String("error", status.PersistError))
	}

	writeJSON(w, http.StatusOK, telemetryResponse{
		Status:   "ok",
		HouseID:  t.HouseID,
		NewPhase: phase,
		Cycle:    status,
	})
}

type registerRequest struct {
	HouseID string `json:"houseID"`
	Phase   string `json:"phase"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.HouseID == "" {
		writeJSONError(w, "houseID is required", http.StatusBadRequest)
		return
	}
	phase, err := types.ParsePhase(req.Phase)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	ctx = log.WithHouse(ctx, req.HouseID)

	if err := s.controller.Register(ctx, req.HouseID, phase); err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	h, _ := s.controller.House(req.HouseID)
	log.Ctx(ctx).InfoContext(ctx, "house registered", slog.String("phase", phase.String()))
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.RunCycle(r.Context()))
}
