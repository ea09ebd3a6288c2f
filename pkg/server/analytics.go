package server

import (
	"net/http"

	"github.com/phaserudder/phaserudder/pkg/types"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handlePhases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot().Phases)
}

type phaseResponse struct {
	types.PhaseAnalytics
	Detail *types.PhaseDetail `json:"detail,omitempty"`
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	phase, err := types.ParsePhase(r.PathValue("phase"))
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}

	snap := s.controller.Snapshot()
	resp := phaseResponse{
		PhaseAnalytics: types.PhaseAnalytics{
			PhaseStats: types.PhaseStats{Phase: phase},
			Houses:     []types.HouseReading{},
		},
	}
	for _, pa := range snap.Phases {
		if pa.Phase == phase {
			resp.PhaseAnalytics = pa
			break
		}
	}
	for i := range snap.Details {
		if snap.Details[i].Phase == phase {
			resp.Detail = &snap.Details[i]
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHouses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Houses())
}

func (s *Server) handleHouse(w http.ResponseWriter, r *http.Request) {
	houseID := r.PathValue("houseID")
	h, ok := s.controller.House(houseID)
	if !ok {
		writeJSONError(w, types.ErrUnknownHouse.Error()+": "+houseID, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleHouseTelemetry(w http.ResponseWriter, r *http.Request) {
	events, err := s.controller.TelemetryHistory(r.Context(), r.PathValue("houseID"))
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
