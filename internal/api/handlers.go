package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/reloquent/tableshift/internal/orchestrator"
	"github.com/reloquent/tableshift/internal/partition"
	"github.com/reloquent/tableshift/internal/report"
	"github.com/reloquent/tableshift/internal/state"
	"github.com/reloquent/tableshift/internal/workspace"
)

func (s *Server) status() (StatusResponse, error) {
	st, err := state.Load(s.ws.State())
	if err != nil {
		return StatusResponse{}, err
	}
	resp := StatusResponse{
		RunID:        st.RunID,
		Phase:        string(st.Phase),
		Mode:         string(st.Mode),
		Budget:       st.Budget,
		BatchCount:   st.BatchCount,
		CurrentBatch: st.CurrentBatch,
		Batches:      []BatchResponse{},
	}
	if !st.LastUpdated.IsZero() {
		resp.LastUpdated = st.LastUpdated.UTC().Format(time.RFC3339)
	}
	for _, id := range st.BatchIDs() {
		b := st.Batches[id]
		resp.Batches = append(resp.Batches, BatchResponse{
			ID: id, Status: b.Status, Tables: b.Tables, Bytes: b.Bytes, Success: b.Success, Failure: b.Failure,
		})
	}

	s.mu.RLock()
	if len(s.last) > 0 {
		resp.Progress = make(map[string]orchestrator.Event, len(s.last))
		for k, v := range s.last {
			resp.Progress[k] = v
		}
	}
	s.mu.RUnlock()
	if s.hub != nil {
		resp.Clients = s.hub.ClientCount()
	}
	return resp, nil
}

func (s *Server) statusJSON() ([]byte, error) {
	resp, err := s.status()
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.status()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	plan, err := partition.Load(s.ws)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	st, err := state.Load(s.ws.State())
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := PlanResponse{Batches: make([]BatchResponse, 0, len(plan.Batches))}
	for _, b := range plan.Batches {
		br := BatchResponse{ID: b.ID, Tables: len(b.Items), Bytes: b.TotalWeight, Status: st.Batches[b.ID].Status}
		if br.Status == "" {
			br.Status = state.BatchPending
		}
		resp.Batches = append(resp.Batches, br)
	}
	for _, it := range plan.Unassignable {
		resp.Unassignable = append(resp.Unassignable, it.Key)
	}
	sort.Strings(resp.Unassignable)
	jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !workspace.Exists(s.ws.ReportJSON()) {
		errorResponse(w, http.StatusNotFound, "no report yet")
		return
	}
	rep, err := report.ReadJSON(s.ws.ReportJSON())
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, rep)
}
