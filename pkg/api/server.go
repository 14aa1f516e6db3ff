package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"dispersal/pkg/coordinator"
	"dispersal/pkg/errs"
	"dispersal/pkg/metrics"
	"dispersal/pkg/types"
)

// Server exposes the hooks external collaborators call: monitoring reads
// dataset snapshots, detectors push threat and access signals, operators
// register datasets and reset degraded ones.
type Server struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

func NewServer(coord *coordinator.Coordinator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{coord: coord, logger: logger}
}

// Router builds the HTTP routing table, with /metrics mounted alongside.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatusAll)
	r.Get("/status/{dataset}", s.handleStatus)
	r.Post("/datasets", s.handleRegister)
	r.Delete("/datasets/{dataset}", s.handleDeregister)
	r.Post("/datasets/{dataset}/reset", s.handleReset)
	r.Post("/signals/threat", s.handleThreatSignal)
	r.Post("/signals/access", s.handleAccessSignal)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

type statusResponse struct {
	DatasetID         string  `json:"dataset_id"`
	State             string  `json:"state"`
	PlacementVersion  uint64  `json:"placement_version"`
	AggregateConflict float64 `json:"aggregate_conflict_score"`
	FragmentCount     int     `json:"fragment_count"`
	LastMigrationAt   string  `json:"last_migration_at,omitempty"`
}

func toStatusResponse(st types.DatasetStatus) statusResponse {
	resp := statusResponse{
		DatasetID:         string(st.DatasetID),
		State:             st.State.String(),
		PlacementVersion:  st.PlacementVersion,
		AggregateConflict: st.AggregateConflict,
		FragmentCount:     st.FragmentCount,
	}
	if !st.LastMigrationAt.IsZero() {
		resp.LastMigrationAt = st.LastMigrationAt.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	statuses := s.coord.StatusAll()
	out := make([]statusResponse, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, toStatusResponse(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := types.DatasetID(chi.URLParam(r, "dataset"))
	st, err := s.coord.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(st))
}

type registerRequest struct {
	DatasetID   string `json:"dataset_id"`
	Sensitivity int    `json:"sensitivity"`
	Fragments   []struct {
		FragmentID string `json:"fragment_id"`
		ContentRef string `json:"content_ref"`
	} `json:"fragments"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	specs := make([]coordinator.FragmentSpec, 0, len(req.Fragments))
	for _, f := range req.Fragments {
		specs = append(specs, coordinator.FragmentSpec{
			ID:         types.FragmentID(f.FragmentID),
			ContentRef: types.ContentRef(f.ContentRef),
		})
	}

	pl, err := s.coord.Register(r.Context(), types.DatasetID(req.DatasetID), specs, req.Sensitivity)
	if err != nil {
		s.writeError(w, err)
		return
	}

	assignments := make(map[string]string, len(pl.Assignments))
	for fid, jur := range pl.Assignments {
		assignments[string(fid)] = string(jur)
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"dataset_id":               req.DatasetID,
		"placement_version":        pl.Version,
		"aggregate_conflict_score": pl.AggregateConflict,
		"assignments":              assignments,
	})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := types.DatasetID(chi.URLParam(r, "dataset"))
	if err := s.coord.Deregister(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := types.DatasetID(chi.URLParam(r, "dataset"))
	if err := s.coord.Reset(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.coord.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(st))
}

type threatRequest struct {
	DatasetID string `json:"dataset_id"`
	Severity  int    `json:"severity"`
	Source    string `json:"source"`
}

func (s *Server) handleThreatSignal(w http.ResponseWriter, r *http.Request) {
	var req threatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.coord.SubmitThreat(types.ThreatSignal{
		DatasetID:  types.DatasetID(req.DatasetID),
		Severity:   req.Severity,
		Source:     req.Source,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type accessRequest struct {
	DatasetID       string `json:"dataset_id"`
	SuspectedOrigin string `json:"suspected_origin_jurisdiction"`
}

func (s *Server) handleAccessSignal(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.coord.SubmitAccess(types.AccessSignal{
		DatasetID:       types.DatasetID(req.DatasetID),
		SuspectedOrigin: types.JurisdictionID(req.SuspectedOrigin),
		ReceivedAt:      time.Now(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindInsufficientJurisdictions:
		status = http.StatusConflict
	case errs.KindInvalidPlacement:
		status = http.StatusInternalServerError
	case errs.KindTransportFailure:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError && kind == "" {
		status = http.StatusBadRequest
	}

	s.logger.Warn("request failed", zap.String("kind", string(kind)), zap.Error(err))
	writeJSON(w, status, map[string]string{
		"kind":  string(kind),
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
