// Package httpapi exposes the research pipeline over HTTP: run submission,
// status and report retrieval, and live progress streams over SSE and
// WebSocket with replay on reconnect.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deepscout/deepscout/internal/db"
	"github.com/deepscout/deepscout/internal/events"
	"github.com/deepscout/deepscout/internal/models"
	"github.com/deepscout/deepscout/internal/orchestrator"
)

// Server is the HTTP boundary. It owns no pipeline state; everything is
// delegated to the orchestrator, bus, and database client.
type Server struct {
	orch   *orchestrator.Orchestrator
	bus    *events.Bus
	dbc    *db.Client // optional
	logger *zap.Logger
}

func NewServer(orch *orchestrator.Orchestrator, bus *events.Bus, dbc *db.Client, logger *zap.Logger) *Server {
	return &Server{orch: orch, bus: bus, dbc: dbc, logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/research", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/research/{id}", s.handleStatus)
	mux.HandleFunc("POST /api/v1/research/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/research/{id}/report", s.handleReport)
	mux.HandleFunc("GET /api/v1/research/{id}/events", s.handleSSE)
	mux.HandleFunc("GET /api/v1/research/{id}/stream", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

type submitRequest struct {
	Query       string             `json:"query"`
	Constraints models.Constraints `json:"constraints"`
}

type submitResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	query := models.NewQuery(req.Query, req.Constraints)
	handle := s.orch.Start(query)
	s.logger.Info("Run submitted",
		zap.String("run_id", handle.ID.String()),
		zap.String("query", req.Query),
	)
	writeJSON(w, http.StatusAccepted, submitResponse{RunID: handle.ID.String()})
}

type statusResponse struct {
	RunID  string                `json:"run_id"`
	State  orchestrator.RunState `json:"state"`
	Query  string                `json:"query"`
	Stages []stageStatusResponse `json:"stages"`
}

type stageStatusResponse struct {
	Stage          string    `json:"stage"`
	Status         string    `json:"status"`
	UnitsTotal     int       `json:"units_total"`
	UnitsSucceeded int       `json:"units_succeeded"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.lookup(w, r)
	if !ok {
		return
	}
	resp := statusResponse{
		RunID: handle.ID.String(),
		State: handle.State(),
		Query: handle.Query.Text,
	}
	for _, rec := range handle.Stages() {
		resp.Stages = append(resp.Stages, stageStatusResponse{
			Stage:          string(rec.Stage),
			Status:         string(rec.Status),
			UnitsTotal:     rec.UnitsTotal,
			UnitsSucceeded: rec.UnitsSucceeded,
			Error:          rec.Err,
			StartedAt:      rec.StartedAt,
			EndedAt:        rec.EndedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.orch.Cancel(handle)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if handle, ok := s.orch.Lookup(uuidOrNil(id)); ok {
		select {
		case <-handle.Done():
			report, err := s.orch.Await(handle)
			if report == nil {
				writeError(w, http.StatusNotFound, "no report for run")
				return
			}
			// A failed run still serves its partial report; the error is
			// surfaced alongside rather than replacing it.
			type reportResponse struct {
				*models.ResearchReport
				Error string `json:"error,omitempty"`
			}
			resp := reportResponse{ResearchReport: report}
			if err != nil {
				resp.Error = err.Error()
			}
			writeJSON(w, http.StatusOK, resp)
			return
		default:
			writeError(w, http.StatusConflict, "run still in progress")
			return
		}
	}

	// Unknown to this process; fall back to persisted reports.
	if s.dbc != nil {
		report, err := s.dbc.LoadReport(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, report)
			return
		}
		s.logger.Debug("Report lookup failed", zap.String("run_id", id), zap.Error(err))
	}
	writeError(w, http.StatusNotFound, "unknown run")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*orchestrator.RunHandle, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return nil, false
	}
	handle, ok := s.orch.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown run")
		return nil, false
	}
	return handle, true
}

func uuidOrNil(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
