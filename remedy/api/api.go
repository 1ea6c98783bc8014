// Package api exposes the operator HTTP surface: record and candidate
// listings, manual approval and rejection, suppression, posture snapshots
// and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/RemedyScan/go-core/remedy"
	"github.com/RemedyScan/go-core/remedy/deploy"
	"github.com/RemedyScan/go-core/remedy/fault"
	"github.com/RemedyScan/go-core/remedy/ingest"
	"github.com/RemedyScan/go-core/remedy/lifecycle"
	"github.com/RemedyScan/go-core/remedy/metrics"
	"github.com/RemedyScan/go-core/remedy/pipeline"
	"github.com/RemedyScan/go-core/remedy/records"
	"github.com/RemedyScan/go-core/remedy/status"
)

// Server holds the pipeline components the HTTP handlers act on.
type Server struct {
	store     records.Store
	ingestor  *ingest.Ingestor
	lifecycle *lifecycle.Manager
	orch      *deploy.Orchestrator
	engine    *pipeline.Engine
	status    *status.Manager
}

// NewServer assembles the operator API server.
func NewServer(store records.Store, ing *ingest.Ingestor, lc *lifecycle.Manager, orch *deploy.Orchestrator, engine *pipeline.Engine, st *status.Manager) *Server {
	return &Server{store: store, ingestor: ing, lifecycle: lc, orch: orch, engine: engine, status: st}
}

// Router builds the chi router for the operator API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/findings", s.ingestFinding)

	r.Route("/records", func(r chi.Router) {
		r.Get("/", s.listRecords)
		r.Get("/{fingerprint}", s.getRecord)
		r.Get("/{fingerprint}/audit", s.recordAudit)
		r.Post("/{fingerprint}/suppress", s.suppressRecord)
	})

	r.Route("/candidates", func(r chi.Router) {
		r.Get("/", s.listCandidates)
		r.Get("/{id}", s.getCandidate)
		r.Post("/{id}/approve", s.approveCandidate)
		r.Post("/{id}/reject", s.rejectCandidate)
	})

	r.Route("/deployments", func(r chi.Router) {
		r.Get("/", s.listDeployments)
		r.Get("/{id}", s.getDeployment)
		r.Post("/{id}/cancel", s.cancelDeployment)
		r.Post("/{id}/rollback", s.rollbackDeployment)
	})

	r.Route("/status", func(r chi.Router) {
		r.Get("/latest", s.latestSnapshot)
		r.Get("/trend", s.snapshotTrend)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) ingestFinding(w http.ResponseWriter, r *http.Request) {
	var f remedy.Finding
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		render.Status(r, 400)
		render.JSON(w, r, map[string]string{"error": "invalid json"})
		return
	}

	rec, err := s.ingestor.Ingest(r.Context(), f)
	if err != nil {
		if fault.IsValidation(err) {
			render.Status(r, 400)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		render.Status(r, 500)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}

	render.Status(r, 202)
	render.JSON(w, r, rec)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListVulnerabilities(r.Context())
	if err != nil {
		render.Status(r, 500)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}
	render.JSON(w, r, recs)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetVulnerability(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		s.renderStoreError(w, r, err)
		return
	}
	render.JSON(w, r, rec)
}

func (s *Server) recordAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListAudit(r.Context(), records.AuditFilter{
		Entity:   "vulnerability",
		EntityID: chi.URLParam(r, "fingerprint"),
	})
	if err != nil {
		render.Status(r, 500)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}
	render.JSON(w, r, entries)
}

func (s *Server) suppressRecord(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Actor == "" {
		render.Status(r, 400)
		render.JSON(w, r, map[string]string{"error": "actor is required"})
		return
	}

	rec, err := s.lifecycle.Suppress(r.Context(), chi.URLParam(r, "fingerprint"), body.Actor, body.Reason)
	if err != nil {
		s.renderStoreError(w, r, err)
		return
	}
	render.JSON(w, r, rec)
}

func (s *Server) listCandidates(w http.ResponseWriter, r *http.Request) {
	cands, err := s.store.ListCandidates(r.Context(), r.URL.Query().Get("fingerprint"))
	if err != nil {
		render.Status(r, 500)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}
	render.JSON(w, r, cands)
}

func (s *Server) getCandidate(w http.ResponseWriter, r *http.Request) {
	cand, err := s.store.GetCandidate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.renderStoreError(w, r, err)
		return
	}
	render.JSON(w, r, cand)
}

func (s *Server) approveCandidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor    string `json:"actor"`
		Reason   string `json:"reason"`
		Override bool   `json:"override"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Actor == "" {
		render.Status(r, 400)
		render.JSON(w, r, map[string]string{"error": "actor is required"})
		return
	}

	cand, err := s.lifecycle.Approve(r.Context(), chi.URLParam(r, "id"), body.Actor, body.Reason, body.Override)
	if err != nil {
		if errors.Is(err, lifecycle.ErrPendingReview) {
			render.Status(r, 409)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		s.renderStoreError(w, r, err)
		return
	}

	// Deployment runs off the request path; the approval response returns
	// as soon as the state change is durable.
	if s.engine != nil {
		go func(c *remedy.PatchCandidate) {
			if err := s.engine.DeployApproved(context.Background(), c); err != nil {
				slog.Error("Deployment after manual approval failed", "candidate", c.ID, "error", err)
			}
		}(cand)
	}

	render.Status(r, 202)
	render.JSON(w, r, cand)
}

func (s *Server) rejectCandidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Actor == "" {
		render.Status(r, 400)
		render.JSON(w, r, map[string]string{"error": "actor is required"})
		return
	}

	cand, err := s.lifecycle.Reject(r.Context(), chi.URLParam(r, "id"), body.Actor, body.Reason)
	if err != nil {
		s.renderStoreError(w, r, err)
		return
	}
	render.JSON(w, r, cand)
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	deps, err := s.store.ListDeployments(r.Context(), r.URL.Query().Get("candidate"))
	if err != nil {
		render.Status(r, 500)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}
	render.JSON(w, r, deps)
}

func (s *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.store.GetDeployment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.renderStoreError(w, r, err)
		return
	}
	render.JSON(w, r, dep)
}

func (s *Server) cancelDeployment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Actor == "" {
		render.Status(r, 400)
		render.JSON(w, r, map[string]string{"error": "actor is required"})
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.orch.Cancel(id, body.Reason); err != nil {
		s.renderStoreError(w, r, err)
		return
	}
	render.Status(r, 202)
	render.JSON(w, r, map[string]string{"status": "cancelling", "deployment": id})
}

func (s *Server) rollbackDeployment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Actor == "" {
		render.Status(r, 400)
		render.JSON(w, r, map[string]string{"error": "actor is required"})
		return
	}

	dep, err := s.orch.RollBack(r.Context(), chi.URLParam(r, "id"), "operator",
		body.Actor+": "+body.Reason)
	if err != nil {
		s.renderStoreError(w, r, err)
		return
	}
	render.JSON(w, r, dep)
}

func (s *Server) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		render.Status(r, 503)
		render.JSON(w, r, map[string]string{"error": "status snapshots unavailable"})
		return
	}
	snap, err := s.status.GetLatestSnapshot(r.Context())
	if err != nil {
		render.Status(r, 404)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}
	render.JSON(w, r, snap)
}

func (s *Server) snapshotTrend(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		render.Status(r, 503)
		render.JSON(w, r, map[string]string{"error": "status snapshots unavailable"})
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	snaps, err := s.status.GetTrendData(r.Context(), limit)
	if err != nil {
		render.Status(r, 500)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}
	render.JSON(w, r, snaps)
}

func (s *Server) renderStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, records.ErrNotFound):
		render.Status(r, 404)
	case fault.IsConflict(err), errors.Is(err, lifecycle.ErrInvalidTransition):
		render.Status(r, 409)
	case fault.IsValidation(err):
		render.Status(r, 400)
	default:
		render.Status(r, 500)
	}
	render.JSON(w, r, map[string]string{"error": err.Error()})
}
