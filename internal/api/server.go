// Package api exposes the operational HTTP surface: item intake, approval,
// run triggering, and status introspection.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/config"
	"publication-pipeline/internal/dedup"
	"publication-pipeline/internal/lifecycle"
	"publication-pipeline/internal/models"
	"publication-pipeline/internal/pipeline"
	"publication-pipeline/internal/runlock"
	"publication-pipeline/internal/store"
	"publication-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the pipeline API.
type Server struct {
	cfg    config.Config
	store  *store.Store
	guard  *lifecycle.Guard
	runner *pipeline.Runner
	log    *logrus.Entry
}

// New constructs the API server. The runner may be nil when the API runs
// without publishing capability.
func New(cfg config.Config, st *store.Store, guard *lifecycle.Guard, runner *pipeline.Runner, log *logrus.Entry) *Server {
	return &Server{
		cfg:    cfg,
		store:  st,
		guard:  guard,
		runner: runner,
		log:    log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/items", s.handleCreateItem)
	r.Get("/items/{id}", s.handleGetItem)
	r.Post("/items/{id}/approve", s.handleApprove)
	r.Post("/items/{id}/reject", s.handleReject)
	r.Post("/runs", s.handleRun)
	r.Post("/schedule", s.handleSchedule)
	r.Get("/status", s.handleStatus)
	return r
}

type createItemRequest struct {
	AccountID  string  `json:"account_id"`
	PostType   string  `json:"post_type"`
	Body       string  `json:"body"`
	ImageRef   *string `json:"image_ref"`
	MaxRetries int     `json:"max_retries"`
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Body == "" {
		http.Error(w, "body is required", http.StatusBadRequest)
		return
	}
	if req.PostType == "" {
		req.PostType = models.PostTypeText
	}
	if req.PostType != models.PostTypeText && req.PostType != models.PostTypePhoto {
		http.Error(w, "post_type must be text or photo", http.StatusBadRequest)
		return
	}
	if req.PostType == models.PostTypePhoto && (req.ImageRef == nil || *req.ImageRef == "") {
		http.Error(w, "photo items need image_ref", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		req.AccountID = s.cfg.AccountID
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = s.cfg.MaxRetries
	}

	imageRef := ""
	if req.ImageRef != nil {
		imageRef = *req.ImageRef
	}
	item, err := s.store.CreateItem(r.Context(), store.CreateItemParams{
		AccountID:   req.AccountID,
		PostType:    req.PostType,
		Body:        req.Body,
		ImageRef:    imageRef,
		ContentHash: dedup.ContentHash(req.Body),
		Fingerprint: dedup.Fingerprint(req.Body),
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleApprove marks the item approved. A parked item gets its slot on the
// next run, which is where scheduling decisions live.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetItem(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := s.store.SetApproved(r.Context(), id, true); err != nil {
		http.Error(w, "approve failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	from := item.Status
	if from != models.StatusDrafted && from != models.StatusWaitingApproval {
		http.Error(w, "item cannot be rejected in state "+from, http.StatusConflict)
		return
	}
	moved, err := s.guard.Move(r.Context(), id, from, models.StatusRejected, lifecycle.Updates{})
	if err != nil || !moved {
		http.Error(w, "reject failed", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// handleRun triggers a synchronous pipeline run. A concurrent run answers
// 409 rather than queueing.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "runner not configured", http.StatusServiceUnavailable)
		return
	}
	res, err := s.runner.Run(r.Context())
	if err != nil {
		if errors.Is(err, runlock.ErrLockHeld) {
			http.Error(w, "another run is in progress", http.StatusConflict)
			return
		}
		s.log.WithError(err).Error("run failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSchedule assigns publication slots without publishing. Accepts an
// optional ?days=N horizon override.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "runner not configured", http.StatusServiceUnavailable)
		return
	}
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
		days = v
	}
	scheduled, err := s.runner.ScheduleHorizon(r.Context(), days)
	if err != nil {
		if errors.Is(err, runlock.ErrLockHeld) {
			http.Error(w, "another run is in progress", http.StatusConflict)
			return
		}
		s.log.WithError(err).Error("schedule failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"scheduled": scheduled})
}

type statusResponse struct {
	Counts        map[string]int64      `json:"counts"`
	ErrorRate     float64               `json:"error_rate"`
	System        map[string]string     `json:"system"`
	BreakerStates []models.BreakerState `json:"breaker_states"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.StatusCounts(r.Context())
	if err != nil {
		http.Error(w, "status counts failed", http.StatusInternalServerError)
		return
	}
	rate, err := s.store.ErrorRate(r.Context(), 24*time.Hour)
	if err != nil {
		http.Error(w, "error rate failed", http.StatusInternalServerError)
		return
	}

	system := map[string]string{}
	for _, key := range []string{"last_run_at", "last_error_code", "last_error_action"} {
		if v, ok, err := s.store.GetSystemStatus(r.Context(), key); err == nil && ok {
			system[key] = v
		}
	}

	var breakers []models.BreakerState
	if st, err := s.store.LoadBreaker(r.Context(), "platform-publish"); err == nil {
		breakers = append(breakers, st)
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Counts:        counts,
		ErrorRate:     rate,
		System:        system,
		BreakerStates: breakers,
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
