// Package api is the HTTP trigger surface: it records lookalike requests,
// hands them to the background runner and reports job status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/lookalike/internal/features"
	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/store"
)

// Store is the persistence the API reads and writes.
type Store interface {
	GetSource(ctx context.Context, id string) (*model.Source, error)
	CreateLookalike(ctx context.Context, sourceID string, tier model.SizeTier, fields model.SignificantFields) (*model.Lookalike, error)
	GetLookalike(ctx context.Context, id string) (*model.Lookalike, error)
	ListLookalikes(ctx context.Context, filter store.LookalikeFilter) ([]model.Lookalike, error)
	ListLookalikePersons(ctx context.Context, lookalikeID string) ([]model.LookalikePerson, error)
}

// Enqueuer starts the background run of a job.
type Enqueuer interface {
	Enqueue(ctx context.Context, lookalikeID string) (string, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler serves the lookalike endpoints.
type Handler struct {
	store    Store
	enqueuer Enqueuer
}

// New creates a Handler.
func New(st Store, enq Enqueuer) *Handler {
	return &Handler{store: st, enqueuer: enq}
}

// Router builds the full HTTP handler. A nil gatherer serves the default
// Prometheus registry on /metrics.
func Router(h *Handler, gatherer prometheus.Gatherer, allowedOrigins []string) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/v1", h.Register)
	return r
}

// Register mounts the lookalike endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Post("/lookalikes", h.HandleCreate)
	r.Get("/lookalikes", h.HandleList)
	r.Get("/lookalikes/{id}", h.HandleGet)
	r.Get("/lookalikes/{id}/persons", h.HandlePersons)
}

// CreateRequest is the body of POST /v1/lookalikes.
type CreateRequest struct {
	SourceID          string                  `json:"source_id"`
	SizeTier          model.SizeTier          `json:"size_tier"`
	SignificantFields model.SignificantFields `json:"significant_fields,omitempty"`
}

// LookalikeResponse describes a job.
type LookalikeResponse struct {
	ID            string                `json:"id"`
	SourceID      string                `json:"source_id"`
	SizeTier      model.SizeTier        `json:"size_tier"`
	Status        model.LookalikeStatus `json:"status"`
	FailureReason string                `json:"failure_reason,omitempty"`
	AudienceSize  *int                  `json:"audience_size,omitempty"`
	RunID         string                `json:"run_id,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

func fromLookalike(lk *model.Lookalike) LookalikeResponse {
	return LookalikeResponse{
		ID:            lk.ID,
		SourceID:      lk.SourceID,
		SizeTier:      lk.SizeTier,
		Status:        lk.Status,
		FailureReason: lk.FailureReason,
		CreatedAt:     lk.CreatedAt,
		UpdatedAt:     lk.UpdatedAt,
	}
}

// HandleCreate records a job in pending and enqueues it. The response is
// 202; the job runs in the background.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceID == "" {
		writeError(w, http.StatusBadRequest, "source_id is required")
		return
	}
	if !req.SizeTier.Valid() {
		writeError(w, http.StatusBadRequest, "size_tier must be small, medium or large")
		return
	}
	if len(req.SignificantFields) > 0 {
		if _, err := features.NewProjector(req.SignificantFields); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if _, err := h.store.GetSource(ctx, req.SourceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "source not found")
			return
		}
		h.internalError(w, "get source", err)
		return
	}

	lk, err := h.store.CreateLookalike(ctx, req.SourceID, req.SizeTier, req.SignificantFields)
	if err != nil {
		h.internalError(w, "create lookalike", err)
		return
	}

	resp := fromLookalike(lk)
	runID, err := h.enqueuer.Enqueue(ctx, lk.ID)
	if err != nil {
		zap.L().Error("api: enqueue lookalike", zap.String("lookalike_id", lk.ID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":     "lookalike recorded but could not be scheduled",
			"lookalike": resp,
		})
		return
	}
	resp.RunID = runID

	zap.L().Info("api: lookalike accepted",
		zap.String("lookalike_id", lk.ID),
		zap.String("source_id", lk.SourceID),
		zap.String("tier", string(lk.SizeTier)),
	)
	writeJSON(w, http.StatusAccepted, resp)
}

// HandleList lists jobs, optionally filtered by status and source.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.LookalikeFilter{
		Status:   model.LookalikeStatus(q.Get("status")),
		SourceID: q.Get("source_id"),
		Limit:    defaultListLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	lks, err := h.store.ListLookalikes(r.Context(), filter)
	if err != nil {
		h.internalError(w, "list lookalikes", err)
		return
	}
	out := make([]LookalikeResponse, 0, len(lks))
	for i := range lks {
		out = append(out, fromLookalike(&lks[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"lookalikes": out})
}

// HandleGet reports a job's status, its failure reason, and its audience
// size once ready.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lk, ok := h.lookalike(w, r)
	if !ok {
		return
	}

	resp := fromLookalike(lk)
	if lk.Status == model.LookalikeStatusReady {
		persons, err := h.store.ListLookalikePersons(ctx, lk.ID)
		if err != nil {
			h.internalError(w, "list lookalike persons", err)
			return
		}
		n := len(persons)
		resp.AudienceSize = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandlePersons returns the audience of a ready job.
func (h *Handler) HandlePersons(w http.ResponseWriter, r *http.Request) {
	lk, ok := h.lookalike(w, r)
	if !ok {
		return
	}
	persons, err := h.store.ListLookalikePersons(r.Context(), lk.ID)
	if errors.Is(err, store.ErrNotReady) {
		writeError(w, http.StatusConflict, "lookalike is "+string(lk.Status))
		return
	}
	if err != nil {
		h.internalError(w, "list lookalike persons", err)
		return
	}
	if persons == nil {
		persons = []model.LookalikePerson{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lookalike_id": lk.ID, "persons": persons})
}

func (h *Handler) lookalike(w http.ResponseWriter, r *http.Request) (*model.Lookalike, bool) {
	id := chi.URLParam(r, "id")
	lk, err := h.store.GetLookalike(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "lookalike not found")
		return nil, false
	}
	if err != nil {
		h.internalError(w, "get lookalike", err)
		return nil, false
	}
	return lk, true
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("api: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
