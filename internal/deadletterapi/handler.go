// Package deadletterapi gives the operator DeadLetter contract (spec
// §6.2: list/replay/discard) a concrete HTTP home in this process, the
// way internal/audit does for the audit log. Tenant-scoped like every
// other data-plane surface, unlike the audit log.
package deadletterapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldmesh/platform/internal/httpserver"
	"github.com/fieldmesh/platform/internal/scope"
	"github.com/fieldmesh/platform/pkg/deadletter"
)

// Handler serves dead-letter inspection, replay, and discard.
type Handler struct {
	pool     *pgxpool.Pool
	store    *deadletter.Store
	replayer deadletter.Replayer
}

// NewHandler creates a dead-letter Handler. replayer re-enqueues a record's
// request for another delivery attempt on Replay.
func NewHandler(pool *pgxpool.Pool, store *deadletter.Store, replayer deadletter.Replayer) *Handler {
	return &Handler{pool: pool, store: store, replayer: replayer}
}

// Routes returns a chi.Router with the dead-letter routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/{id}/replay", h.handleReplay)
	r.Post("/{id}/discard", h.handleDiscard)
	return r
}

type listItem struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

func cursorOf(it listItem) httpserver.Cursor {
	return httpserver.Cursor{CreatedAt: it.CreatedAt, ID: it.ID}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "tenantId is required")
		return
	}

	params, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s, err := scope.EnterTenant(ctx, h.pool, tenantID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to enter tenant scope")
		return
	}
	defer s.Release(ctx)

	var afterID int64
	if params.After != nil {
		afterID = params.After.ID
	}

	records, err := h.store.ListAfter(ctx, s, afterID, params.Limit+1)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list dead-letter records")
		return
	}

	items := make([]listItem, 0, len(records))
	for _, rec := range records {
		items = append(items, listItem{
			ID:        rec.ID,
			Kind:      rec.Kind,
			Attempts:  rec.Attempts,
			LastError: rec.LastError,
			State:     string(rec.State),
			CreatedAt: rec.CreatedAt,
		})
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewCursorPage(items, params.Limit, cursorOf))
}

// replayRequest requires an explicit confirm=true so a client can't replay
// a record by accidentally POSTing an empty body.
type replayRequest struct {
	Confirm bool `json:"confirm" validate:"required"`
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "tenantId is required")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid dead-letter id")
		return
	}

	var req replayRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	s, err := scope.EnterTenant(ctx, h.pool, tenantID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to enter tenant scope")
		return
	}
	defer s.Release(ctx)

	jobID, err := h.store.Replay(ctx, s, id, h.replayer)
	if err != nil {
		if errors.Is(err, deadletter.ErrDiscarded) {
			httpserver.RespondError(w, http.StatusConflict, "already_discarded", err.Error())
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]int64{"job_id": jobID})
}

func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "tenantId is required")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid dead-letter id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s, err := scope.EnterTenant(ctx, h.pool, tenantID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to enter tenant scope")
		return
	}
	defer s.Release(ctx)

	if err := h.store.Discard(ctx, s, id); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
