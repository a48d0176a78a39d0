package audit

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldmesh/platform/internal/httpserver"
)

// Handler serves the audit log for operator review. Unlike every other
// operator-facing listing in fieldmesh, this one is never tenant-scoped: the
// audit log itself is the record of cross-tenant access, so it is read
// directly off the pool rather than through a Scope.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Routes returns a chi.Router with the audit log listing route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

type listEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	OperatorID   string    `json:"operator_id"`
	Action       string    `json:"action"`
	TargetTenant *string   `json:"target_tenant"`
	RequestIP    *string   `json:"request_ip"`
	ResultCode   int       `json:"result_code"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := h.pool.Query(ctx, `
		SELECT ts, operator_id, action, target_tenant, request_ip, result_code
		FROM audit_log
		ORDER BY ts DESC
		LIMIT $1 OFFSET $2
	`, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}
	defer rows.Close()

	entries := make([]listEntry, 0, params.PageSize)
	for rows.Next() {
		var e listEntry
		if err := rows.Scan(&e.Timestamp, &e.OperatorID, &e.Action, &e.TargetTenant, &e.RequestIP, &e.ResultCode); err != nil {
			h.logger.Error("scanning audit log row", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
			return
		}
		entries = append(entries, e)
	}

	httpserver.Respond(w, http.StatusOK, entries)
}
