// ABOUTME: Operator HTTP surface for the migration engine: status, run, rollback
// ABOUTME: Partial failures answer 207; unexpected failures answer a generic 500

package migration

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type engine interface {
	Status(ctx context.Context) (Status, error)
	Run(ctx context.Context) Result
	Rollback(ctx context.Context) (RollbackResult, error)
}

// Handler serves GET /status, POST /run and POST /rollback. Mount it under
// a prefix with http.StripPrefix.
type Handler struct {
	engine engine
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewHandler creates a Handler for e.
func NewHandler(e engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		engine: e,
		logger: logger.With("component", "migration-http"),
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /status", h.handleStatus)
	h.mux.HandleFunc("POST /run", h.handleRun)
	h.mux.HandleFunc("POST /rollback", h.handleRollback)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("migration handler panic", "path", r.URL.Path, "panic", rec)
			h.internalError(w)
		}
	}()
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(r.Context())
	if err != nil {
		h.logger.Error("migration status failed", "error", err)
		h.internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	res := h.engine.Run(r.Context())

	status := http.StatusOK
	if res.Partial() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Rollback(r.Context())
	if err != nil {
		h.logger.Error("migration rollback failed", "error", err, "deleted", res.Deleted)
		h.internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) internalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
