// Package jobs exposes the scheduled sweeps to an external cron.
package jobs

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/finsync/internal/cleanup"
	"github.com/MrJamesThe3rd/finsync/internal/item"
	"github.com/MrJamesThe3rd/finsync/internal/itemsync"
	"github.com/MrJamesThe3rd/finsync/internal/scheduler"
)

const HeaderSecret = "X-Job-Secret"

type DueProcessor interface {
	ProcessDue(ctx context.Context, opts scheduler.Options) (*scheduler.Summary, error)
}

type Sweeper interface {
	Run(ctx context.Context) (*cleanup.Summary, error)
}

type ItemSyncer interface {
	SyncByID(ctx context.Context, tenantID, id uuid.UUID) (itemsync.Result, error)
}

type Handler struct {
	due       DueProcessor
	sweeper   Sweeper
	items     ItemSyncer
	batchSize int
}

func NewHandler(due DueProcessor, sweeper Sweeper, items ItemSyncer, batchSize int) *Handler {
	return &Handler{due: due, sweeper: sweeper, items: items, batchSize: batchSize}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/process-due", h.processDue(false))
	r.Post("/process-due/safety-net", h.processDue(true))
	r.Post("/cleanup-dormant", h.cleanupDormant)
	r.Post("/items/{tenantID}/{id}/sync", h.syncItem)
}

// RequireSecret rejects requests whose X-Job-Secret does not match secret. An
// empty secret disables the check; config validation only allows that locally.
func RequireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get(HeaderSecret)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) processDue(safetyNet bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := scheduler.Options{IncludeSafetyNet: safetyNet, BatchSize: h.batchSize}

		if s := r.URL.Query().Get("batch_size"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				http.Error(w, "invalid batch_size", http.StatusBadRequest)
				return
			}

			opts.BatchSize = n
		}

		summary, err := h.due.ProcessDue(r.Context(), opts)
		if err != nil {
			slog.Error("failed to process due items", "safety_net", safetyNet, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)

			return
		}

		writeJSON(w, summary)
	}
}

func (h *Handler) cleanupDormant(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sweeper.Run(r.Context())
	if err != nil {
		slog.Error("failed to run dormant cleanup", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	writeJSON(w, summary)
}

func (h *Handler) syncItem(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		http.Error(w, "invalid tenant id", http.StatusBadRequest)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	res, err := h.items.SyncByID(r.Context(), tenantID, id)
	if err != nil {
		if errors.Is(err, item.ErrNotFound) {
			http.Error(w, "item not found", http.StatusNotFound)
			return
		}

		slog.Error("failed to sync item", "id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
