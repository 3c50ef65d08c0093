package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrJamesThe3rd/finsync/internal/webhook"
)

type Ingester interface {
	Ingest(ctx context.Context, raw []byte, headers http.Header) (webhook.Outcome, error)
}

type Handler struct {
	ingestor     Ingester
	maxBodyBytes int64
}

func NewHandler(ingestor Ingester, maxBodyBytes int64) *Handler {
	return &Handler{ingestor: ingestor, maxBodyBytes: maxBodyBytes}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.receive)
}

type receiveResponse struct {
	Status webhook.Outcome `json:"status"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}

		http.Error(w, "failed to read body", http.StatusBadRequest)

		return
	}

	outcome, err := h.ingestor.Ingest(r.Context(), raw, r.Header)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrMalformedPayload):
			http.Error(w, "malformed payload", http.StatusBadRequest)
		case errors.Is(err, webhook.ErrInvalidSignature):
			slog.Warn("rejected webhook", "error", err)
			http.Error(w, "invalid signature", http.StatusBadRequest)
		default:
			slog.Error("failed to ingest webhook", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}

		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(receiveResponse{Status: outcome}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
