package relayer

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/cspr-bridge-relayer/pkg/app/errors"
	apphttp "github.com/chainsafe/cspr-bridge-relayer/pkg/app/http"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/idempotency"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/queue"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Service is the operator surface of the engine.
type Service interface {
	IsReady() bool
	ListFailed(ctx context.Context, limit int) ([]*queue.Job, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	MessageStatus(ctx context.Context, messageID string) (*idempotency.Record, error)
}

var _ Service = (*Engine)(nil)

// HTTP exposes the engine's operator endpoints
type HTTP struct {
	service Service
	logger  *zap.Logger
}

// RegisterRoutes registers the operator endpoints on r.
func RegisterRoutes(r chi.Router, service Service, logger *zap.Logger) {
	h := &HTTP{
		service: service,
		logger:  logger,
	}

	r.Get("/ready", apphttp.HandleError(logger, h.ready))
	r.Get("/jobs/failed", apphttp.HandleError(logger, h.listFailed))
	r.Post("/jobs/{id}/requeue", apphttp.HandleError(logger, h.requeue))
	r.Get("/messages/{id}", apphttp.HandleError(logger, h.messageStatus))
}

func (h *HTTP) ready(w http.ResponseWriter, _ *http.Request) error {
	if !h.service.IsReady() {
		return apperrors.UnavailableError(nil, "relayer engine is not running")
	}
	apphttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	return nil
}

func (h *HTTP) listFailed(w http.ResponseWriter, r *http.Request) error {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return apperrors.BadRequestError(err, "limit must be a positive integer")
		}
		limit = min(n, maxListLimit)
	}

	jobs, err := h.service.ListFailed(r.Context(), limit)
	if err != nil {
		return apperrors.GeneralError(err)
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	apphttp.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	return nil
}

func (h *HTTP) requeue(w http.ResponseWriter, r *http.Request) error {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return apperrors.BadRequestError(err, "invalid job id")
	}

	err = h.service.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return apperrors.ResourceNotFoundError(err, "job not found")
	case errors.Is(err, queue.ErrNotFailed):
		return apperrors.ConflictError(err, "job is not in failed state")
	case errors.Is(err, ErrAlreadyRelayed):
		return apperrors.ConflictError(err, "message was already relayed")
	case err != nil:
		return apperrors.GeneralError(err)
	}

	apphttp.WriteJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "status": string(queue.StatusPending)})
	return nil
}

func (h *HTTP) messageStatus(w http.ResponseWriter, r *http.Request) error {
	rec, err := h.service.MessageStatus(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, idempotency.ErrNotFound) {
		return apperrors.ResourceNotFoundError(err, "message not found")
	}
	if err != nil {
		return apperrors.GeneralError(err)
	}
	apphttp.WriteJSON(w, http.StatusOK, rec)
	return nil
}
