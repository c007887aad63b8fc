package gamification

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/penbosso/IntLearn-sub000/internal/platform/httpx"
	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

// Handler wires quiz result and badge endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

// MountRoutes registers gamification routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/quizzes/{id}/results", h.recordResult)
	r.Get("/me/badges", h.listBadges)
}

type quizResultRequest struct {
	Score *int `json:"score" validate:"required,min=0,max=100"`
}

func (h *Handler) recordResult(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	var req quizResultRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.RecordQuizResult(r.Context(), actor, chi.URLParam(r, "id"), *req.Score)
	if err != nil {
		h.logger.WarnContext(r.Context(), "record quiz result", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) listBadges(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	badges, err := h.service.ListBadges(r.Context(), actor.UID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": badges})
}
