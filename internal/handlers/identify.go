package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"bitespeed/internal/domainerrors"
	"bitespeed/internal/models"
)

// Reconciler resolves an identify request into a consolidated contact view.
type Reconciler interface {
	Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error)
}

// IdentifyHandler handles the /identify endpoint
type IdentifyHandler struct {
	service Reconciler
	logger  *slog.Logger
}

// NewIdentifyHandler creates a new identify handler
func NewIdentifyHandler(service Reconciler, logger *slog.Logger) *IdentifyHandler {
	return &IdentifyHandler{
		service: service,
		logger:  logger,
	}
}

// Handle processes the identify request
func (h *IdentifyHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := RequestIDFromContext(ctx)

	var req models.IdentifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error:            "request_too_large",
				ErrorDescription: "request body too large",
			})
			return
		}
		h.logger.WarnContext(ctx, "failed to decode identify request",
			"error", err,
			"request_id", requestID,
		)
		writeError(w, domainerrors.Wrap(err, domainerrors.CodeValidation, "invalid JSON body"))
		return
	}

	response, err := h.service.Identify(ctx, req)
	if err != nil {
		if statusFor(domainerrors.CodeOf(err)) >= http.StatusInternalServerError {
			h.logger.ErrorContext(ctx, "identify request failed",
				"error", err,
				"code", domainerrors.CodeOf(err),
				"request_id", requestID,
			)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}
