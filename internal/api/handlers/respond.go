package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/service/tracker"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to an OperationOutcome. Unknown errors are
// logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, tracker.ErrInvalidInput):
		middleware.WriteOutcome(w, http.StatusBadRequest, "invalid", err.Error())
	case errors.Is(err, tracker.ErrNotFound):
		middleware.WriteOutcome(w, http.StatusNotFound, "not-found", err.Error())
	case errors.Is(err, dose.ErrAlreadyRecorded):
		middleware.WriteOutcome(w, http.StatusConflict, "duplicate", err.Error())
	case errors.Is(err, dose.ErrNoIdentity):
		middleware.WriteOutcome(w, http.StatusUnprocessableEntity, "business-rule", err.Error())
	default:
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		middleware.WriteOutcome(w, http.StatusInternalServerError, "exception", "internal server error")
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	middleware.WriteOutcome(w, http.StatusBadRequest, "invalid", msg)
}
