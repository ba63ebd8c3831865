package handler

import (
	"errors"
	"net/http"

	"github.com/edvin/certflow/internal/api/response"
	"github.com/edvin/certflow/internal/core"
)

// writeServiceError maps core service errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrValidation):
		response.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrDuplicateRequest):
		response.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrNotEligible):
		response.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrDomainLimitExceeded):
		response.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, core.ErrSubscriptionInactive):
		response.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, core.ErrProviderUnavailable):
		response.WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
