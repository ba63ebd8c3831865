package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/certflow/internal/api/request"
	"github.com/edvin/certflow/internal/api/response"
	"github.com/edvin/certflow/internal/core"
)

type Eab struct {
	svc *core.EabService
}

func NewEab(svc *core.EabService) *Eab {
	return &Eab{svc: svc}
}

// Create mints an EAB credential. The MAC key in the response is shown
// exactly once; subsequent reads return the credential without it.
func (h *Eab) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateEabCredential
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	cred, err := h.svc.Create(r.Context(), req.SubscriptionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, cred)
}

// ListBySubscription lists a subscription's EAB credentials.
func (h *Eab) ListBySubscription(w http.ResponseWriter, r *http.Request) {
	subID, err := request.RequireID(chi.URLParam(r, "subscriptionID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	creds, err := h.svc.ListBySubscription(r.Context(), subID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, creds)
}

// Revoke permanently revokes an EAB credential and deactivates any
// ACME accounts registered with it.
func (h *Eab) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.Revoke(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
