package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/certflow/internal/api/request"
	"github.com/edvin/certflow/internal/api/response"
	"github.com/edvin/certflow/internal/core"
)

type Certificate struct {
	svc *core.LifecycleService
}

func NewCertificate(svc *core.LifecycleService) *Certificate {
	return &Certificate{svc: svc}
}

// Request starts issuance of a new certificate.
func (h *Certificate) Request(w http.ResponseWriter, r *http.Request) {
	var req request.RequestCertificate
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	cert, err := h.svc.RequestIssuance(r.Context(), core.IssuanceRequest{
		SubscriptionID: req.SubscriptionID,
		Domain:         req.Domain,
		CertType:       req.CertType,
		Provider:       req.Provider,
		ValidationType: req.ValidationType,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusAccepted, cert)
}

// Get returns one certificate.
func (h *Certificate) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	cert, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, cert)
}

// ListBySubscription lists a subscription's certificates.
func (h *Certificate) ListBySubscription(w http.ResponseWriter, r *http.Request) {
	subID, err := request.RequireID(chi.URLParam(r, "subscriptionID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	pg := request.ParsePagination(r)
	certs, hasMore, err := h.svc.ListBySubscription(r.Context(), subID, pg.Limit, pg.Cursor)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var nextCursor string
	if hasMore && len(certs) > 0 {
		nextCursor = certs[len(certs)-1].ID
	}
	response.WritePaginated(w, http.StatusOK, certs, nextCursor, hasMore)
}

// Renew starts a renewal for an issued certificate.
func (h *Certificate) Renew(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The body is optional; an empty body means a plain renewal.
	var req request.RenewCertificate
	if r.ContentLength > 0 {
		if err := request.Decode(r, &req); err != nil {
			response.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	replacement, err := h.svc.Renew(r.Context(), id, req.Force)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, replacement)
}

// Revoke revokes a certificate at its CA.
func (h *Certificate) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.RevokeCertificate
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.Revoke(r.Context(), id, req.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Download returns the stored certificate material. The private key is
// included only when include_key=true is passed explicitly.
func (h *Certificate) Download(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	includeKey := r.URL.Query().Get("include_key") == "true"
	bundle, err := h.svc.Download(r.Context(), id, includeKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, bundle)
}

// ListChallenges returns the pending validation challenges for a
// certificate so the domain owner knows what to publish.
func (h *Certificate) ListChallenges(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	challenges, err := h.svc.ListChallenges(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, challenges)
}

// ChallengePublished reports that a domain-control proof is in place
// and wakes the issuance workflow.
func (h *Certificate) ChallengePublished(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.ChallengePublished
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.ChallengePublished(r.Context(), id, req.Token); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
