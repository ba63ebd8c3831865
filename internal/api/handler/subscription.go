package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/certflow/internal/api/request"
	"github.com/edvin/certflow/internal/api/response"
	"github.com/edvin/certflow/internal/core"
	"github.com/edvin/certflow/internal/model"
)

type Subscription struct {
	svc     *core.SubscriptionService
	cascade *core.CascadeService
}

func NewSubscription(svc *core.SubscriptionService, cascade *core.CascadeService) *Subscription {
	return &Subscription{svc: svc, cascade: cascade}
}

// Create registers a subscription with the platform.
func (h *Subscription) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateSubscription
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := &model.Subscription{
		ID:              req.ID,
		CustomerID:      req.CustomerID,
		Name:            req.Name,
		MaxDomains:      req.MaxDomains,
		DefaultProvider: req.DefaultProvider,
	}
	if err := h.svc.Create(r.Context(), sub); err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, sub)
}

// Get returns one subscription.
func (h *Subscription) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, sub)
}

// List lists subscriptions for a customer.
func (h *Subscription) List(w http.ResponseWriter, r *http.Request) {
	customerID := r.URL.Query().Get("customer_id")
	if customerID == "" {
		response.WriteError(w, http.StatusBadRequest, "customer_id query parameter is required")
		return
	}

	pg := request.ParsePagination(r)
	subs, hasMore, err := h.svc.ListByCustomer(r.Context(), customerID, pg.Limit, pg.Cursor)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var nextCursor string
	if hasMore && len(subs) > 0 {
		nextCursor = subs[len(subs)-1].ID
	}
	response.WritePaginated(w, http.StatusOK, subs, nextCursor, hasMore)
}

// Event ingests a billing-side subscription status transition and runs
// the certificate cascade. Delivery is at-least-once; redelivered
// events collapse into no-ops.
func (h *Subscription) Event(w http.ResponseWriter, r *http.Request) {
	var req request.SubscriptionEvent
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := h.cascade.HandleTransition(r.Context(), model.SubscriptionEvent{
		SubscriptionID: req.SubscriptionID,
		OldStatus:      req.OldStatus,
		NewStatus:      req.NewStatus,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
