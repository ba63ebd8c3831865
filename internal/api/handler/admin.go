package handler

import (
	"net/http"

	"github.com/edvin/certflow/internal/api/response"
	"github.com/edvin/certflow/internal/core"
)

type Admin struct {
	svc *core.LifecycleService
}

func NewAdmin(svc *core.LifecycleService) *Admin {
	return &Admin{svc: svc}
}

// RenewalScan starts a renewal scan outside the nightly schedule.
func (h *Admin) RenewalScan(w http.ResponseWriter, r *http.Request) {
	workflowID, err := h.svc.TriggerRenewalScan(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, map[string]string{"workflow_id": workflowID})
}
