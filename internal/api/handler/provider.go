package handler

import (
	"net/http"

	"github.com/edvin/certflow/internal/api/response"
	"github.com/edvin/certflow/internal/provider"
)

type Provider struct {
	registry *provider.Registry
}

func NewProvider(registry *provider.Registry) *Provider {
	return &Provider{registry: registry}
}

type providerInfo struct {
	Name         string                `json:"name"`
	Capabilities provider.Capabilities `json:"capabilities"`
}

// List returns the configured providers and their capabilities.
func (h *Provider) List(w http.ResponseWriter, r *http.Request) {
	names := h.registry.Available()
	infos := make([]providerInfo, 0, len(names))
	for _, name := range names {
		caps, err := h.registry.CapabilitiesOf(name)
		if err != nil {
			continue
		}
		infos = append(infos, providerInfo{Name: name, Capabilities: caps})
	}
	response.WriteJSON(w, http.StatusOK, infos)
}

// Health returns cached provider health; ?force=true re-probes every
// CA before answering.
func (h *Provider) Health(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	health := h.registry.HealthCheck(r.Context(), force)
	response.WriteJSON(w, http.StatusOK, health)
}
