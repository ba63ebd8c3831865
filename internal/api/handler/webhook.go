package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/certflow/internal/api/response"
	"github.com/edvin/certflow/internal/core"
	"github.com/edvin/certflow/internal/model"
)

// Webhook ingests provider status callbacks. Each provider posts to its
// own path and signs the body with a shared secret; deliveries with a
// bad signature change no state.
type Webhook struct {
	lifecycle *core.LifecycleService
	// secrets maps provider name to its HMAC secret.
	secrets map[string]string
	logger  zerolog.Logger
}

func NewWebhook(lifecycle *core.LifecycleService, secrets map[string]string, logger zerolog.Logger) *Webhook {
	return &Webhook{lifecycle: lifecycle, secrets: secrets, logger: logger}
}

// webhookPayload is the normalized callback body. Provider-specific
// field names are mapped by the edge that configures the webhook.
type webhookPayload struct {
	ExternalRef string          `json:"external_ref"`
	Status      string          `json:"status"`
	Detail      string          `json:"detail,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Receive verifies and applies one provider callback. Events the
// reconciler drops (duplicates, stale timestamps, unknown references)
// are still acknowledged so the provider stops redelivering them.
func (h *Webhook) Receive(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	secret, ok := h.secrets[providerName]
	if !ok {
		response.WriteError(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, "read body")
		return
	}

	if !verifySignature(body, r.Header.Get("X-Webhook-Signature"), secret) {
		h.logger.Warn().Str("provider", providerName).Msg("webhook signature mismatch")
		response.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		response.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if payload.ExternalRef == "" || payload.Status == "" {
		response.WriteError(w, http.StatusBadRequest, "external_ref and status are required")
		return
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}

	err = h.lifecycle.ReconcileExternalStatus(r.Context(), providerName, model.ProviderEvent{
		ExternalRef: payload.ExternalRef,
		NewStatus:   payload.Status,
		Detail:      payload.Detail,
		Timestamp:   payload.Timestamp,
		Raw:         payload.Raw,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func verifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
