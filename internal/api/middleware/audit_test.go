package middleware

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractResource_SimplePath(t *testing.T) {
	resType, resID := extractResource("/api/v1/certificates")
	assert.NotNil(t, resType)
	assert.Equal(t, "certificates", *resType)
	assert.Nil(t, resID)
}

func TestExtractResource_WithID(t *testing.T) {
	resType, resID := extractResource("/api/v1/certificates/abc-123")
	assert.NotNil(t, resType)
	assert.Equal(t, "certificates", *resType)
	assert.NotNil(t, resID)
	assert.Equal(t, "abc-123", *resID)
}

func TestExtractResource_Nested(t *testing.T) {
	resType, resID := extractResource("/api/v1/subscriptions/abc/certificates/def")
	assert.NotNil(t, resType)
	assert.Equal(t, "certificates", *resType)
	assert.NotNil(t, resID)
	assert.Equal(t, "def", *resID)
}

func TestExtractResource_NestedNoID(t *testing.T) {
	resType, resID := extractResource("/api/v1/subscriptions/abc/certificates")
	assert.NotNil(t, resType)
	assert.Equal(t, "certificates", *resType)
	assert.Nil(t, resID)
}

func TestSanitizeBody(t *testing.T) {
	body := []byte(`{"domain":"shop.example.com","token":"proof-123","key_pem":"---BEGIN---"}`)
	sanitized := sanitizeBody(body)

	var result map[string]any
	json.Unmarshal(sanitized, &result)
	assert.Equal(t, "shop.example.com", result["domain"])
	assert.Equal(t, "[REDACTED]", result["token"])
	assert.Equal(t, "[REDACTED]", result["key_pem"])
}

func TestSanitizeBody_NotJSON(t *testing.T) {
	body := []byte("not json")
	assert.Equal(t, json.RawMessage(body), sanitizeBody(body))
}
