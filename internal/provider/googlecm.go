package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edvin/certflow/internal/model"
)

// GoogleCM is the adapter for a Google Certificate Manager style cloud
// API. Certificates are pre-validated through the cloud load balancer,
// so issuance skips domain-control challenges and goes straight to
// processing.
type GoogleCM struct {
	baseURL string
	project string
	token   string
	client  *http.Client
}

// NewGoogleCM creates the adapter for the given project. token is an
// OAuth2 bearer token supplied by the deployment environment.
func NewGoogleCM(baseURL, project, token string) *GoogleCM {
	return &GoogleCM{
		baseURL: baseURL,
		project: project,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GoogleCM) Name() string { return "googlecm" }

func (g *GoogleCM) Capabilities() Capabilities {
	return Capabilities{
		ValidationTypes:   []string{model.ChallengeDNS01},
		CertTypes:         []string{model.CertTypeDV},
		AutoRenewal:       true,
		Cost:              CostPremium,
		DownloadFormats:   []string{FormatPEM},
		RenewalWindowDays: 21,
		PlatformAffinity:  []string{"gcp"},
	}
}

type googleCMCertificate struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Description string `json:"description,omitempty"`
	ExpireTime  string `json:"expireTime,omitempty"`
	CreateTime  string `json:"createTime,omitempty"`
	Managed     struct {
		State       string   `json:"state"`
		Domains     []string `json:"domains"`
		Certificate string   `json:"pemCertificate,omitempty"`
	} `json:"managed"`
}

func (g *GoogleCM) certName(certificateID string) string {
	return fmt.Sprintf("projects/%s/locations/global/certificates/cert-%s", g.project, certificateID)
}

func (g *GoogleCM) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	name := g.certName(req.CertificateID)
	body := map[string]any{
		"name":    name,
		"managed": map[string]any{"domains": []string{req.Domain}},
	}

	var cert googleCMCertificate
	if err := g.do(ctx, http.MethodPost, "/v1/"+name, body, &cert); err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(cert)
	return &IssueResult{
		ExternalRef: name,
		Status:      model.StatusProcessing,
		Raw:         raw,
	}, nil
}

func (g *GoogleCM) Poll(ctx context.Context, externalRef string) (*PollResult, error) {
	var cert googleCMCertificate
	if err := g.do(ctx, http.MethodGet, "/v1/"+externalRef, nil, &cert); err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(cert)
	res := &PollResult{Detail: cert.Description, Raw: raw}

	switch strings.ToUpper(cert.Managed.State) {
	case "PROVISIONING", "":
		res.Status = model.StatusProcessing
	case "ACTIVE":
		res.Status = model.StatusIssued
		if t, err := time.Parse(time.RFC3339, cert.CreateTime); err == nil {
			res.IssuedAt = &t
		}
		if t, err := time.Parse(time.RFC3339, cert.ExpireTime); err == nil {
			res.ExpiresAt = &t
		}
	case "FAILED":
		res.Status = model.StatusFailed
	default:
		return nil, fmt.Errorf("googlecm: unknown managed state %q", cert.Managed.State)
	}
	return res, nil
}

func (g *GoogleCM) Download(ctx context.Context, externalRef, format string) (*CertificateMaterial, error) {
	var cert googleCMCertificate
	if err := g.do(ctx, http.MethodGet, "/v1/"+externalRef, nil, &cert); err != nil {
		return nil, err
	}
	if cert.Managed.Certificate == "" {
		return nil, fmt.Errorf("googlecm: certificate %s is not downloadable yet", externalRef)
	}
	return &CertificateMaterial{CertPEM: cert.Managed.Certificate, Format: FormatPEM}, nil
}

func (g *GoogleCM) Revoke(ctx context.Context, externalRef, reason string) error {
	err := g.do(ctx, http.MethodDelete, "/v1/"+externalRef, nil, nil)
	if err != nil && strings.Contains(err.Error(), "404") {
		return ErrAlreadyRevoked
	}
	return err
}

func (g *GoogleCM) TestConnection(ctx context.Context) (*ConnectionInfo, error) {
	start := time.Now()
	path := fmt.Sprintf("/v1/projects/%s/locations/global/certificates", g.project)
	if err := g.do(ctx, http.MethodGet, path, nil, nil); err != nil {
		return nil, err
	}
	return &ConnectionInfo{
		Success:     true,
		Latency:     time.Since(start),
		AccountInfo: "project " + g.project,
	}, nil
}

func (g *GoogleCM) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("googlecm: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("googlecm: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Transientf("googlecm: %s %s: %w", method, path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Transientf("googlecm: %s %s returned %d", method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("googlecm: %s %s returned %d: %s", method, path, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("googlecm: decode response: %w", err)
		}
	}
	return nil
}
