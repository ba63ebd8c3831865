package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/edvin/certflow/internal/model"
)

// GoGetSSL is the adapter for the GoGetSSL reseller REST API. Orders go
// through domain-control validation (file or DNS) before the CA issues.
type GoGetSSL struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewGoGetSSL creates the adapter. baseURL is the API root, e.g.
// "https://my.gogetssl.com/api".
func NewGoGetSSL(baseURL, apiKey string) *GoGetSSL {
	return &GoGetSSL{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GoGetSSL) Name() string { return "gogetssl" }

func (g *GoGetSSL) Capabilities() Capabilities {
	return Capabilities{
		ValidationTypes:   []string{model.ChallengeHTTP01, model.ChallengeDNS01},
		CertTypes:         []string{model.CertTypeDV, model.CertTypeOV, model.CertTypeEV},
		AutoRenewal:       false,
		Cost:              CostPaid,
		DownloadFormats:   []string{FormatPEM, FormatPKCS7},
		RenewalWindowDays: 30,
	}
}

type gogetsslOrder struct {
	OrderID     int    `json:"order_id"`
	OrderStatus string `json:"order_status"`
	ValidUntil  string `json:"valid_till,omitempty"`
	ValidFrom   string `json:"valid_from,omitempty"`
	Description string `json:"description,omitempty"`

	Validation struct {
		FileName    string `json:"auth_file_name"`
		FileContent string `json:"auth_file_content"`
		DNSRecord   string `json:"dns_record"`
		DNSValue    string `json:"dns_value"`
	} `json:"validation"`

	CRT   string `json:"crt_code,omitempty"`
	Chain string `json:"ca_code,omitempty"`
}

func (g *GoGetSSL) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	body := map[string]any{
		"csr":           string(req.CSR),
		"dcv_method":    "http",
		"domain":        req.Domain,
		"product_type":  req.CertType,
		"server_count":  -1,
		"period":        12,
		"webserver_type": 1,
	}

	var order gogetsslOrder
	if err := g.do(ctx, http.MethodPost, "/orders/add_ssl_order", body, &order); err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(order)
	res := &IssueResult{
		ExternalRef: fmt.Sprintf("%d", order.OrderID),
		Status:      model.StatusPendingValidation,
		Raw:         raw,
	}

	// The reseller API hands back both DCV variants; the customer picks
	// whichever they can publish.
	expires := time.Now().Add(7 * 24 * time.Hour)
	if order.Validation.FileName != "" {
		res.Challenges = append(res.Challenges, Challenge{
			Method:    model.ChallengeHTTP01,
			Token:     order.Validation.FileName,
			Response:  order.Validation.FileContent,
			ExpiresAt: &expires,
		})
	}
	if order.Validation.DNSRecord != "" {
		res.Challenges = append(res.Challenges, Challenge{
			Method:    model.ChallengeDNS01,
			Token:     order.Validation.DNSRecord,
			Response:  order.Validation.DNSValue,
			ExpiresAt: &expires,
		})
	}
	if len(res.Challenges) == 0 {
		// Pre-validated order, straight to CA processing.
		res.Status = model.StatusProcessing
	}
	return res, nil
}

func (g *GoGetSSL) Poll(ctx context.Context, externalRef string) (*PollResult, error) {
	var order gogetsslOrder
	if err := g.do(ctx, http.MethodGet, "/orders/status/"+externalRef, nil, &order); err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(order)
	res := &PollResult{Detail: order.Description, Raw: raw}

	switch order.OrderStatus {
	case "new", "pending":
		res.Status = model.StatusPendingValidation
	case "processing":
		res.Status = model.StatusProcessing
	case "active", "issued":
		res.Status = model.StatusIssued
		if t, err := time.Parse("2006-01-02 15:04:05", order.ValidFrom); err == nil {
			res.IssuedAt = &t
		}
		if t, err := time.Parse("2006-01-02 15:04:05", order.ValidUntil); err == nil {
			res.ExpiresAt = &t
		}
	case "cancelled", "rejected", "expired":
		res.Status = model.StatusFailed
	case "revoked":
		res.Status = model.StatusRevoked
	default:
		return nil, fmt.Errorf("gogetssl: unknown order status %q", order.OrderStatus)
	}
	return res, nil
}

func (g *GoGetSSL) Download(ctx context.Context, externalRef, format string) (*CertificateMaterial, error) {
	var order gogetsslOrder
	if err := g.do(ctx, http.MethodGet, "/orders/ssl/download/"+externalRef, nil, &order); err != nil {
		return nil, err
	}
	if order.CRT == "" {
		return nil, fmt.Errorf("gogetssl: order %s has no certificate to download", externalRef)
	}
	return &CertificateMaterial{
		CertPEM:  order.CRT,
		ChainPEM: order.Chain,
		Format:   FormatPEM,
	}, nil
}

func (g *GoGetSSL) Revoke(ctx context.Context, externalRef, reason string) error {
	body := map[string]any{"order_id": externalRef, "reason": reason}
	var resp struct {
		Success     bool   `json:"success"`
		Description string `json:"description"`
	}
	err := g.do(ctx, http.MethodPost, "/orders/cancel_ssl_order", body, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		if resp.Description == "Order already cancelled" || resp.Description == "Order already revoked" {
			return ErrAlreadyRevoked
		}
		return fmt.Errorf("gogetssl: revoke rejected: %s", resp.Description)
	}
	return nil
}

func (g *GoGetSSL) TestConnection(ctx context.Context) (*ConnectionInfo, error) {
	start := time.Now()
	var acct struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := g.do(ctx, http.MethodGet, "/account", nil, &acct); err != nil {
		return nil, err
	}
	return &ConnectionInfo{
		Success:     true,
		Latency:     time.Since(start),
		AccountInfo: acct.FirstName + " " + acct.LastName,
	}, nil
}

func (g *GoGetSSL) do(ctx context.Context, method, path string, body, out any) error {
	u := g.baseURL + path + "?auth_key=" + url.QueryEscape(g.apiKey)

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gogetssl: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("gogetssl: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Transientf("gogetssl: %s %s: %w", method, path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return Transientf("gogetssl: %s %s returned %d", method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gogetssl: %s %s returned %d: %s", method, path, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("gogetssl: decode response: %w", err)
		}
	}
	return nil
}
