package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edvin/certflow/internal/acmeengine"
	"github.com/edvin/certflow/internal/model"
)

// ACME adapts the ACME engine to the provider contract. The engine owns
// the protocol state machine; this adapter only maps shapes.
type ACME struct {
	name   string
	engine *acmeengine.Engine
}

// NewACME wraps an engine as a registry adapter.
func NewACME(name string, engine *acmeengine.Engine) *ACME {
	return &ACME{name: name, engine: engine}
}

func (a *ACME) Name() string { return a.name }

func (a *ACME) Capabilities() Capabilities {
	return Capabilities{
		ValidationTypes:   []string{model.ChallengeHTTP01, model.ChallengeDNS01},
		CertTypes:         []string{model.CertTypeDV},
		AutoRenewal:       true,
		Cost:              CostFree,
		DownloadFormats:   []string{FormatPEM},
		RenewalWindowDays: 30,
	}
}

func (a *ACME) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	result, err := a.engine.CreateOrder(ctx, req.SubscriptionID, req.CertificateID, []string{req.Domain}, req.CSR)
	if err != nil {
		return nil, err
	}

	challenges := make([]Challenge, 0, len(result.Challenges))
	for _, chal := range result.Challenges {
		challenges = append(challenges, Challenge{
			Method:    chal.Type,
			Token:     chal.Token,
			Response:  chal.KeyAuth,
			ExpiresAt: result.Order.ExpiresAt,
		})
	}

	raw, _ := json.Marshal(result.Order)
	return &IssueResult{
		ExternalRef: result.Order.OrderURL,
		Status:      model.StatusPendingValidation,
		Challenges:  challenges,
		Raw:         raw,
	}, nil
}

func (a *ACME) Poll(ctx context.Context, externalRef string) (*PollResult, error) {
	status, err := a.engine.PollOrder(ctx, externalRef)
	if err != nil {
		return nil, err
	}

	switch status {
	case model.OrderPending:
		return &PollResult{Status: model.StatusPendingValidation}, nil
	case model.OrderProcessing:
		return &PollResult{Status: model.StatusProcessing}, nil
	case model.OrderReady, model.OrderValid:
		bundle, err := a.engine.Finalize(ctx, externalRef)
		if err != nil {
			return nil, err
		}
		return &PollResult{
			Status:    model.StatusIssued,
			IssuedAt:  &bundle.IssuedAt,
			ExpiresAt: &bundle.NotAfter,
		}, nil
	case model.OrderInvalid:
		order, err := a.engine.OrderByURL(ctx, externalRef)
		if err != nil {
			return nil, err
		}
		detail := "acme order invalid"
		if order.ErrorDetail != nil {
			detail = *order.ErrorDetail
		}
		return &PollResult{Status: model.StatusFailed, Detail: detail}, nil
	default:
		return nil, fmt.Errorf("acme: unknown order status %q", status)
	}
}

func (a *ACME) Download(ctx context.Context, externalRef, format string) (*CertificateMaterial, error) {
	order, err := a.engine.OrderByURL(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if order.CertPEM == "" {
		return nil, fmt.Errorf("acme: order %s has no certificate to download", order.ID)
	}
	return &CertificateMaterial{
		CertPEM:  order.CertPEM,
		ChainPEM: order.ChainPEM,
		Format:   FormatPEM,
	}, nil
}

func (a *ACME) Revoke(ctx context.Context, externalRef, reason string) error {
	return a.engine.Revoke(ctx, externalRef, reason)
}

func (a *ACME) TestConnection(ctx context.Context) (*ConnectionInfo, error) {
	start := time.Now()
	if err := a.engine.Ping(ctx); err != nil {
		return nil, Transient(err)
	}
	return &ConnectionInfo{Success: true, Latency: time.Since(start)}, nil
}

// NotifyChallengeReady forwards the published-proof signal to the CA.
func (a *ACME) NotifyChallengeReady(ctx context.Context, externalRef, token string) error {
	return a.engine.ChallengeReady(ctx, externalRef, token)
}
