package acmeengine

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme"

	cryptoutil "github.com/edvin/certflow/internal/crypto"
	"github.com/edvin/certflow/internal/model"
	"github.com/edvin/certflow/internal/platform"
)

// ErrEabRequired is returned when the directory demands external account
// binding but the subscription has no usable credential.
var ErrEabRequired = errors.New("no usable EAB credential for subscription")

// ErrEabRevoked is returned when an account's bound credential is no
// longer usable. Revocation is permanent; the account cannot place new
// orders.
var ErrEabRevoked = errors.New("EAB credential revoked; account unusable")

// ErrOrderNotReady is returned by Finalize when authorizations are still
// outstanding.
var ErrOrderNotReady = errors.New("order has pending authorizations")

// challengeTTL bounds how long a published proof stays acceptable before
// the engine treats the challenge as expired.
const challengeTTL = 7 * 24 * time.Hour

// Engine drives the RFC 8555 account/order/authorization/challenge state
// machine for ACME-class providers, including RFC 8739 external account
// binding.
type Engine struct {
	provider   string
	contact    string
	requireEAB bool
	secretKey  []byte
	store      Store
	newClient  NewClientFunc
	logger     zerolog.Logger
}

// Config holds the engine's static configuration.
type Config struct {
	// Provider is the registry name the engine serves, e.g. "acme".
	Provider string
	// Contact is the mailto address registered on new accounts.
	Contact string
	// RequireEAB demands an external account binding on registration.
	RequireEAB bool
	// SecretKey encrypts account keys at rest.
	SecretKey []byte
}

// New creates an engine over the given store and wire client factory.
func New(cfg Config, store Store, newClient NewClientFunc, logger zerolog.Logger) *Engine {
	return &Engine{
		provider:   cfg.Provider,
		contact:    cfg.Contact,
		requireEAB: cfg.RequireEAB,
		secretKey:  cfg.SecretKey,
		store:      store,
		newClient:  newClient,
		logger:     logger.With().Str("component", "acme-engine").Logger(),
	}
}

// Bundle is an issued certificate with its chain.
type Bundle struct {
	CertPEM  string
	ChainPEM string
	IssuedAt time.Time
	NotAfter time.Time
}

// EnsureAccount returns the subscription's ACME account, registering one
// on first use. When EAB is required the registration is signed with the
// subscription's MAC credential and usage is recorded on it.
func (e *Engine) EnsureAccount(ctx context.Context, subscriptionID string) (*model.AcmeAccount, crypto.Signer, error) {
	acct, err := e.store.AccountBySubscription(ctx, subscriptionID, e.provider)
	if err != nil {
		return nil, nil, fmt.Errorf("load acme account: %w", err)
	}
	if acct != nil {
		if err := e.checkAccountUsable(ctx, acct); err != nil {
			return nil, nil, err
		}
		key, err := e.decryptKey(acct.KeyPEMEnc)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypt account key: %w", err)
		}
		return acct, key, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate account key: %w", err)
	}

	req := &acme.Account{Contact: []string{"mailto:" + e.contact}}
	var cred *model.EabCredential
	if e.requireEAB {
		cred, err = e.store.ActiveEabCredential(ctx, subscriptionID)
		if err != nil {
			return nil, nil, fmt.Errorf("load EAB credential: %w", err)
		}
		if cred == nil {
			return nil, nil, ErrEabRequired
		}
		macKey, err := base64.RawURLEncoding.DecodeString(cred.MACKey)
		if err != nil {
			return nil, nil, fmt.Errorf("decode EAB MAC key: %w", err)
		}
		req.ExternalAccountBinding = &acme.ExternalAccountBinding{
			KID: cred.KeyID,
			Key: macKey,
		}
	}

	client := e.newClient(key)
	registered, err := client.Register(ctx, req, acme.AcceptTOS)
	if err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return nil, nil, fmt.Errorf("register acme account: %w", err)
	}

	keyEnc, err := e.encryptKey(key)
	if err != nil {
		return nil, nil, err
	}

	acct = &model.AcmeAccount{
		ID:             platform.NewID(),
		SubscriptionID: subscriptionID,
		Provider:       e.provider,
		Contact:        e.contact,
		KeyPEMEnc:      keyEnc,
		Status:         model.AcmeAccountActive,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if registered != nil {
		acct.AccountURL = registered.URI
	}
	if cred != nil {
		acct.EabCredentialID = &cred.ID
	}
	if err := e.store.CreateAccount(ctx, acct); err != nil {
		return nil, nil, fmt.Errorf("persist acme account: %w", err)
	}
	if cred != nil {
		if err := e.store.MarkCredentialUsed(ctx, cred.ID); err != nil {
			return nil, nil, fmt.Errorf("record EAB credential use: %w", err)
		}
	}

	e.logger.Info().Str("subscription_id", subscriptionID).Str("account_url", acct.AccountURL).Msg("registered acme account")
	return acct, key, nil
}

// checkAccountUsable rejects accounts whose bound EAB credential is no
// longer usable, regardless of the account row's own status field.
func (e *Engine) checkAccountUsable(ctx context.Context, acct *model.AcmeAccount) error {
	if acct.Status != model.AcmeAccountActive {
		return ErrEabRevoked
	}
	if acct.EabCredentialID == nil {
		return nil
	}
	usable, err := e.store.CredentialUsable(ctx, *acct.EabCredentialID)
	if err != nil {
		return fmt.Errorf("check EAB credential: %w", err)
	}
	if !usable {
		return ErrEabRevoked
	}
	return nil
}

// OrderResult is the outcome of CreateOrder: the persisted order plus
// the challenges the domain owner must satisfy.
type OrderResult struct {
	Order      *model.AcmeOrder
	Challenges []model.AcmeChallenge
}

// CreateOrder submits a new order for the identifiers and persists one
// pending authorization per identifier, each owning its offered http-01
// and dns-01 challenges.
func (e *Engine) CreateOrder(ctx context.Context, subscriptionID, certificateID string, identifiers []string, csr []byte) (*OrderResult, error) {
	acct, key, err := e.EnsureAccount(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	client := e.newClient(key)

	ids := make([]acme.AuthzID, 0, len(identifiers))
	for _, d := range identifiers {
		ids = append(ids, acme.AuthzID{Type: "dns", Value: d})
	}
	wireOrder, err := client.AuthorizeOrder(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("authorize order: %w", err)
	}

	now := time.Now()
	expires := now.Add(challengeTTL)
	order := &model.AcmeOrder{
		ID:            platform.NewID(),
		AccountID:     acct.ID,
		CertificateID: certificateID,
		OrderURL:      wireOrder.URI,
		FinalizeURL:   wireOrder.FinalizeURL,
		Status:        model.OrderPending,
		Identifiers:   identifiers,
		CSR:           csr,
		ExpiresAt:     &expires,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var authzs []model.AcmeAuthorization
	var challenges []model.AcmeChallenge
	for _, authzURL := range wireOrder.AuthzURLs {
		wireAuthz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, fmt.Errorf("get authorization %s: %w", authzURL, err)
		}

		authz := model.AcmeAuthorization{
			ID:         platform.NewID(),
			OrderID:    order.ID,
			Identifier: wireAuthz.Identifier.Value,
			AuthzURL:   authzURL,
			Status:     model.AuthzPending,
			ExpiresAt:  &expires,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		authzs = append(authzs, authz)

		for _, wireChal := range wireAuthz.Challenges {
			var keyAuth string
			switch wireChal.Type {
			case model.ChallengeHTTP01:
				keyAuth, err = client.HTTP01ChallengeResponse(wireChal.Token)
			case model.ChallengeDNS01:
				keyAuth, err = client.DNS01ChallengeRecord(wireChal.Token)
			default:
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("compute key authorization: %w", err)
			}
			challenges = append(challenges, model.AcmeChallenge{
				ID:           platform.NewID(),
				AuthzID:      authz.ID,
				Type:         wireChal.Type,
				ChallengeURL: wireChal.URI,
				Token:        wireChal.Token,
				KeyAuth:      keyAuth,
				Status:       model.ChallengePending,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
		}
	}

	if err := e.store.CreateOrder(ctx, order, authzs, challenges); err != nil {
		return nil, fmt.Errorf("persist acme order: %w", err)
	}
	return &OrderResult{Order: order, Challenges: challenges}, nil
}

// ChallengeReady tells the CA that the proof for the challenge with the
// given token has been published. New orders on the account are refused
// while the bound EAB credential is unusable.
func (e *Engine) ChallengeReady(ctx context.Context, orderURL, token string) error {
	order, _, client, err := e.orderClient(ctx, orderURL)
	if err != nil {
		return err
	}

	authzs, err := e.store.AuthorizationsByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("load authorizations: %w", err)
	}
	for _, authz := range authzs {
		challenges, err := e.store.ChallengesByAuthorization(ctx, authz.ID)
		if err != nil {
			return fmt.Errorf("load challenges: %w", err)
		}
		for _, chal := range challenges {
			if chal.Token != token {
				continue
			}
			if _, err := client.Accept(ctx, &acme.Challenge{URI: chal.ChallengeURL, Token: chal.Token, Type: chal.Type}); err != nil {
				return fmt.Errorf("accept challenge: %w", err)
			}
			return e.store.UpdateChallengeStatus(ctx, chal.ID, model.ChallengeProcessing)
		}
	}
	return fmt.Errorf("no challenge with token %q on order %s", token, order.ID)
}

// PollOrder re-reads every non-final authorization from the CA, applies
// the expiry rule, recomputes the order status, and persists the result.
// An expired or failed authorization fails the whole order.
func (e *Engine) PollOrder(ctx context.Context, orderURL string) (string, error) {
	order, _, client, err := e.orderClient(ctx, orderURL)
	if err != nil {
		return "", err
	}
	if order.Status == model.OrderValid || order.Status == model.OrderInvalid {
		return order.Status, nil
	}

	authzs, err := e.store.AuthorizationsByOrder(ctx, order.ID)
	if err != nil {
		return "", fmt.Errorf("load authorizations: %w", err)
	}

	var errDetail *string
	statuses := make([]string, 0, len(authzs))
	for _, authz := range authzs {
		status := authz.Status
		if status == model.AuthzPending {
			status, err = e.pollAuthorization(ctx, client, &authz)
			if err != nil {
				return "", err
			}
			if status == model.AuthzInvalid && errDetail == nil {
				detail := fmt.Sprintf("authorization for %s failed validation", authz.Identifier)
				errDetail = &detail
			}
		}
		statuses = append(statuses, status)
	}

	derived := model.DeriveOrderStatus(statuses)
	if derived != order.Status {
		if err := e.store.UpdateOrderStatus(ctx, order.ID, derived, errDetail); err != nil {
			return "", fmt.Errorf("update order status: %w", err)
		}
	}
	return derived, nil
}

// pollAuthorization fetches one authorization's current state and
// persists challenge/authorization updates.
func (e *Engine) pollAuthorization(ctx context.Context, client Client, authz *model.AcmeAuthorization) (string, error) {
	if authz.ExpiresAt != nil && time.Now().After(*authz.ExpiresAt) {
		if err := e.store.UpdateAuthorizationStatus(ctx, authz.ID, model.AuthzExpired); err != nil {
			return "", err
		}
		return model.AuthzExpired, nil
	}

	wireAuthz, err := client.GetAuthorization(ctx, authz.AuthzURL)
	if err != nil {
		return "", fmt.Errorf("get authorization %s: %w", authz.AuthzURL, err)
	}

	// Mirror per-challenge statuses for diagnostics.
	challenges, err := e.store.ChallengesByAuthorization(ctx, authz.ID)
	if err != nil {
		return "", err
	}
	for _, chal := range challenges {
		for _, wireChal := range wireAuthz.Challenges {
			if wireChal.Token != chal.Token || wireChal.Status == "" || wireChal.Status == chal.Status {
				continue
			}
			if err := e.store.UpdateChallengeStatus(ctx, chal.ID, wireChal.Status); err != nil {
				return "", err
			}
		}
	}

	status := authz.Status
	switch wireAuthz.Status {
	case acme.StatusValid:
		status = model.AuthzValid
	case acme.StatusInvalid, acme.StatusRevoked, acme.StatusDeactivated:
		status = model.AuthzInvalid
	case acme.StatusExpired:
		status = model.AuthzExpired
	default:
		return model.AuthzPending, nil
	}
	if status != authz.Status {
		if err := e.store.UpdateAuthorizationStatus(ctx, authz.ID, status); err != nil {
			return "", err
		}
	}
	return status, nil
}

// Finalize submits the stored CSR once every authorization is valid and
// downloads the issued chain. The bundle is recorded on the order.
func (e *Engine) Finalize(ctx context.Context, orderURL string) (*Bundle, error) {
	order, _, client, err := e.orderClient(ctx, orderURL)
	if err != nil {
		return nil, err
	}
	if order.Status == model.OrderValid {
		// Already finalized; serve the recorded bundle.
		return bundleFromOrder(order)
	}
	if order.Status != model.OrderReady {
		return nil, ErrOrderNotReady
	}

	if _, err := client.WaitOrder(ctx, order.OrderURL); err != nil {
		return nil, fmt.Errorf("wait order: %w", err)
	}

	chainDER, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, order.CSR, true)
	if err != nil {
		detail := err.Error()
		_ = e.store.UpdateOrderStatus(ctx, order.ID, model.OrderInvalid, &detail)
		return nil, fmt.Errorf("finalize order: %w", err)
	}

	var certPEM, chainPEM []byte
	for i, der := range chainDER {
		block := &pem.Block{Type: "CERTIFICATE", Bytes: der}
		if i == 0 {
			certPEM = pem.EncodeToMemory(block)
		} else {
			chainPEM = append(chainPEM, pem.EncodeToMemory(block)...)
		}
	}

	leaf, err := x509.ParseCertificate(chainDER[0])
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}

	if err := e.store.SetOrderCertificate(ctx, order.ID, string(certPEM), string(chainPEM), leaf.NotBefore, leaf.NotAfter); err != nil {
		return nil, fmt.Errorf("record issued certificate: %w", err)
	}
	if err := e.store.UpdateOrderStatus(ctx, order.ID, model.OrderValid, nil); err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}

	return &Bundle{
		CertPEM:  string(certPEM),
		ChainPEM: string(chainPEM),
		IssuedAt: leaf.NotBefore,
		NotAfter: leaf.NotAfter,
	}, nil
}

// Revoke asks the CA to revoke the order's issued certificate.
func (e *Engine) Revoke(ctx context.Context, orderURL, reason string) error {
	order, key, client, err := e.orderClient(ctx, orderURL)
	if err != nil {
		return err
	}
	if order.CertPEM == "" {
		return fmt.Errorf("order %s has no issued certificate", order.ID)
	}
	block, _ := pem.Decode([]byte(order.CertPEM))
	if block == nil {
		return fmt.Errorf("decode certificate PEM for order %s", order.ID)
	}
	if err := client.RevokeCert(ctx, key, block.Bytes, acme.CRLReasonUnspecified); err != nil {
		return fmt.Errorf("revoke certificate: %w", err)
	}
	return nil
}

// OrderByURL exposes the persisted order for adapters.
func (e *Engine) OrderByURL(ctx context.Context, orderURL string) (*model.AcmeOrder, error) {
	order, err := e.store.OrderByURL(ctx, orderURL)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("no acme order with URL %s", orderURL)
	}
	return order, nil
}

// Ping checks directory reachability with a throwaway key.
func (e *Engine) Ping(ctx context.Context) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate probe key: %w", err)
	}
	if _, err := e.newClient(key).Discover(ctx); err != nil {
		return fmt.Errorf("discover acme directory: %w", err)
	}
	return nil
}

func (e *Engine) orderClient(ctx context.Context, orderURL string) (*model.AcmeOrder, crypto.Signer, Client, error) {
	order, err := e.OrderByURL(ctx, orderURL)
	if err != nil {
		return nil, nil, nil, err
	}
	_, key, err := e.accountForOrder(ctx, order)
	if err != nil {
		return nil, nil, nil, err
	}
	return order, key, e.newClient(key), nil
}

func (e *Engine) accountForOrder(ctx context.Context, order *model.AcmeOrder) (*model.AcmeAccount, crypto.Signer, error) {
	acct, err := e.store.AccountByOrder(ctx, order.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load account for order %s: %w", order.ID, err)
	}
	key, err := e.decryptKey(acct.KeyPEMEnc)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt account key: %w", err)
	}
	return acct, key, nil
}

func (e *Engine) encryptKey(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal account key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	enc, err := cryptoutil.Encrypt(keyPEM, e.secretKey)
	if err != nil {
		return "", fmt.Errorf("encrypt account key: %w", err)
	}
	return enc, nil
}

func (e *Engine) decryptKey(enc string) (crypto.Signer, error) {
	keyPEM, err := cryptoutil.Decrypt(enc, e.secretKey)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("decode account key PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse account key: %w", err)
	}
	return key, nil
}

func bundleFromOrder(order *model.AcmeOrder) (*Bundle, error) {
	if order.CertPEM == "" || order.IssuedAt == nil || order.NotAfter == nil {
		return nil, fmt.Errorf("order %s marked valid but has no certificate recorded", order.ID)
	}
	return &Bundle{
		CertPEM:  order.CertPEM,
		ChainPEM: order.ChainPEM,
		IssuedAt: *order.IssuedAt,
		NotAfter: *order.NotAfter,
	}, nil
}
