package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/certflow/internal/crypto"
	"github.com/edvin/certflow/internal/model"
	"github.com/edvin/certflow/internal/platform"
)

// AcmeStore persists the ACME engine's protocol state. It satisfies
// acmeengine.Store.
type AcmeStore struct {
	db        DB
	secretKey []byte
}

func NewAcmeStore(db DB, secretKey []byte) *AcmeStore {
	return &AcmeStore{db: db, secretKey: secretKey}
}

const acmeAccountColumns = `id, subscription_id, provider, account_url, contact, key_pem_enc, eab_credential_id, status, created_at, updated_at`

func scanAcmeAccount(row pgx.Row) (*model.AcmeAccount, error) {
	var a model.AcmeAccount
	err := row.Scan(&a.ID, &a.SubscriptionID, &a.Provider, &a.AccountURL, &a.Contact,
		&a.KeyPEMEnc, &a.EabCredentialID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AcmeStore) AccountBySubscription(ctx context.Context, subscriptionID, provider string) (*model.AcmeAccount, error) {
	acct, err := scanAcmeAccount(s.db.QueryRow(ctx,
		`SELECT `+acmeAccountColumns+` FROM acme_accounts
		 WHERE subscription_id = $1 AND provider = $2 AND status = $3
		 ORDER BY created_at DESC LIMIT 1`,
		subscriptionID, provider, model.AcmeAccountActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get acme account: %w", err)
	}
	return acct, nil
}

func (s *AcmeStore) CreateAccount(ctx context.Context, acct *model.AcmeAccount) error {
	if acct.ID == "" {
		acct.ID = platform.NewID()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	_, err := s.db.Exec(ctx,
		`INSERT INTO acme_accounts (id, subscription_id, provider, account_url, contact, key_pem_enc, eab_credential_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		acct.ID, acct.SubscriptionID, acct.Provider, acct.AccountURL, acct.Contact,
		acct.KeyPEMEnc, acct.EabCredentialID, acct.Status, acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert acme account: %w", err)
	}
	return nil
}

func (s *AcmeStore) DeactivateAccountsByCredential(ctx context.Context, credentialID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE acme_accounts SET status = $1, updated_at = now()
		 WHERE eab_credential_id = $2 AND status = $3`,
		model.AcmeAccountDeactivated, credentialID, model.AcmeAccountActive,
	)
	if err != nil {
		return fmt.Errorf("deactivate accounts for credential %s: %w", credentialID, err)
	}
	return nil
}

func (s *AcmeStore) ActiveEabCredential(ctx context.Context, subscriptionID string) (*model.EabCredential, error) {
	cred, err := scanEabCredential(s.db.QueryRow(ctx,
		`SELECT c.id, c.subscription_id, c.key_id, c.mac_key_enc, c.status, c.used_at, c.revoked_at, c.created_at, c.updated_at
		 FROM eab_credentials c
		 JOIN subscriptions s ON s.id = c.subscription_id
		 WHERE c.subscription_id = $1 AND c.status = $2 AND s.status = $3
		 ORDER BY c.created_at DESC LIMIT 1`,
		subscriptionID, model.EabActive, model.SubscriptionActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active eab credential: %w", err)
	}
	mac, err := crypto.Decrypt(cred.MACKey, s.secretKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt eab mac key: %w", err)
	}
	cred.MACKey = string(mac)
	return cred, nil
}

// CredentialUsable re-checks a credential at order time: it must still
// be active and so must its owning subscription. A revoked credential
// therefore stops its accounts even if the account row hasn't been
// deactivated yet.
func (s *AcmeStore) CredentialUsable(ctx context.Context, credentialID string) (bool, error) {
	var usable bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM eab_credentials c
		     JOIN subscriptions s ON s.id = c.subscription_id
		     WHERE c.id = $1 AND c.status = $2 AND s.status = $3)`,
		credentialID, model.EabActive, model.SubscriptionActive,
	).Scan(&usable)
	if err != nil {
		return false, fmt.Errorf("check eab credential %s: %w", credentialID, err)
	}
	return usable, nil
}

func (s *AcmeStore) MarkCredentialUsed(ctx context.Context, credentialID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE eab_credentials SET used_at = COALESCE(used_at, now()), updated_at = now() WHERE id = $1`,
		credentialID,
	)
	if err != nil {
		return fmt.Errorf("mark eab credential used: %w", err)
	}
	return nil
}

const acmeOrderColumns = `id, account_id, certificate_id, order_url, finalize_url, status, identifiers, error_detail, expires_at, csr, cert_pem, chain_pem, issued_at, not_after, created_at, updated_at`

func scanAcmeOrder(row pgx.Row) (*model.AcmeOrder, error) {
	var o model.AcmeOrder
	err := row.Scan(&o.ID, &o.AccountID, &o.CertificateID, &o.OrderURL, &o.FinalizeURL,
		&o.Status, &o.Identifiers, &o.ErrorDetail, &o.ExpiresAt, &o.CSR,
		&o.CertPEM, &o.ChainPEM, &o.IssuedAt, &o.NotAfter, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *AcmeStore) CreateOrder(ctx context.Context, order *model.AcmeOrder, authzs []model.AcmeAuthorization, challenges []model.AcmeChallenge) error {
	now := time.Now().UTC()
	if order.ID == "" {
		order.ID = platform.NewID()
	}
	order.CreatedAt = now
	order.UpdatedAt = now
	_, err := s.db.Exec(ctx,
		`INSERT INTO acme_orders (id, account_id, certificate_id, order_url, finalize_url, status, identifiers, error_detail, expires_at, csr, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		order.ID, order.AccountID, order.CertificateID, order.OrderURL, order.FinalizeURL,
		order.Status, order.Identifiers, order.ErrorDetail, order.ExpiresAt, order.CSR,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert acme order: %w", err)
	}

	for i := range authzs {
		a := &authzs[i]
		if a.ID == "" {
			a.ID = platform.NewID()
		}
		a.OrderID = order.ID
		_, err := s.db.Exec(ctx,
			`INSERT INTO acme_authorizations (id, order_id, identifier, authz_url, status, expires_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ID, a.OrderID, a.Identifier, a.AuthzURL, a.Status, a.ExpiresAt, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert acme authorization: %w", err)
		}
	}
	for i := range challenges {
		c := &challenges[i]
		if c.ID == "" {
			c.ID = platform.NewID()
		}
		_, err := s.db.Exec(ctx,
			`INSERT INTO acme_challenges (id, authz_id, type, challenge_url, token, key_auth, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, c.AuthzID, c.Type, c.ChallengeURL, c.Token, c.KeyAuth, c.Status, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert acme challenge: %w", err)
		}
	}
	return nil
}

func (s *AcmeStore) OrderByURL(ctx context.Context, orderURL string) (*model.AcmeOrder, error) {
	order, err := scanAcmeOrder(s.db.QueryRow(ctx,
		`SELECT `+acmeOrderColumns+` FROM acme_orders WHERE order_url = $1`, orderURL))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: acme order %s", ErrNotFound, orderURL)
	}
	if err != nil {
		return nil, fmt.Errorf("get acme order: %w", err)
	}
	return order, nil
}

func (s *AcmeStore) OrderByCertificate(ctx context.Context, certificateID string) (*model.AcmeOrder, error) {
	order, err := scanAcmeOrder(s.db.QueryRow(ctx,
		`SELECT `+acmeOrderColumns+` FROM acme_orders
		 WHERE certificate_id = $1 ORDER BY created_at DESC LIMIT 1`, certificateID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no acme order for certificate %s", ErrNotFound, certificateID)
	}
	if err != nil {
		return nil, fmt.Errorf("get acme order by certificate: %w", err)
	}
	return order, nil
}

func (s *AcmeStore) AccountByOrder(ctx context.Context, orderID string) (*model.AcmeAccount, error) {
	acct, err := scanAcmeAccount(s.db.QueryRow(ctx,
		`SELECT a.id, a.subscription_id, a.provider, a.account_url, a.contact, a.key_pem_enc, a.eab_credential_id, a.status, a.created_at, a.updated_at
		 FROM acme_accounts a
		 JOIN acme_orders o ON o.account_id = a.id
		 WHERE o.id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no account for acme order %s", ErrNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account for acme order: %w", err)
	}
	return acct, nil
}

func (s *AcmeStore) AuthorizationsByOrder(ctx context.Context, orderID string) ([]model.AcmeAuthorization, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, order_id, identifier, authz_url, status, expires_at, created_at, updated_at
		 FROM acme_authorizations WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list acme authorizations: %w", err)
	}
	defer rows.Close()

	var out []model.AcmeAuthorization
	for rows.Next() {
		var a model.AcmeAuthorization
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Identifier, &a.AuthzURL, &a.Status,
			&a.ExpiresAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan acme authorization: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate acme authorizations: %w", err)
	}
	return out, nil
}

func (s *AcmeStore) ChallengesByAuthorization(ctx context.Context, authzID string) ([]model.AcmeChallenge, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, authz_id, type, challenge_url, token, key_auth, status, created_at, updated_at
		 FROM acme_challenges WHERE authz_id = $1 ORDER BY id`, authzID)
	if err != nil {
		return nil, fmt.Errorf("list acme challenges: %w", err)
	}
	defer rows.Close()

	var out []model.AcmeChallenge
	for rows.Next() {
		var c model.AcmeChallenge
		if err := rows.Scan(&c.ID, &c.AuthzID, &c.Type, &c.ChallengeURL, &c.Token,
			&c.KeyAuth, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan acme challenge: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate acme challenges: %w", err)
	}
	return out, nil
}

func (s *AcmeStore) UpdateAuthorizationStatus(ctx context.Context, authzID, status string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE acme_authorizations SET status = $1, updated_at = now() WHERE id = $2`,
		status, authzID,
	)
	if err != nil {
		return fmt.Errorf("update acme authorization %s: %w", authzID, err)
	}
	return nil
}

func (s *AcmeStore) UpdateChallengeStatus(ctx context.Context, challengeID, status string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE acme_challenges SET status = $1, updated_at = now() WHERE id = $2`,
		status, challengeID,
	)
	if err != nil {
		return fmt.Errorf("update acme challenge %s: %w", challengeID, err)
	}
	return nil
}

func (s *AcmeStore) UpdateOrderStatus(ctx context.Context, orderID, status string, errDetail *string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE acme_orders SET status = $1, error_detail = COALESCE($2, error_detail), updated_at = now() WHERE id = $3`,
		status, errDetail, orderID,
	)
	if err != nil {
		return fmt.Errorf("update acme order %s: %w", orderID, err)
	}
	return nil
}

func (s *AcmeStore) SetOrderCertificate(ctx context.Context, orderID, certPEM, chainPEM string, issuedAt, notAfter time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE acme_orders SET cert_pem = $1, chain_pem = $2, issued_at = $3, not_after = $4, updated_at = now()
		 WHERE id = $5`,
		certPEM, chainPEM, issuedAt, notAfter, orderID,
	)
	if err != nil {
		return fmt.Errorf("store acme order certificate: %w", err)
	}
	return nil
}
