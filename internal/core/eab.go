package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/certflow/internal/crypto"
	"github.com/edvin/certflow/internal/model"
	"github.com/edvin/certflow/internal/platform"
)

const eabColumns = `id, subscription_id, key_id, mac_key_enc, status, used_at, revoked_at, created_at, updated_at`

// EabService manages external account binding credentials. Revoking a
// credential is permanent and immediately disables every ACME account
// registered with it.
type EabService struct {
	db        DB
	secretKey []byte
	logger    zerolog.Logger
}

func NewEabService(db DB, secretKey []byte, logger zerolog.Logger) *EabService {
	return &EabService{
		db:        db,
		secretKey: secretKey,
		logger:    logger.With().Str("service", "eab").Logger(),
	}
}

// Create mints a credential for a subscription: a random key ID and a
// 256-bit MAC key, stored encrypted. The returned credential carries
// the plaintext base64url MAC key; this is the only time it is visible.
func (s *EabService) Create(ctx context.Context, subscriptionID string) (*model.EabCredential, error) {
	sub, err := getSubscription(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.AcceptsCertificateWork() {
		return nil, fmt.Errorf("%w: subscription %s is %s", ErrSubscriptionInactive, sub.ID, sub.Status)
	}

	kid := make([]byte, 16)
	if _, err := rand.Read(kid); err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}
	mac := make([]byte, 32)
	if _, err := rand.Read(mac); err != nil {
		return nil, fmt.Errorf("generate mac key: %w", err)
	}
	macB64 := base64.RawURLEncoding.EncodeToString(mac)

	enc, err := crypto.Encrypt([]byte(macB64), s.secretKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt mac key: %w", err)
	}

	now := time.Now().UTC()
	cred := &model.EabCredential{
		ID:             platform.NewID(),
		SubscriptionID: subscriptionID,
		KeyID:          hex.EncodeToString(kid),
		MACKey:         macB64,
		Status:         model.EabActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO eab_credentials (id, subscription_id, key_id, mac_key_enc, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cred.ID, cred.SubscriptionID, cred.KeyID, enc, cred.Status, cred.CreatedAt, cred.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert eab credential: %w", err)
	}
	s.logger.Info().Str("credential_id", cred.ID).Str("subscription_id", subscriptionID).
		Msg("eab credential created")
	return cred, nil
}

func (s *EabService) GetByID(ctx context.Context, id string) (*model.EabCredential, error) {
	cred, err := scanEabCredential(s.db.QueryRow(ctx,
		`SELECT `+eabColumns+` FROM eab_credentials WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: eab credential %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get eab credential %s: %w", id, err)
	}
	cred.MACKey = ""
	return cred, nil
}

func (s *EabService) ListBySubscription(ctx context.Context, subscriptionID string) ([]model.EabCredential, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+eabColumns+` FROM eab_credentials WHERE subscription_id = $1 ORDER BY id`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list eab credentials: %w", err)
	}
	defer rows.Close()

	var out []model.EabCredential
	for rows.Next() {
		cred, err := scanEabCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan eab credential: %w", err)
		}
		cred.MACKey = ""
		out = append(out, *cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eab credentials: %w", err)
	}
	return out, nil
}

// Revoke permanently retires a credential and deactivates every ACME
// account registered through it. There is no undo.
func (s *EabService) Revoke(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE eab_credentials SET status = $1, revoked_at = now(), updated_at = now()
		 WHERE id = $2 AND status = $3`,
		model.EabRevoked, id, model.EabActive,
	)
	if err != nil {
		return fmt.Errorf("revoke eab credential %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Already revoked or never existed; distinguish for the caller.
		var exists bool
		if qerr := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM eab_credentials WHERE id = $1)`, id).Scan(&exists); qerr != nil {
			return fmt.Errorf("check eab credential %s: %w", id, qerr)
		}
		if !exists {
			return fmt.Errorf("%w: eab credential %s", ErrNotFound, id)
		}
		return nil
	}

	_, err = s.db.Exec(ctx,
		`UPDATE acme_accounts SET status = $1, updated_at = now()
		 WHERE eab_credential_id = $2 AND status = $3`,
		model.AcmeAccountDeactivated, id, model.AcmeAccountActive,
	)
	if err != nil {
		return fmt.Errorf("deactivate accounts for credential %s: %w", id, err)
	}
	s.logger.Info().Str("credential_id", id).Msg("eab credential revoked, bound accounts deactivated")
	return nil
}

func scanEabCredential(row pgx.Row) (*model.EabCredential, error) {
	var c model.EabCredential
	err := row.Scan(&c.ID, &c.SubscriptionID, &c.KeyID, &c.MACKey, &c.Status,
		&c.UsedAt, &c.RevokedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
