package core

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/certflow/internal/crypto"
	"github.com/edvin/certflow/internal/metrics"
	"github.com/edvin/certflow/internal/model"
	"github.com/edvin/certflow/internal/platform"
)

// The methods in this file are the transition surface used by workflow
// activities and the cron sweeps. They all go through the same guarded
// UPDATE discipline as the API-facing operations.

// MarkValidationPending records the provider's challenge demands and
// moves the certificate from requested to pending_validation.
func (s *LifecycleService) MarkValidationPending(ctx context.Context, certID, externalRef string, challenges []model.ValidationChallenge, raw []byte) error {
	unlock := s.locks.Lock(certID)
	defer unlock()

	tag, err := s.db.Exec(ctx,
		`UPDATE certificates
		 SET status = $1, external_ref = $2, provider_response = $3, updated_at = now()
		 WHERE id = $4 AND status = $5`,
		model.StatusPendingValidation, externalRef, raw, certID, model.StatusRequested,
	)
	if err != nil {
		return fmt.Errorf("mark certificate %s pending validation: %w", certID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: certificate %s is not in requested", ErrNotEligible, certID)
	}
	metrics.CertTransitions.WithLabelValues(model.StatusRequested, model.StatusPendingValidation).Inc()

	now := time.Now().UTC()
	for _, ch := range challenges {
		_, err := s.db.Exec(ctx,
			`INSERT INTO validation_challenges (id, certificate_id, method, token, response, status, expires_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			platform.NewID(), certID, ch.Method, ch.Token, ch.Response,
			model.ChallengePending, ch.ExpiresAt, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert validation challenge: %w", err)
		}
	}
	return nil
}

// MarkProcessing moves a certificate into processing once the CA is
// working on it. Pre-validated providers skip pending_validation, so
// both requested and pending_validation are legal origins.
func (s *LifecycleService) MarkProcessing(ctx context.Context, certID, externalRef string, raw []byte) error {
	unlock := s.locks.Lock(certID)
	defer unlock()

	tag, err := s.db.Exec(ctx,
		`UPDATE certificates
		 SET status = $1, external_ref = COALESCE(NULLIF($2, ''), external_ref),
		     provider_response = COALESCE($3, provider_response), updated_at = now()
		 WHERE id = $4 AND status = ANY($5)`,
		model.StatusProcessing, externalRef, raw, certID,
		[]string{model.StatusRequested, model.StatusPendingValidation},
	)
	if err != nil {
		return fmt.Errorf("mark certificate %s processing: %w", certID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: certificate %s is not awaiting processing", ErrNotEligible, certID)
	}
	metrics.CertTransitions.WithLabelValues("any", model.StatusProcessing).Inc()

	_, err = s.db.Exec(ctx,
		`UPDATE validation_challenges SET status = $1, updated_at = now()
		 WHERE certificate_id = $2 AND status = $3`,
		model.ChallengeValid, certID, model.ChallengeProcessing,
	)
	if err != nil {
		return fmt.Errorf("settle validation challenges: %w", err)
	}
	return nil
}

// StoreKey encrypts and stores the private key generated for an
// issuance attempt. It is written before the CSR leaves the process so
// an issued certificate always has its key on record.
func (s *LifecycleService) StoreKey(ctx context.Context, certID string, keyPEM []byte) error {
	enc, err := crypto.Encrypt(keyPEM, s.secretKey)
	if err != nil {
		return fmt.Errorf("encrypt certificate key: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`UPDATE certificates SET key_pem_enc = $1, updated_at = now() WHERE id = $2`,
		enc, certID,
	)
	if err != nil {
		return fmt.Errorf("store certificate key: %w", err)
	}
	return nil
}

// IssuedMaterial is the payload StoreIssued persists.
type IssuedMaterial struct {
	CertPEM   string
	ChainPEM  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Raw       []byte
}

// StoreIssued persists issued certificate material and completes the
// issuance transition.
func (s *LifecycleService) StoreIssued(ctx context.Context, certID string, m IssuedMaterial) error {
	unlock := s.locks.Lock(certID)
	defer unlock()

	cert, err := s.GetByID(ctx, certID)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE certificates
		 SET status = $1, status_message = NULL, cert_pem = $2, chain_pem = $3,
		     issued_at = $4, expires_at = $5,
		     provider_response = COALESCE($6, provider_response), updated_at = now()
		 WHERE id = $7 AND status = ANY($8)`,
		model.StatusIssued, m.CertPEM, m.ChainPEM, m.IssuedAt, m.ExpiresAt,
		m.Raw, certID,
		// A webhook may beat the poll loop to the issued transition; the
		// material write is still welcome then.
		[]string{model.StatusProcessing, model.StatusIssued},
	)
	if err != nil {
		return fmt.Errorf("store issued certificate %s: %w", certID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: certificate %s is not in processing", ErrNotEligible, certID)
	}
	metrics.CertTransitions.WithLabelValues(model.StatusProcessing, model.StatusIssued).Inc()
	metrics.IssuanceDuration.WithLabelValues(cert.Provider).Observe(m.IssuedAt.Sub(cert.CreatedAt).Seconds())
	return nil
}

// MarkFailed ends an issuance attempt with a diagnostic message.
func (s *LifecycleService) MarkFailed(ctx context.Context, certID, message string) error {
	unlock := s.locks.Lock(certID)
	defer unlock()

	tag, err := s.db.Exec(ctx,
		`UPDATE certificates SET status = $1, status_message = $2, updated_at = now()
		 WHERE id = $3 AND status = ANY($4)`,
		model.StatusFailed, message, certID, model.InFlightStatuses(),
	)
	if err != nil {
		return fmt.Errorf("mark certificate %s failed: %w", certID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: certificate %s is not in flight", ErrNotEligible, certID)
	}
	metrics.CertTransitions.WithLabelValues("any", model.StatusFailed).Inc()
	return nil
}

// CompleteRenewal supersedes the old certificate once its replacement
// is issued, linking the two rows.
func (s *LifecycleService) CompleteRenewal(ctx context.Context, oldID, newID string) error {
	unlock := s.locks.Lock(oldID)
	defer unlock()

	tag, err := s.db.Exec(ctx,
		`UPDATE certificates SET status = $1, renewed_by = $2, updated_at = now()
		 WHERE id = $3 AND status = $4`,
		model.StatusSuperseded, newID, oldID, model.StatusRenewalPending,
	)
	if err != nil {
		return fmt.Errorf("supersede certificate %s: %w", oldID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: certificate %s is not in renewal_pending", ErrNotEligible, oldID)
	}
	metrics.CertTransitions.WithLabelValues(model.StatusRenewalPending, model.StatusSuperseded).Inc()
	return nil
}

// AbortRenewal puts the old certificate back into service after a
// failed renewal run. The original stays valid; the scheduler will try
// again on its next scan.
func (s *LifecycleService) AbortRenewal(ctx context.Context, oldID string) error {
	unlock := s.locks.Lock(oldID)
	defer unlock()
	return s.transition(ctx, oldID, model.StatusIssued, model.StatusRenewalPending)
}

// CancelRenewal stops an in-progress renewal without failing the
// original certificate. Used by the subscription cascade when a
// subscription leaves active status mid-renewal.
func (s *LifecycleService) CancelRenewal(ctx context.Context, oldID string) error {
	cert, err := s.GetByID(ctx, oldID)
	if err != nil {
		return err
	}
	if cert.Status != model.StatusRenewalPending {
		return nil
	}
	if err := s.tc.CancelWorkflow(ctx, renewWorkflowID(oldID), ""); err != nil {
		s.logger.Warn().Err(err).Str("certificate_id", oldID).Msg("cancel renewal workflow")
	}

	// The replacement is the in-flight certificate on the same domain.
	rows, err := s.db.Query(ctx,
		`SELECT id FROM certificates
		 WHERE subscription_id = $1 AND domain = $2 AND status = ANY($3)`,
		cert.SubscriptionID, cert.Domain, model.InFlightStatuses(),
	)
	if err != nil {
		return fmt.Errorf("find renewal replacement: %w", err)
	}
	defer rows.Close()
	var replacementIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan replacement id: %w", err)
		}
		replacementIDs = append(replacementIDs, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate replacements: %w", err)
	}
	for _, id := range replacementIDs {
		if err := s.Terminate(ctx, id); err != nil {
			return err
		}
	}

	unlock := s.locks.Lock(oldID)
	defer unlock()
	return s.transition(ctx, oldID, model.StatusIssued, model.StatusRenewalPending)
}

// MarkExpiring flags an issued certificate approaching its expiry.
func (s *LifecycleService) MarkExpiring(ctx context.Context, certID string) error {
	unlock := s.locks.Lock(certID)
	defer unlock()
	return s.transition(ctx, certID, model.StatusExpiring, model.StatusIssued)
}

// MarkExpired retires a certificate whose expiry has passed.
func (s *LifecycleService) MarkExpired(ctx context.Context, certID string) error {
	unlock := s.locks.Lock(certID)
	defer unlock()
	return s.transition(ctx, certID, model.StatusExpired, model.StatusExpiring)
}

// Terminate force-ends a certificate as part of a subscription
// cancellation. Legal from any non-terminal status; a no-op when the
// certificate already ended some other way.
func (s *LifecycleService) Terminate(ctx context.Context, certID string) error {
	unlock := s.locks.Lock(certID)
	defer unlock()

	cert, err := s.GetByID(ctx, certID)
	if err != nil {
		return err
	}
	if model.IsTerminalStatus(cert.Status) {
		return nil
	}
	if isInFlight(cert.Status) {
		if err := s.tc.CancelWorkflow(ctx, issueWorkflowID(cert.ID), ""); err != nil {
			s.logger.Warn().Err(err).Str("certificate_id", cert.ID).Msg("cancel issuance workflow on terminate")
		}
	}
	return s.transition(ctx, certID, model.StatusTerminated, cert.Status)
}

// MarkRemoved is the final record-keeping step of a subscription
// cancellation, applied after the audit snapshot is archived.
func (s *LifecycleService) MarkRemoved(ctx context.Context, certID string) error {
	unlock := s.locks.Lock(certID)
	defer unlock()

	cert, err := s.GetByID(ctx, certID)
	if err != nil {
		return err
	}
	if cert.Status == model.StatusRemoved {
		return nil
	}
	return s.transition(ctx, certID, model.StatusRemoved, cert.Status)
}

// ListByStatuses returns a subscription's certificates in any of the
// given statuses, for cascade fan-out.
func (s *LifecycleService) ListByStatuses(ctx context.Context, subscriptionID string, statuses []string) ([]model.Certificate, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+certColumns+` FROM certificates
		 WHERE subscription_id = $1 AND status = ANY($2) ORDER BY id`,
		subscriptionID, statuses,
	)
	if err != nil {
		return nil, fmt.Errorf("list certificates by status: %w", err)
	}
	defer rows.Close()

	var certs []model.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		certs = append(certs, *cert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return certs, nil
}

// ListRenewalCandidates returns issued or expiring certificates of
// active subscriptions that sit inside their provider's renewal window.
// Certificates already in renewal_pending never match.
func (s *LifecycleService) ListRenewalCandidates(ctx context.Context, maxWindowDays int) ([]model.Certificate, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+certColumns+` FROM certificates c
		 WHERE c.status = ANY($1)
		   AND c.expires_at IS NOT NULL
		   AND c.expires_at <= now() + ($2 || ' days')::interval
		   AND EXISTS (SELECT 1 FROM subscriptions s WHERE s.id = c.subscription_id AND s.status = $3)
		 ORDER BY c.expires_at`,
		[]string{model.StatusIssued, model.StatusExpiring}, fmt.Sprint(maxWindowDays), model.SubscriptionActive,
	)
	if err != nil {
		return nil, fmt.Errorf("scan renewal candidates: %w", err)
	}
	defer rows.Close()

	var out []model.Certificate
	now := time.Now().UTC()
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		window := time.Duration(s.renewalWindowDays(cert.Provider)) * 24 * time.Hour
		if cert.ExpiresAt != nil && now.After(cert.ExpiresAt.Add(-window)) {
			out = append(out, *cert)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate renewal candidates: %w", err)
	}
	return out, nil
}

// ListExpiringSoon returns issued certificates whose expiry falls
// within the given number of days.
func (s *LifecycleService) ListExpiringSoon(ctx context.Context, days int) ([]string, error) {
	return s.listIDs(ctx,
		`SELECT id FROM certificates
		 WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= now() + ($2 || ' days')::interval
		 ORDER BY id`,
		model.StatusIssued, fmt.Sprint(days))
}

// ListExpired returns expiring certificates whose expiry has passed.
func (s *LifecycleService) ListExpired(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx,
		`SELECT id FROM certificates
		 WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= now()
		 ORDER BY id`,
		model.StatusExpiring)
}

func (s *LifecycleService) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list certificate ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan certificate id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificate ids: %w", err)
	}
	return ids, nil
}

// ListStuckValidation returns certificates that have waited in
// pending_validation past every challenge's expiry or past the cutoff.
func (s *LifecycleService) ListStuckValidation(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.listIDs(ctx,
		`SELECT c.id FROM certificates c
		 WHERE c.status = $1
		   AND (c.updated_at < $2
		        OR NOT EXISTS (
		            SELECT 1 FROM validation_challenges v
		            WHERE v.certificate_id = c.id
		              AND (v.expires_at IS NULL OR v.expires_at > now())))
		 ORDER BY c.id`,
		model.StatusPendingValidation, cutoff)
}

// ListChallenges returns the validation challenges recorded for a
// certificate.
func (s *LifecycleService) ListChallenges(ctx context.Context, certID string) ([]model.ValidationChallenge, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, certificate_id, method, token, response, status, expires_at, created_at, updated_at
		 FROM validation_challenges WHERE certificate_id = $1 ORDER BY id`,
		certID,
	)
	if err != nil {
		return nil, fmt.Errorf("list challenges for certificate %s: %w", certID, err)
	}
	defer rows.Close()

	var out []model.ValidationChallenge
	for rows.Next() {
		var ch model.ValidationChallenge
		if err := rows.Scan(&ch.ID, &ch.CertificateID, &ch.Method, &ch.Token, &ch.Response,
			&ch.Status, &ch.ExpiresAt, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan challenge: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate challenges: %w", err)
	}
	return out, nil
}

// MarkChallenge updates one challenge's status by token.
func (s *LifecycleService) MarkChallenge(ctx context.Context, certID, token, status string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE validation_challenges SET status = $1, updated_at = now()
		 WHERE certificate_id = $2 AND token = $3`,
		status, certID, token,
	)
	if err != nil {
		return fmt.Errorf("mark challenge %s: %w", token, err)
	}
	return nil
}
