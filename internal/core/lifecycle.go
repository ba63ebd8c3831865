package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/certflow/internal/crypto"
	"github.com/edvin/certflow/internal/metrics"
	"github.com/edvin/certflow/internal/model"
	"github.com/edvin/certflow/internal/platform"
	"github.com/edvin/certflow/internal/provider"
)

const taskQueue = "certflow-tasks"

// certColumns is the canonical SELECT list for certificate rows; keep it
// in sync with scanCertificate.
const certColumns = `id, subscription_id, domain, cert_type, provider, external_ref, status,
	status_message, last_event_ref, last_event_at, issued_at, expires_at,
	revoked_reason, revoked_at, suspended_from, provider_response,
	key_pem_enc, cert_pem, chain_pem, renewed_by, created_at, updated_at`

func scanCertificate(row pgx.Row) (*model.Certificate, error) {
	var c model.Certificate
	err := row.Scan(&c.ID, &c.SubscriptionID, &c.Domain, &c.CertType, &c.Provider,
		&c.ExternalRef, &c.Status, &c.StatusMessage, &c.LastEventRef, &c.LastEventAt,
		&c.IssuedAt, &c.ExpiresAt, &c.RevokedReason, &c.RevokedAt, &c.SuspendedFrom,
		&c.ProviderResponse, &c.KeyPEMEnc, &c.CertPEM, &c.ChainPEM, &c.RenewedBy,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LifecycleService is the single writer of certificate state. Every code
// path that mutates a certificate row (API handlers, webhook ingestion,
// workflows via activities, subscription cascades) goes through it.
type LifecycleService struct {
	db        DB
	tc        temporalclient.Client
	reg       *provider.Registry
	logger    zerolog.Logger
	locks     *keyMutex
	secretKey []byte
}

func NewLifecycleService(db DB, tc temporalclient.Client, reg *provider.Registry, secretKey []byte, logger zerolog.Logger) *LifecycleService {
	return &LifecycleService{
		db:        db,
		tc:        tc,
		reg:       reg,
		logger:    logger.With().Str("service", "lifecycle").Logger(),
		locks:     newKeyMutex(),
		secretKey: secretKey,
	}
}

func issueWorkflowID(certID string) string { return fmt.Sprintf("certificate-issue-%s", certID) }
func renewWorkflowID(certID string) string { return fmt.Sprintf("certificate-renew-%s", certID) }

// IssuanceRequest are the caller-supplied parameters for a new
// certificate. Provider is an optional explicit hint; ValidationType
// only steers provider recommendation.
type IssuanceRequest struct {
	SubscriptionID string
	Domain         string
	CertType       string
	Provider       string
	ValidationType string
}

// RequestIssuance creates a certificate in requested status and starts
// its issuance workflow. The workflow ID is derived from the certificate
// ID, so there is never more than one issuance run in flight per
// certificate.
func (s *LifecycleService) RequestIssuance(ctx context.Context, req IssuanceRequest) (*model.Certificate, error) {
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if domain == "" || strings.ContainsAny(domain, " /\\") {
		return nil, fmt.Errorf("%w: invalid domain %q", ErrValidation, req.Domain)
	}
	if !model.ValidCertType(req.CertType) {
		return nil, fmt.Errorf("%w: unknown cert type %q", ErrValidation, req.CertType)
	}

	sub, err := getSubscription(ctx, s.db, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.AcceptsCertificateWork() {
		return nil, fmt.Errorf("%w: subscription %s is %s", ErrSubscriptionInactive, sub.ID, sub.Status)
	}

	providerName, err := s.pickProvider(ctx, sub, req)
	if err != nil {
		return nil, err
	}

	// The partial unique index on live certificates is the cross-process
	// backstop; the lock only keeps local callers from racing the check.
	unlock := s.locks.Lock("issue:" + sub.ID + ":" + domain)
	defer unlock()

	if err := s.checkDomainSlots(ctx, sub, domain); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cert := &model.Certificate{
		ID:             platform.NewID(),
		SubscriptionID: sub.ID,
		Domain:         domain,
		CertType:       req.CertType,
		Provider:       providerName,
		Status:         model.StatusRequested,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.insertCertificate(ctx, cert); err != nil {
		return nil, err
	}

	if err := s.startIssueWorkflow(ctx, cert.ID); err != nil {
		return nil, fmt.Errorf("start %s: %w", model.IssueWorkflowName, err)
	}

	s.logger.Info().Str("certificate_id", cert.ID).Str("domain", domain).
		Str("provider", providerName).Msg("issuance requested")
	return cert, nil
}

func (s *LifecycleService) startIssueWorkflow(ctx context.Context, certID string) error {
	_, err := s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        issueWorkflowID(certID),
		TaskQueue: taskQueue,
	}, model.IssueWorkflowName, model.IssueTask{CertificateID: certID})
	return err
}

// TriggerRenewalScan starts an out-of-schedule renewal scan and returns
// the workflow ID. The scan workflow itself dedups per-certificate work
// through the per-renewal child workflow IDs, so an operator-triggered
// run racing the nightly cron is harmless.
func (s *LifecycleService) TriggerRenewalScan(ctx context.Context) (string, error) {
	workflowID := "renewal-scan-manual-" + platform.NewID()
	_, err := s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: taskQueue,
	}, model.RenewalScanWorkflowName)
	if err != nil {
		return "", fmt.Errorf("start %s: %w", model.RenewalScanWorkflowName, err)
	}
	s.logger.Info().Str("workflow_id", workflowID).Msg("manual renewal scan started")
	return workflowID, nil
}

// pickProvider resolves the issuing CA: explicit hint, then the
// subscription default, then a registry recommendation. Explicit hints
// are honored even when the provider is currently unhealthy.
func (s *LifecycleService) pickProvider(ctx context.Context, sub *model.Subscription, req IssuanceRequest) (string, error) {
	defaultProvider := ""
	if sub.DefaultProvider != nil {
		defaultProvider = *sub.DefaultProvider
	}
	for _, name := range []string{req.Provider, defaultProvider} {
		if name == "" {
			continue
		}
		caps, err := s.reg.CapabilitiesOf(name)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrProviderUnavailable, name)
		}
		if !caps.SupportsCertType(req.CertType) {
			return "", fmt.Errorf("%w: provider %s does not issue %s certificates", ErrValidation, name, req.CertType)
		}
		return name, nil
	}

	name, err := s.reg.Recommend(ctx, provider.Requirements{
		CertType:       req.CertType,
		ValidationType: req.ValidationType,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return name, nil
}

// checkDomainSlots enforces the duplicate-request and domain-quota
// rules against the subscription's live certificates.
func (s *LifecycleService) checkDomainSlots(ctx context.Context, sub *model.Subscription, domain string) error {
	var live int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM certificates
		 WHERE subscription_id = $1 AND domain = $2 AND status = ANY($3)`,
		sub.ID, domain, model.NonTerminalStatuses(),
	).Scan(&live)
	if err != nil {
		return fmt.Errorf("count live certificates: %w", err)
	}
	if live > 0 {
		return fmt.Errorf("%w: %s already has a live certificate", ErrDuplicateRequest, domain)
	}

	var domains int
	err = s.db.QueryRow(ctx,
		`SELECT count(DISTINCT domain) FROM certificates
		 WHERE subscription_id = $1 AND status = ANY($2)`,
		sub.ID, model.NonTerminalStatuses(),
	).Scan(&domains)
	if err != nil {
		return fmt.Errorf("count subscription domains: %w", err)
	}
	if domains >= sub.MaxDomains {
		return fmt.Errorf("%w: %d of %d domain slots used", ErrDomainLimitExceeded, domains, sub.MaxDomains)
	}
	return nil
}

func (s *LifecycleService) insertCertificate(ctx context.Context, cert *model.Certificate) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO certificates (id, subscription_id, domain, cert_type, provider, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cert.ID, cert.SubscriptionID, cert.Domain, cert.CertType, cert.Provider,
		cert.Status, cert.CreatedAt, cert.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s already has a live certificate", ErrDuplicateRequest, cert.Domain)
	}
	if err != nil {
		return fmt.Errorf("insert certificate: %w", err)
	}
	return nil
}

func (s *LifecycleService) GetByID(ctx context.Context, id string) (*model.Certificate, error) {
	cert, err := scanCertificate(s.db.QueryRow(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: certificate %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate %s: %w", id, err)
	}
	return cert, nil
}

func (s *LifecycleService) GetByExternalRef(ctx context.Context, providerName, externalRef string) (*model.Certificate, error) {
	cert, err := scanCertificate(s.db.QueryRow(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE provider = $1 AND external_ref = $2`,
		providerName, externalRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no certificate for %s ref %s", ErrNotFound, providerName, externalRef)
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate by external ref: %w", err)
	}
	return cert, nil
}

func (s *LifecycleService) ListBySubscription(ctx context.Context, subscriptionID string, limit int, cursor string) ([]model.Certificate, bool, error) {
	query := `SELECT ` + certColumns + ` FROM certificates WHERE subscription_id = $1`
	args := []any{subscriptionID}
	argIdx := 2

	if cursor != "" {
		query += fmt.Sprintf(` AND id > $%d`, argIdx)
		args = append(args, cursor)
		argIdx++
	}

	query += ` ORDER BY id`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list certificates for subscription %s: %w", subscriptionID, err)
	}
	defer rows.Close()

	var certs []model.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan certificate: %w", err)
		}
		certs = append(certs, *cert)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate certificates: %w", err)
	}

	hasMore := len(certs) > limit
	if hasMore {
		certs = certs[:limit]
	}
	return certs, hasMore, nil
}

// ReconcileExternalStatus applies one provider event (webhook or poll
// result) to the certificate it references. It is idempotent against
// redelivery and monotonic: duplicate events, events older than the last
// applied one, and events that would move a terminal certificate are
// logged and dropped without touching state.
func (s *LifecycleService) ReconcileExternalStatus(ctx context.Context, providerName string, ev model.ProviderEvent) error {
	cert, err := s.GetByExternalRef(ctx, providerName, ev.ExternalRef)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(providerName, "unknown").Inc()
		return err
	}

	unlock := s.locks.Lock(cert.ID)
	defer unlock()

	// Reload under the lock; another event may have landed since.
	cert, err = s.GetByID(ctx, cert.ID)
	if err != nil {
		return err
	}

	log := s.logger.With().Str("certificate_id", cert.ID).Str("provider", providerName).
		Str("event_status", ev.NewStatus).Time("event_time", ev.Timestamp).Logger()

	eventRef := ev.EventRef()
	switch {
	case cert.LastEventRef != nil && *cert.LastEventRef == eventRef:
		log.Debug().Msg("duplicate provider event ignored")
		metrics.WebhookEvents.WithLabelValues(providerName, "stale").Inc()
		return nil
	case cert.LastEventAt != nil && ev.Timestamp.Before(*cert.LastEventAt):
		log.Info().Time("last_event_at", *cert.LastEventAt).Msg("out-of-order provider event ignored")
		metrics.WebhookEvents.WithLabelValues(providerName, "stale").Inc()
		return nil
	case model.IsTerminalStatus(cert.Status):
		log.Info().Str("status", cert.Status).Msg("provider event for terminal certificate ignored")
		metrics.WebhookEvents.WithLabelValues(providerName, "stale").Inc()
		return nil
	}

	if ev.NewStatus == cert.Status {
		// Same status again, e.g. a progress ping. Record the event so a
		// later redelivery still dedups, change nothing else.
		_, err := s.db.Exec(ctx,
			`UPDATE certificates SET last_event_ref = $1, last_event_at = $2, updated_at = now() WHERE id = $3`,
			eventRef, ev.Timestamp, cert.ID)
		if err != nil {
			return fmt.Errorf("record provider event: %w", err)
		}
		metrics.WebhookEvents.WithLabelValues(providerName, "applied").Inc()
		return nil
	}

	if !model.CanTransition(cert.Status, ev.NewStatus) {
		log.Warn().Str("status", cert.Status).Msg("provider event would make an illegal transition, ignored")
		metrics.WebhookEvents.WithLabelValues(providerName, "rejected").Inc()
		return nil
	}

	set := `status = $1, status_message = NULLIF($2, ''), last_event_ref = $3, last_event_at = $4, updated_at = now()`
	args := []any{ev.NewStatus, ev.Detail, eventRef, ev.Timestamp}
	if len(ev.Raw) > 0 {
		set += fmt.Sprintf(`, provider_response = $%d`, len(args)+1)
		args = append(args, ev.Raw)
	}
	switch ev.NewStatus {
	case model.StatusIssued:
		set += fmt.Sprintf(`, issued_at = COALESCE(issued_at, $%d)`, len(args)+1)
		args = append(args, ev.Timestamp)
	case model.StatusRevoked:
		set += fmt.Sprintf(`, revoked_at = $%d`, len(args)+1)
		args = append(args, ev.Timestamp)
	}
	args = append(args, cert.ID, cert.Status)
	query := fmt.Sprintf(`UPDATE certificates SET %s WHERE id = $%d AND status = $%d`,
		set, len(args)-1, len(args))

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply provider event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		log.Warn().Msg("certificate changed while applying provider event, dropped")
		metrics.WebhookEvents.WithLabelValues(providerName, "stale").Inc()
		return nil
	}

	metrics.WebhookEvents.WithLabelValues(providerName, "applied").Inc()
	metrics.CertTransitions.WithLabelValues(cert.Status, ev.NewStatus).Inc()
	log.Info().Str("from", cert.Status).Msg("provider event applied")
	return nil
}

// Renew moves an issued certificate into a renewal run. The current
// certificate keeps serving in renewal_pending; a replacement is created
// and issued alongside it, and only an issued replacement supersedes the
// original.
func (s *LifecycleService) Renew(ctx context.Context, certID string, force bool) (*model.Certificate, error) {
	cert, err := s.GetByID(ctx, certID)
	if err != nil {
		return nil, err
	}
	sub, err := getSubscription(ctx, s.db, cert.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.AcceptsCertificateWork() {
		return nil, fmt.Errorf("%w: subscription %s is %s", ErrSubscriptionInactive, sub.ID, sub.Status)
	}

	switch cert.Status {
	case model.StatusRenewalPending:
		return nil, fmt.Errorf("%w: renewal already in progress for %s", ErrDuplicateRequest, certID)
	case model.StatusIssued, model.StatusExpiring:
	default:
		return nil, fmt.Errorf("%w: cannot renew a %s certificate", ErrNotEligible, cert.Status)
	}

	if !force {
		if cert.ExpiresAt == nil {
			return nil, fmt.Errorf("%w: certificate %s has no expiry", ErrNotEligible, certID)
		}
		if time.Now().UTC().Before(cert.ExpiresAt.Add(-time.Duration(s.renewalWindowDays(cert.Provider)) * 24 * time.Hour)) {
			return nil, fmt.Errorf("%w: certificate %s is outside its renewal window", ErrNotEligible, certID)
		}
	}

	next, err := s.prepareRenewal(ctx, cert)
	if err != nil {
		return nil, err
	}

	_, err = s.tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        renewWorkflowID(cert.ID),
		TaskQueue: taskQueue,
	}, model.RenewWorkflowName, model.RenewTask{
		OldCertificateID: cert.ID,
		NewCertificateID: next.ID,
	})
	if err != nil {
		s.rollbackRenewal(ctx, cert.ID)
		if terr := s.transition(ctx, next.ID, model.StatusFailed, model.StatusRequested); terr != nil {
			s.logger.Error().Err(terr).Str("certificate_id", next.ID).Msg("orphaned renewal certificate")
		}
		return nil, fmt.Errorf("start %s: %w", model.RenewWorkflowName, err)
	}

	s.logger.Info().Str("certificate_id", cert.ID).Str("replacement_id", next.ID).
		Bool("forced", force).Msg("renewal started")
	return next, nil
}

// prepareRenewal performs the state half of a renewal: the current
// certificate moves to renewal_pending and a replacement row is created
// in requested. Callers start (or are themselves inside) the workflow
// that drives the replacement to issued.
func (s *LifecycleService) prepareRenewal(ctx context.Context, cert *model.Certificate) (*model.Certificate, error) {
	unlock := s.locks.Lock(cert.ID)
	defer unlock()

	if err := s.transition(ctx, cert.ID, model.StatusRenewalPending, cert.Status); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next := &model.Certificate{
		ID:             platform.NewID(),
		SubscriptionID: cert.SubscriptionID,
		Domain:         cert.Domain,
		CertType:       cert.CertType,
		Provider:       cert.Provider,
		Status:         model.StatusRequested,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.insertCertificate(ctx, next); err != nil {
		s.rollbackRenewal(ctx, cert.ID)
		return nil, err
	}
	return next, nil
}

// PrepareScheduledRenewal is the scheduler's entry: it re-validates
// eligibility (the scan result may be stale by the time the workflow
// runs) and creates the replacement certificate without starting a
// workflow. The scheduler dispatches the renewal as a child workflow.
func (s *LifecycleService) PrepareScheduledRenewal(ctx context.Context, certID string) (*model.Certificate, error) {
	cert, err := s.GetByID(ctx, certID)
	if err != nil {
		return nil, err
	}
	sub, err := getSubscription(ctx, s.db, cert.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.AcceptsCertificateWork() {
		return nil, fmt.Errorf("%w: subscription %s is %s", ErrSubscriptionInactive, sub.ID, sub.Status)
	}
	switch cert.Status {
	case model.StatusIssued, model.StatusExpiring:
	default:
		return nil, fmt.Errorf("%w: cannot renew a %s certificate", ErrNotEligible, cert.Status)
	}
	return s.prepareRenewal(ctx, cert)
}

func (s *LifecycleService) rollbackRenewal(ctx context.Context, certID string) {
	if err := s.transition(ctx, certID, model.StatusIssued, model.StatusRenewalPending); err != nil {
		s.logger.Error().Err(err).Str("certificate_id", certID).Msg("renewal rollback failed")
	}
}

func (s *LifecycleService) renewalWindowDays(providerName string) int {
	caps, err := s.reg.CapabilitiesOf(providerName)
	if err != nil || caps.RenewalWindowDays <= 0 {
		return 30
	}
	return caps.RenewalWindowDays
}

// revokeBackoff is the retry budget for provider revocation calls: five
// attempts with exponential backoff starting at two seconds.
func revokeBackoff() retry.Backoff {
	return retry.WithMaxRetries(5, retry.NewExponential(2*time.Second))
}

// Revoke revokes an issued certificate at the CA and locally. The
// provider call gets a bounded retry budget; if the CA never
// acknowledges, the certificate is revoked locally anyway and the
// failure is surfaced in the status message and the log.
func (s *LifecycleService) Revoke(ctx context.Context, certID, reason string) error {
	cert, err := s.GetByID(ctx, certID)
	if err != nil {
		return err
	}
	if cert.Status == model.StatusRevoked {
		return nil
	}
	if !model.CanTransition(cert.Status, model.StatusRevoked) {
		return fmt.Errorf("%w: cannot revoke a %s certificate", ErrNotEligible, cert.Status)
	}
	// A suspended certificate is revocable only when the suspension
	// parked issued material; suspended in-flight work gets terminated
	// instead.
	if cert.Status == model.StatusSuspended &&
		(cert.SuspendedFrom == nil || !model.HoldsLiveMaterial(*cert.SuspendedFrom)) {
		return fmt.Errorf("%w: certificate %s was suspended without issued material", ErrNotEligible, cert.ID)
	}

	ackErr := s.revokeAtProvider(ctx, cert, reason)

	unlock := s.locks.Lock(cert.ID)
	defer unlock()

	statusMessage := ""
	if ackErr != nil {
		statusMessage = fmt.Sprintf("%v: %v", ErrRevocationAck, ackErr)
		metrics.RevokeAckFailures.WithLabelValues(cert.Provider).Inc()
		s.logger.Error().Err(ackErr).Str("certificate_id", cert.ID).
			Str("provider", cert.Provider).Msg("provider did not acknowledge revocation, revoking locally")
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE certificates
		 SET status = $1, status_message = NULLIF($2, ''), revoked_reason = $3, revoked_at = now(), updated_at = now()
		 WHERE id = $4 AND status = ANY($5)`,
		model.StatusRevoked, statusMessage, reason, cert.ID,
		[]string{model.StatusIssued, model.StatusExpiring, model.StatusRenewalPending, model.StatusSuspended},
	)
	if err != nil {
		return fmt.Errorf("revoke certificate %s: %w", cert.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: certificate %s changed during revocation", ErrNotEligible, cert.ID)
	}
	metrics.CertTransitions.WithLabelValues(cert.Status, model.StatusRevoked).Inc()
	return nil
}

func (s *LifecycleService) revokeAtProvider(ctx context.Context, cert *model.Certificate, reason string) error {
	if cert.ExternalRef == nil {
		return nil
	}
	adapter, err := s.reg.Get(cert.Provider)
	if err != nil {
		return err
	}
	release, err := s.reg.Acquire(ctx, cert.Provider)
	if err != nil {
		return err
	}
	defer release()

	return retry.Do(ctx, revokeBackoff(), func(ctx context.Context) error {
		err := adapter.Revoke(ctx, *cert.ExternalRef, reason)
		switch {
		case err == nil, errors.Is(err, provider.ErrAlreadyRevoked):
			metrics.ProviderCalls.WithLabelValues(cert.Provider, "revoke", "ok").Inc()
			return nil
		case provider.IsTransient(err):
			metrics.ProviderCalls.WithLabelValues(cert.Provider, "revoke", "transient").Inc()
			return retry.RetryableError(err)
		default:
			metrics.ProviderCalls.WithLabelValues(cert.Provider, "revoke", "error").Inc()
			return err
		}
	})
}

// Suspend parks a live certificate while its subscription is past_due.
// The prior status is recorded so Resume can restore it. In-flight
// issuance workflows are cancelled; Resume restarts them.
func (s *LifecycleService) Suspend(ctx context.Context, certID string) error {
	unlock := s.locks.Lock(certID)
	defer unlock()

	cert, err := s.GetByID(ctx, certID)
	if err != nil {
		return err
	}
	if cert.Status == model.StatusSuspended {
		return nil
	}
	if !model.CanTransition(cert.Status, model.StatusSuspended) {
		return fmt.Errorf("%w: cannot suspend a %s certificate", ErrNotEligible, cert.Status)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE certificates SET status = $1, suspended_from = status, updated_at = now()
		 WHERE id = $2 AND status = $3`,
		model.StatusSuspended, cert.ID, cert.Status,
	)
	if err != nil {
		return fmt.Errorf("suspend certificate %s: %w", cert.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: certificate %s changed during suspension", ErrNotEligible, cert.ID)
	}
	metrics.CertTransitions.WithLabelValues(cert.Status, model.StatusSuspended).Inc()

	if isInFlight(cert.Status) {
		if err := s.tc.CancelWorkflow(ctx, issueWorkflowID(cert.ID), ""); err != nil {
			s.logger.Warn().Err(err).Str("certificate_id", cert.ID).Msg("cancel issuance workflow on suspend")
		}
	}
	return nil
}

// Resume lifts a suspension. Certificates that expired while suspended
// are marked expired and reissued; in-flight work restarts from
// validation; issued material is put back into service.
func (s *LifecycleService) Resume(ctx context.Context, certID string) (*model.Certificate, error) {
	unlock := s.locks.Lock(certID)
	defer unlock()

	cert, err := s.GetByID(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Status != model.StatusSuspended {
		return nil, fmt.Errorf("%w: certificate %s is %s, not suspended", ErrNotEligible, certID, cert.Status)
	}

	if cert.ExpiresAt != nil && time.Now().UTC().After(*cert.ExpiresAt) {
		if err := s.transition(ctx, cert.ID, model.StatusExpired, model.StatusSuspended); err != nil {
			return nil, err
		}
		replacement, err := s.RequestIssuance(ctx, IssuanceRequest{
			SubscriptionID: cert.SubscriptionID,
			Domain:         cert.Domain,
			CertType:       cert.CertType,
			Provider:       cert.Provider,
		})
		if err != nil {
			return nil, fmt.Errorf("reissue expired certificate %s: %w", cert.ID, err)
		}
		s.logger.Info().Str("certificate_id", cert.ID).Str("replacement_id", replacement.ID).
			Msg("certificate expired while suspended, reissued")
		return replacement, nil
	}

	prior := model.StatusIssued
	if cert.SuspendedFrom != nil && isInFlight(*cert.SuspendedFrom) {
		prior = model.StatusPendingValidation
	}
	_, err = s.db.Exec(ctx,
		`UPDATE certificates SET status = $1, suspended_from = NULL, updated_at = now()
		 WHERE id = $2 AND status = $3`,
		prior, cert.ID, model.StatusSuspended,
	)
	if err != nil {
		return nil, fmt.Errorf("resume certificate %s: %w", cert.ID, err)
	}
	metrics.CertTransitions.WithLabelValues(model.StatusSuspended, prior).Inc()

	if prior == model.StatusPendingValidation {
		if err := s.startIssueWorkflow(ctx, cert.ID); err != nil {
			return nil, fmt.Errorf("restart %s: %w", model.IssueWorkflowName, err)
		}
	}
	return s.GetByID(ctx, cert.ID)
}

// ChallengePublished signals an in-flight issuance workflow that the
// caller has published the domain-control proof for the given token.
func (s *LifecycleService) ChallengePublished(ctx context.Context, certID, token string) error {
	cert, err := s.GetByID(ctx, certID)
	if err != nil {
		return err
	}
	if cert.Status != model.StatusPendingValidation {
		return fmt.Errorf("%w: certificate %s is %s, not awaiting validation", ErrNotEligible, certID, cert.Status)
	}
	if err := s.tc.SignalWorkflow(ctx, issueWorkflowID(cert.ID), "", model.ChallengePublishedSignal, token); err != nil {
		return fmt.Errorf("signal issuance workflow: %w", err)
	}
	return nil
}

// Bundle is downloadable certificate material. KeyPEM is set only when
// the caller explicitly asked for the private key.
type Bundle struct {
	CertPEM  string `json:"cert_pem"`
	ChainPEM string `json:"chain_pem"`
	KeyPEM   string `json:"key_pem,omitempty"`
}

// Download returns the stored certificate material for a certificate
// that has been issued at some point.
func (s *LifecycleService) Download(ctx context.Context, certID string, includeKey bool) (*Bundle, error) {
	cert, err := s.GetByID(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.CertPEM == "" {
		return nil, fmt.Errorf("%w: certificate %s has no issued material", ErrNotEligible, certID)
	}
	b := &Bundle{CertPEM: cert.CertPEM, ChainPEM: cert.ChainPEM}
	if includeKey {
		if cert.KeyPEMEnc == "" {
			return nil, fmt.Errorf("%w: certificate %s has no stored key", ErrNotEligible, certID)
		}
		key, err := crypto.Decrypt(cert.KeyPEMEnc, s.secretKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt certificate key: %w", err)
		}
		b.KeyPEM = string(key)
	}
	return b, nil
}

func isInFlight(status string) bool {
	for _, st := range model.InFlightStatuses() {
		if st == status {
			return true
		}
	}
	return false
}

// transition performs one guarded status update. The WHERE clause on the
// current status makes concurrent writers lose cleanly instead of
// clobbering each other.
func (s *LifecycleService) transition(ctx context.Context, certID, to string, from ...string) error {
	for _, f := range from {
		if !model.CanTransition(f, to) {
			return fmt.Errorf("illegal certificate transition %s -> %s", f, to)
		}
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE certificates SET status = $1, updated_at = now() WHERE id = $2 AND status = ANY($3)`,
		to, certID, from,
	)
	if err != nil {
		return fmt.Errorf("set certificate %s status to %s: %w", certID, to, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: certificate %s is not in %s", ErrNotEligible, certID, strings.Join(from, "/"))
	}
	if len(from) == 1 {
		metrics.CertTransitions.WithLabelValues(from[0], to).Inc()
	} else {
		metrics.CertTransitions.WithLabelValues("any", to).Inc()
	}
	return nil
}
