package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/certflow/internal/model"
	"github.com/edvin/certflow/internal/platform"
)

const subscriptionColumns = `id, customer_id, name, status, max_domains, default_provider, created_at, updated_at`

func getSubscription(ctx context.Context, db DB, id string) (*model.Subscription, error) {
	var sub model.Subscription
	err := db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id,
	).Scan(&sub.ID, &sub.CustomerID, &sub.Name, &sub.Status, &sub.MaxDomains,
		&sub.DefaultProvider, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return &sub, nil
}

// SubscriptionService manages subscription records. Status changes come
// in through the billing event feed and are applied here before the
// cascade handler fans out to certificates.
type SubscriptionService struct {
	db DB
}

func NewSubscriptionService(db DB) *SubscriptionService {
	return &SubscriptionService{db: db}
}

func (s *SubscriptionService) Create(ctx context.Context, sub *model.Subscription) error {
	if sub.MaxDomains <= 0 {
		return fmt.Errorf("%w: max_domains must be positive", ErrValidation)
	}
	if sub.ID == "" {
		sub.ID = platform.NewID()
	}
	if sub.Status == "" {
		sub.Status = model.SubscriptionActive
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	_, err := s.db.Exec(ctx,
		`INSERT INTO subscriptions (id, customer_id, name, status, max_domains, default_provider, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.CustomerID, sub.Name, sub.Status, sub.MaxDomains,
		sub.DefaultProvider, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionService) GetByID(ctx context.Context, id string) (*model.Subscription, error) {
	return getSubscription(ctx, s.db, id)
}

func (s *SubscriptionService) ListByCustomer(ctx context.Context, customerID string, limit int, cursor string) ([]model.Subscription, bool, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE customer_id = $1`
	args := []any{customerID}
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
		return nil, false, fmt.Errorf("list subscriptions for customer %s: %w", customerID, err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		if err := rows.Scan(&sub.ID, &sub.CustomerID, &sub.Name, &sub.Status, &sub.MaxDomains,
			&sub.DefaultProvider, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, false, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate subscriptions: %w", err)
	}

	hasMore := len(subs) > limit
	if hasMore {
		subs = subs[:limit]
	}
	return subs, hasMore, nil
}

// SetStatus applies a subscription status change idempotently. It
// reports whether the row actually changed so the cascade handler can
// skip redelivered events.
func (s *SubscriptionService) SetStatus(ctx context.Context, id, status string) (bool, error) {
	switch status {
	case model.SubscriptionActive, model.SubscriptionPastDue, model.SubscriptionPaused, model.SubscriptionCancelled:
	default:
		return false, fmt.Errorf("%w: unknown subscription status %q", ErrValidation, status)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE subscriptions SET status = $1, updated_at = now() WHERE id = $2 AND status <> $1`,
		status, id,
	)
	if err != nil {
		return false, fmt.Errorf("set subscription %s status: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}
