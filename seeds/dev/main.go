// Seeds a local database with a dev subscription, a deterministic API
// key, and an EAB credential so the API can be exercised immediately
// after `certflow-api -migrate`.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/certflow/internal/config"
	"github.com/edvin/certflow/internal/core"
	"github.com/edvin/certflow/internal/db"
	"github.com/edvin/certflow/internal/model"
)

const (
	devSubscriptionID = "sub-dev-000000000001"
	devCustomerID     = "cust-dev-000000000001"

	// Well known so local clients can hardcode it. Never use outside dev.
	devAPIKey = "cfl_0000000000000000000000000000000000000000000000000000000000000000"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate("seed-dev"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	secretKey, err := cfg.SecretKeyBytes()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid secret key: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	subs := core.NewSubscriptionService(pool)
	if _, err := subs.GetByID(ctx, devSubscriptionID); errors.Is(err, core.ErrNotFound) {
		sub := &model.Subscription{
			ID:         devSubscriptionID,
			CustomerID: devCustomerID,
			Name:       "Dev subscription",
			Status:     model.SubscriptionActive,
			MaxDomains: 25,
		}
		if err := subs.Create(ctx, sub); err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed subscription: %v\n", err)
			os.Exit(1)
		}
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to check subscription: %v\n", err)
		os.Exit(1)
	}

	keys := core.NewAPIKeyService(pool)
	if _, err := keys.CreateWithRawKey(ctx, "dev", devAPIKey, []string{"*:*"}); err != nil {
		// Re-running the seeder hits the unique key_hash constraint.
		fmt.Fprintf(os.Stderr, "note: dev api key not created (already seeded?): %v\n", err)
	}

	eab := core.NewEabService(pool, secretKey, zerolog.Nop())
	cred, err := eab.Create(ctx, devSubscriptionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed eab credential: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Seeded dev data.\n\n")
	fmt.Printf("  Subscription:   %s\n", devSubscriptionID)
	fmt.Printf("  API key:        %s\n", devAPIKey)
	fmt.Printf("  EAB key ID:     %s\n", cred.KeyID)
	fmt.Printf("  EAB MAC key:    %s\n", cred.MACKey)
}
