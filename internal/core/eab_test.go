package core

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/certflow/internal/crypto"
	"github.com/edvin/certflow/internal/model"
)

func TestEab_Create_MintsCredential(t *testing.T) {
	db := &mockDB{}
	svc := NewEabService(db, testSecretKey, zerolog.Nop())
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("FROM subscriptions"), mock.Anything).
		Return(&mockRow{scanFunc: subScan(activeSub())}).Once()
	var storedMac string
	db.On("Exec", ctx, sqlContains("INSERT INTO eab_credentials"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			storedMac = sqlArgs[3].(string)
		}).
		Return(updated(1), nil).Once()

	cred, err := svc.Create(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.EabActive, cred.Status)
	assert.Len(t, cred.KeyID, 32, "hex of 16 random bytes")
	assert.NotEmpty(t, cred.MACKey, "plaintext mac key is returned exactly once")

	// The stored MAC key is the encrypted form; it must round-trip back
	// to the plaintext the caller received.
	assert.NotEqual(t, cred.MACKey, storedMac)
	plain, err := crypto.Decrypt(storedMac, testSecretKey)
	require.NoError(t, err)
	assert.Equal(t, cred.MACKey, string(plain))
	db.AssertExpectations(t)
}

func TestEab_Create_InactiveSubscription(t *testing.T) {
	db := &mockDB{}
	svc := NewEabService(db, testSecretKey, zerolog.Nop())
	ctx := context.Background()

	sub := activeSub()
	sub.Status = model.SubscriptionCancelled
	db.On("QueryRow", ctx, sqlContains("FROM subscriptions"), mock.Anything).
		Return(&mockRow{scanFunc: subScan(sub)}).Once()

	_, err := svc.Create(ctx, "sub-1")
	require.ErrorIs(t, err, ErrSubscriptionInactive)
}

func TestEab_Revoke_DeactivatesBoundAccounts(t *testing.T) {
	db := &mockDB{}
	svc := NewEabService(db, testSecretKey, zerolog.Nop())
	ctx := context.Background()

	db.On("Exec", ctx, sqlContains("UPDATE eab_credentials"), mock.Anything).
		Return(updated(1), nil).Once()
	db.On("Exec", ctx, sqlContains("UPDATE acme_accounts"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Equal(t, model.AcmeAccountDeactivated, sqlArgs[0])
			assert.Equal(t, "cred-1", sqlArgs[1])
		}).
		Return(updated(1), nil).Once()

	require.NoError(t, svc.Revoke(ctx, "cred-1"))
	db.AssertExpectations(t)
}

func TestEab_Revoke_IsIdempotent(t *testing.T) {
	db := &mockDB{}
	svc := NewEabService(db, testSecretKey, zerolog.Nop())
	ctx := context.Background()

	db.On("Exec", ctx, sqlContains("UPDATE eab_credentials"), mock.Anything).
		Return(updated(0), nil).Once()
	db.On("QueryRow", ctx, sqlContains("EXISTS"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = true
			return nil
		}}).Once()

	require.NoError(t, svc.Revoke(ctx, "cred-1"))
	// The account cascade already ran on the first revocation.
	db.AssertNotCalled(t, "Exec", ctx, sqlContains("UPDATE acme_accounts"), mock.Anything)
}

func TestEab_Revoke_UnknownCredential(t *testing.T) {
	db := &mockDB{}
	svc := NewEabService(db, testSecretKey, zerolog.Nop())
	ctx := context.Background()

	db.On("Exec", ctx, sqlContains("UPDATE eab_credentials"), mock.Anything).
		Return(updated(0), nil).Once()
	db.On("QueryRow", ctx, sqlContains("EXISTS"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = false
			return nil
		}}).Once()

	require.ErrorIs(t, svc.Revoke(ctx, "missing"), ErrNotFound)
}

func TestAcmeStore_CredentialUsable_JoinsSubscription(t *testing.T) {
	db := &mockDB{}
	store := NewAcmeStore(db, testSecretKey)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("JOIN subscriptions"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Equal(t, model.EabActive, sqlArgs[1])
			assert.Equal(t, model.SubscriptionActive, sqlArgs[2])
		}).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = false
			return nil
		}}).Once()

	usable, err := store.CredentialUsable(ctx, "cred-1")
	require.NoError(t, err)
	assert.False(t, usable, "revoked credential is unusable immediately")
	db.AssertExpectations(t)
}
