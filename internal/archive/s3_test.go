package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/certflow/internal/model"
)

type capturePutter struct {
	input *s3.PutObjectInput
	err   error
}

func (c *capturePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	c.input = params
	if c.err != nil {
		return nil, c.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestStore_DeterministicKeyAndNoPrivateKeys(t *testing.T) {
	putter := &capturePutter{}
	a := NewWithClient(zerolog.Nop(), putter, "certflow-archive")

	snap := Snapshot{
		Subscription: model.Subscription{ID: "sub-1", CustomerID: "cust-1"},
		Certificates: []model.Certificate{
			{ID: "cert-1", Domain: "shop.example.com", KeyPEMEnc: "encrypted-key-material"},
			{ID: "cert-2", Domain: "api.example.com", KeyPEMEnc: "more-key-material"},
		},
	}

	key, err := a.Store(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, "subscriptions/sub-1/snapshot.json", key)

	require.NotNil(t, putter.input)
	assert.Equal(t, "certflow-archive", *putter.input.Bucket)
	assert.Equal(t, "application/json", *putter.input.ContentType)

	body, err := io.ReadAll(putter.input.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "encrypted-key-material")
	assert.NotContains(t, string(body), "more-key-material")

	var stored Snapshot
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, "sub-1", stored.Subscription.ID)
	assert.Len(t, stored.Certificates, 2)
	assert.False(t, stored.ArchivedAt.IsZero())
}

func TestStore_KeepsExplicitArchivedAt(t *testing.T) {
	putter := &capturePutter{}
	a := NewWithClient(zerolog.Nop(), putter, "certflow-archive")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := a.Store(context.Background(), Snapshot{
		Subscription: model.Subscription{ID: "sub-1"},
		ArchivedAt:   at,
	})
	require.NoError(t, err)

	body, _ := io.ReadAll(putter.input.Body)
	var stored Snapshot
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.True(t, stored.ArchivedAt.Equal(at))
}

func TestStore_UploadError(t *testing.T) {
	putter := &capturePutter{err: errors.New("access denied")}
	a := NewWithClient(zerolog.Nop(), putter, "certflow-archive")

	_, err := a.Store(context.Background(), Snapshot{
		Subscription: model.Subscription{ID: "sub-1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub-1")
}
