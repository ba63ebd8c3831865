// Package archive writes audit snapshots of cancelled subscriptions to
// S3-compatible object storage. Certificate rows stay in the database;
// the snapshot is the export handed to compliance.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/edvin/certflow/internal/model"
)

// Snapshot is the archived view of one cancelled subscription.
type Snapshot struct {
	Subscription model.Subscription  `json:"subscription"`
	Certificates []model.Certificate `json:"certificates"`
	ArchivedAt   time.Time           `json:"archived_at"`
}

// ObjectPutter is the slice of the S3 API the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads subscription snapshots to one bucket.
type Archiver struct {
	logger zerolog.Logger
	client ObjectPutter
	bucket string
}

// Config holds the object storage connection settings.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

func New(logger zerolog.Logger, cfg Config) *Archiver {
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return &Archiver{
		logger: logger.With().Str("component", "archiver").Logger(),
		client: s3.New(opts),
		bucket: cfg.Bucket,
	}
}

// NewWithClient injects a prebuilt client. Used by tests.
func NewWithClient(logger zerolog.Logger, client ObjectPutter, bucket string) *Archiver {
	return &Archiver{
		logger: logger.With().Str("component", "archiver").Logger(),
		client: client,
		bucket: bucket,
	}
}

// Store uploads the snapshot and returns its object key. Keys are
// deterministic per subscription so a retried cancellation overwrites
// its own snapshot instead of accumulating copies.
func (a *Archiver) Store(ctx context.Context, snap Snapshot) (string, error) {
	if snap.ArchivedAt.IsZero() {
		snap.ArchivedAt = time.Now().UTC()
	}
	// Private keys never leave the database, encrypted or not.
	for i := range snap.Certificates {
		snap.Certificates[i].KeyPEMEnc = ""
	}

	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	key := fmt.Sprintf("subscriptions/%s/snapshot.json", snap.Subscription.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot for subscription %s: %w", snap.Subscription.ID, err)
	}

	a.logger.Info().Str("subscription_id", snap.Subscription.ID).Str("key", key).
		Int("certificates", len(snap.Certificates)).Msg("subscription snapshot archived")
	return key, nil
}
