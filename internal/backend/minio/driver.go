// Package minio implements backend.Backend on any S3-compatible endpoint.
//
// Each upload is written once under its receipt id, a fresh UUIDv7, with the
// upload tags carried as user metadata. Writes are conditional on the object
// not existing, so a receipt is never overwritten.
//
// Usage:
//
//	drv, err := minio.New(ctx, minio.Config{Endpoint: "localhost:9000", ...})
//	if err != nil { ... }
//	receipt, err := drv.Store(ctx, payload)
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"ledgerbucket/internal/backend"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// GatewayURL, when set, is the public base URL receipts are served
	// from. Location falls back to the endpoint URL otherwise.
	GatewayURL string
}

// Driver is a MinIO implementation of backend.Backend.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	client  *miniogo.Client
	bucket  string
	baseURL string
}

var (
	_ backend.Backend = (*Driver)(nil)
	_ backend.Walker  = (*Driver)(nil)
)

// New connects to the endpoint and makes sure the receipt bucket exists.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is not configured")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("minio bucket is not configured")
	}

	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, mapError(err, "check receipt bucket")
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, miniogo.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, mapError(err, "create receipt bucket")
		}
	}

	baseURL := strings.TrimRight(cfg.GatewayURL, "/")
	if baseURL == "" {
		baseURL = strings.TrimRight(client.EndpointURL().String(), "/") + "/" + cfg.Bucket
	}

	return &Driver{client: client, bucket: cfg.Bucket, baseURL: baseURL}, nil
}

func (d *Driver) Store(ctx context.Context, p backend.Payload) (backend.Receipt, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return backend.Receipt{}, fmt.Errorf("generate receipt id: %w", err)
	}

	opts := miniogo.PutObjectOptions{
		ContentType:  p.ContentType,
		UserMetadata: tagsToMetadata(p.Tags),
	}
	opts.SetMatchETagExcept("*")

	info, err := d.client.PutObject(ctx, d.bucket, id.String(), bytes.NewReader(p.Data), int64(len(p.Data)), opts)
	if err != nil {
		return backend.Receipt{}, mapError(err, "put receipt "+id.String())
	}

	storedAt := info.LastModified
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	return backend.Receipt{ID: id.String(), Size: info.Size, StoredAt: storedAt}, nil
}

func (d *Driver) Fetch(ctx context.Context, receiptID string) (io.ReadCloser, error) {
	obj, err := d.client.GetObject(ctx, d.bucket, receiptID, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, mapError(err, "get receipt "+receiptID)
	}

	// GetObject is lazy; Stat surfaces a missing receipt before any read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, mapError(err, "stat receipt "+receiptID)
	}
	return obj, nil
}

func (d *Driver) Location(receiptID string) string {
	return d.baseURL + "/" + receiptID
}

// WalkReceipts lists every receipt object in the bucket.
func (d *Driver) WalkReceipts(ctx context.Context, fn func(id string) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range d.client.ListObjects(ctx, d.bucket, miniogo.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return mapError(obj.Err, "list receipts")
		}
		if err := fn(obj.Key); err != nil {
			return err
		}
	}
	return nil
}

// tagsToMetadata converts tags into S3 user metadata. Header canonicalisation
// makes names case-insensitive, so the first occurrence of a name wins.
func tagsToMetadata(tags []backend.Tag) map[string]string {
	md := make(map[string]string, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		name := strings.ToLower(t.Name)
		if seen[name] {
			continue
		}
		seen[name] = true
		md[t.Name] = t.Value
	}
	return md
}
