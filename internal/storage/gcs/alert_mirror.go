// Package gcs mirrors alert emissions into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

// Config captures the bucket and object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// Mirror writes one object per alert emission. Objects are never overwritten,
// so the bucket is an append-only log like the local JSONL files.
type Mirror struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

var _ osint.AlertLog = (*Mirror)(nil)

// NewClient creates a storage client and fails fast when the bucket is unreachable.
// Authentication uses Application Default Credentials unless opts override it.
func NewClient(ctx context.Context, bucket string, opts ...option.ClientOption) (*storage.Client, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to get GCS bucket %q attributes: %w", bucket, err)
	}
	return client, nil
}

// New wraps an existing client.
func New(client *storage.Client, cfg Config) (*Mirror, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		now:    time.Now,
	}, nil
}

// ObjectName places an emission under prefix/YYYY/MM/DD of its UTC detection date.
func (m *Mirror) ObjectName(alert osint.Alert) string {
	name := fmt.Sprintf("%s-%s-%d.json", alert.SourceName, alert.ContentHash, m.now().UnixNano())
	return path.Join(m.prefix, alert.DetectedAt.UTC().Format("2006/01/02"), name)
}

// Append uploads alert as a new JSON object.
func (m *Mirror) Append(ctx context.Context, alert osint.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	object := m.ObjectName(alert)
	writer := m.client.Bucket(m.bucket).Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("write object %s: %w (close writer: %v)", object, err, closeErr)
		}
		return fmt.Errorf("write object %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for object %s: %w", object, err)
	}
	return nil
}

// Close releases the client.
func (m *Mirror) Close() error {
	return m.client.Close()
}
