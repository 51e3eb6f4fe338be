package retrieval

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
)

// GCSObjectOpener is the slice of the GCS client the connector needs.
type GCSObjectOpener interface {
	OpenObject(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

type gcsClientOpener struct {
	client *storage.Client
}

func (o *gcsClientOpener) OpenObject(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return o.client.Bucket(bucket).Object(object).NewReader(ctx)
}

// GCSConnector serves a JSONL index stored as a single GCS object, with the
// same TTL caching as the S3 connector.
type GCSConnector struct {
	opener GCSObjectOpener
	bucket string
	object string
	cache  *indexCache
}

// GCSConnectorConfig holds the connector settings.
type GCSConnectorConfig struct {
	Bucket   string
	Object   string
	CacheTTL time.Duration
}

// NewGCSConnector builds a connector with a real client (ADC credentials).
func NewGCSConnector(ctx context.Context, cfg GCSConnectorConfig) (*GCSConnector, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieval: create gcs client: %w", err)
	}
	return NewGCSConnectorWithOpener(&gcsClientOpener{client: client}, cfg), nil
}

// NewGCSConnectorWithOpener builds a connector over an existing opener.
func NewGCSConnectorWithOpener(opener GCSObjectOpener, cfg GCSConnectorConfig) *GCSConnector {
	return &GCSConnector{
		opener: opener,
		bucket: cfg.Bucket,
		object: cfg.Object,
		cache:  newIndexCache(cfg.CacheTTL),
	}
}

// Search implements Connector.
func (c *GCSConnector) Search(ctx context.Context, query string, filters map[string]string, k int) ([]DocumentChunk, error) {
	records, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return rankRecords(records, "gcs", query, filters, k), nil
}

// Fetch implements Connector.
func (c *GCSConnector) Fetch(ctx context.Context, docID string) (*Document, error) {
	records, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return assembleDocument(records, docID), nil
}

func (c *GCSConnector) load(ctx context.Context) ([]indexRecord, error) {
	if records, ok := c.cache.get(); ok {
		return records, nil
	}

	reader, err := c.opener.OpenObject(ctx, c.bucket, c.object)
	if err != nil {
		return nil, fmt.Errorf("retrieval: gcs open gs://%s/%s: %w", c.bucket, c.object, err)
	}
	defer func() { _ = reader.Close() }()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("retrieval: gcs read object: %w", err)
	}
	records, err := parseIndex(raw)
	if err != nil {
		return nil, err
	}
	c.cache.put(records)
	return records, nil
}
