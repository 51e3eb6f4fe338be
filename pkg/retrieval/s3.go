package retrieval

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3ObjectAPI is the slice of the S3 client the connector needs.
type S3ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Connector serves a JSONL index stored as a single S3 object. The parsed
// index is cached for the configured TTL.
type S3Connector struct {
	client S3ObjectAPI
	bucket string
	key    string
	cache  *indexCache
}

// S3ConnectorConfig holds the connector settings.
type S3ConnectorConfig struct {
	Bucket   string
	Key      string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	CacheTTL time.Duration
}

// NewS3Connector builds a connector with a real AWS client.
func NewS3Connector(ctx context.Context, cfg S3ConnectorConfig) (*S3Connector, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("retrieval: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ConnectorWithClient(client, cfg), nil
}

// NewS3ConnectorWithClient builds a connector over an existing client.
func NewS3ConnectorWithClient(client S3ObjectAPI, cfg S3ConnectorConfig) *S3Connector {
	return &S3Connector{
		client: client,
		bucket: cfg.Bucket,
		key:    cfg.Key,
		cache:  newIndexCache(cfg.CacheTTL),
	}
}

// Search implements Connector.
func (c *S3Connector) Search(ctx context.Context, query string, filters map[string]string, k int) ([]DocumentChunk, error) {
	records, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return rankRecords(records, "s3", query, filters, k), nil
}

// Fetch implements Connector.
func (c *S3Connector) Fetch(ctx context.Context, docID string) (*Document, error) {
	records, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return assembleDocument(records, docID), nil
}

func (c *S3Connector) load(ctx context.Context) ([]indexRecord, error) {
	if records, ok := c.cache.get(); ok {
		return records, nil
	}

	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: s3 get s3://%s/%s: %w", c.bucket, c.key, err)
	}
	defer func() { _ = result.Body.Close() }()

	raw, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("retrieval: s3 read body: %w", err)
	}
	records, err := parseIndex(raw)
	if err != nil {
		return nil, err
	}
	c.cache.put(records)
	return records, nil
}
