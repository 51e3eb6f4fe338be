package retrieval_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereignrag/gateway/pkg/retrieval"
)

type fakeS3 struct {
	body  string
	err   error
	calls int
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestS3ConnectorSearch(t *testing.T) {
	fake := &fakeS3{body: sampleIndex}
	c := retrieval.NewS3ConnectorWithClient(fake, retrieval.S3ConnectorConfig{
		Bucket: "corpus", Key: "index.jsonl", CacheTTL: time.Minute,
	})

	chunks, err := c.Search(context.Background(), "alpha beta", nil, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "s3", chunks[0].Connector)
	assert.Equal(t, 1.0, chunks[0].Score)
}

func TestS3ConnectorCachesIndex(t *testing.T) {
	fake := &fakeS3{body: sampleIndex}
	c := retrieval.NewS3ConnectorWithClient(fake, retrieval.S3ConnectorConfig{
		Bucket: "corpus", Key: "index.jsonl", CacheTTL: time.Minute,
	})

	for i := 0; i < 3; i++ {
		_, err := c.Search(context.Background(), "alpha", nil, 1)
		require.NoError(t, err)
	}
	_, err := c.Fetch(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls)
}

func TestS3ConnectorError(t *testing.T) {
	fake := &fakeS3{err: errors.New("access denied")}
	c := retrieval.NewS3ConnectorWithClient(fake, retrieval.S3ConnectorConfig{Bucket: "corpus", Key: "index.jsonl"})

	_, err := c.Search(context.Background(), "alpha", nil, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://corpus/index.jsonl")
}

type fakeGCSOpener struct {
	body  string
	err   error
	calls int
}

func (f *fakeGCSOpener) OpenObject(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestGCSConnectorSearchAndCache(t *testing.T) {
	fake := &fakeGCSOpener{body: sampleIndex}
	c := retrieval.NewGCSConnectorWithOpener(fake, retrieval.GCSConnectorConfig{
		Bucket: "corpus", Object: "index.jsonl", CacheTTL: time.Minute,
	})

	chunks, err := c.Search(context.Background(), "alpha beta", nil, 1)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "gcs", chunks[0].Connector)

	doc, err := c.Fetch(context.Background(), "doc-2")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "alpha beta", doc.Text)
	assert.Equal(t, 1, fake.calls)
}

func TestGCSConnectorError(t *testing.T) {
	fake := &fakeGCSOpener{err: errors.New("permission denied")}
	c := retrieval.NewGCSConnectorWithOpener(fake, retrieval.GCSConnectorConfig{Bucket: "corpus", Object: "index.jsonl"})

	_, err := c.Search(context.Background(), "alpha", nil, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gs://corpus/index.jsonl")
}
