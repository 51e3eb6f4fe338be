package retrieval_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereignrag/gateway/pkg/retrieval"
)

func writeIndex(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

const sampleIndex = `{"source_id":"doc-1","uri":"file:///doc-1","chunk_id":"doc-1#0","text":"alpha beta gamma","metadata":{"department":"cardiology"}}
{"source_id":"doc-1","uri":"file:///doc-1","chunk_id":"doc-1#1","text":"delta epsilon","metadata":{"department":"cardiology"}}
{"source_id":"doc-2","uri":"file:///doc-2","chunk_id":"doc-2#0","text":"alpha beta","metadata":{"department":"oncology"}}
`

func TestFilesystemSearchScoring(t *testing.T) {
	c := retrieval.NewFilesystemConnector(writeIndex(t, sampleIndex))
	chunks, err := c.Search(context.Background(), "alpha beta", nil, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	// Both alpha-beta chunks tie at full overlap; the delta chunk scores zero.
	assert.Equal(t, 1.0, chunks[0].Score)
	assert.Equal(t, 1.0, chunks[1].Score)
	assert.Equal(t, 0.0, chunks[2].Score)
	assert.Equal(t, "doc-1#1", chunks[2].ChunkID)
	assert.Equal(t, "filesystem", chunks[0].Connector)
}

func TestFilesystemSearchPartialOverlap(t *testing.T) {
	c := retrieval.NewFilesystemConnector(writeIndex(t, sampleIndex))
	chunks, err := c.Search(context.Background(), "alpha zeta", nil, 1)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0.5, chunks[0].Score)
}

func TestFilesystemSearchFilters(t *testing.T) {
	c := retrieval.NewFilesystemConnector(writeIndex(t, sampleIndex))
	chunks, err := c.Search(context.Background(), "alpha", map[string]string{"department": "oncology"}, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "doc-2#0", chunks[0].ChunkID)
}

func TestFilesystemSearchMissingIndex(t *testing.T) {
	c := retrieval.NewFilesystemConnector(filepath.Join(t.TempDir(), "absent.jsonl"))
	chunks, err := c.Search(context.Background(), "alpha", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestFilesystemSearchMalformedLine(t *testing.T) {
	c := retrieval.NewFilesystemConnector(writeIndex(t, "{not json}\n"))
	_, err := c.Search(context.Background(), "alpha", nil, 5)
	assert.Error(t, err)
}

func TestFilesystemFetchJoinsChunks(t *testing.T) {
	c := retrieval.NewFilesystemConnector(writeIndex(t, sampleIndex))
	doc, err := c.Fetch(context.Background(), "doc-1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "alpha beta gamma\ndelta epsilon", doc.Text)
	assert.Equal(t, "file:///doc-1", doc.URI)
	assert.Equal(t, "cardiology", doc.Metadata["department"])

	missing, err := c.Fetch(context.Background(), "doc-99")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

type fixedConnector struct {
	chunks []retrieval.DocumentChunk
	lastK  int
}

func (f *fixedConnector) Search(ctx context.Context, query string, filters map[string]string, k int) ([]retrieval.DocumentChunk, error) {
	f.lastK = k
	if len(f.chunks) > k {
		return f.chunks[:k], nil
	}
	return f.chunks, nil
}

func (f *fixedConnector) Fetch(ctx context.Context, docID string) (*retrieval.Document, error) {
	return nil, nil
}

func TestOrchestratorAllowList(t *testing.T) {
	reg := retrieval.NewRegistry()
	reg.Register("filesystem", &fixedConnector{})

	o := retrieval.NewOrchestrator(reg, 3)
	req := retrieval.Request{Query: "q", Connector: "filesystem", K: 2}

	_, err := o.Retrieve(context.Background(), req, []string{"filesystem"})
	assert.NoError(t, err)

	// Nil allow-list is unrestricted.
	_, err = o.Retrieve(context.Background(), req, nil)
	assert.NoError(t, err)

	// Empty allow-list denies everything.
	_, err = o.Retrieve(context.Background(), req, []string{})
	var denied *retrieval.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "filesystem", denied.Connector)

	_, err = o.Retrieve(context.Background(), req, []string{"postgres"})
	assert.ErrorAs(t, err, &denied)
}

func TestOrchestratorUnknownConnector(t *testing.T) {
	o := retrieval.NewOrchestrator(retrieval.NewRegistry(), 3)
	_, err := o.Retrieve(context.Background(), retrieval.Request{Query: "q", Connector: "nope"}, nil)

	var notFound *retrieval.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.Connector)
}

func TestOrchestratorDefaultK(t *testing.T) {
	fc := &fixedConnector{}
	reg := retrieval.NewRegistry()
	reg.Register("filesystem", fc)

	o := retrieval.NewOrchestrator(reg, 5)
	_, err := o.Retrieve(context.Background(), retrieval.Request{Query: "q", Connector: "filesystem"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, fc.lastK)

	_, err = o.Retrieve(context.Background(), retrieval.Request{Query: "q", Connector: "filesystem", K: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fc.lastK)
}

func TestRegistryNames(t *testing.T) {
	reg := retrieval.NewRegistry()
	reg.Register("s3", &fixedConnector{})
	reg.Register("filesystem", &fixedConnector{})
	assert.Equal(t, []string{"filesystem", "s3"}, reg.Names())
}

func TestCitationProjection(t *testing.T) {
	chunk := retrieval.DocumentChunk{
		SourceID:  "doc-1",
		Connector: "filesystem",
		URI:       "file:///doc-1",
		ChunkID:   "doc-1#0",
		Score:     0.75,
		Text:      "never exposed",
	}
	cit := chunk.Citation()
	assert.Equal(t, "doc-1", cit.SourceID)
	assert.Equal(t, "doc-1#0", cit.ChunkID)
	assert.Equal(t, 0.75, cit.Score)
}
