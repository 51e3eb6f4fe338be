package retrieval

import (
	"context"
	"fmt"
	"os"
)

// FilesystemConnector serves a JSONL index from local disk. The index is
// re-read on every call so an operator can refresh the corpus in place.
type FilesystemConnector struct {
	indexPath string
	name      string
}

// NewFilesystemConnector builds a connector over the index file at path.
func NewFilesystemConnector(indexPath string) *FilesystemConnector {
	return &FilesystemConnector{indexPath: indexPath, name: "filesystem"}
}

// Search implements Connector.
func (c *FilesystemConnector) Search(ctx context.Context, query string, filters map[string]string, k int) ([]DocumentChunk, error) {
	records, err := c.load()
	if err != nil {
		return nil, err
	}
	return rankRecords(records, c.name, query, filters, k), nil
}

// Fetch implements Connector.
func (c *FilesystemConnector) Fetch(ctx context.Context, docID string) (*Document, error) {
	records, err := c.load()
	if err != nil {
		return nil, err
	}
	return assembleDocument(records, docID), nil
}

func (c *FilesystemConnector) load() ([]indexRecord, error) {
	raw, err := os.ReadFile(c.indexPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieval: read index %s: %w", c.indexPath, err)
	}
	return parseIndex(raw)
}
