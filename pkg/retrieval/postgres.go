package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConnector searches a pgvector-backed corpus by cosine similarity.
// Query vectors come from the embedder, so the same embedder must have
// produced the stored chunk embeddings.
type PostgresConnector struct {
	db       *sql.DB
	table    string
	embedder Embedder
}

// NewPostgresConnector wraps an open database handle. The table name is
// interpolated into SQL and therefore restricted to identifier characters.
func NewPostgresConnector(db *sql.DB, table string, embedder Embedder) (*PostgresConnector, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("retrieval: invalid table name %q", table)
	}
	return &PostgresConnector{db: db, table: table, embedder: embedder}, nil
}

// EnsureSchema creates the extension and chunk table if absent.
func (c *PostgresConnector) EnsureSchema(ctx context.Context, dim int) error {
	if _, err := c.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("retrieval: create extension: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		source_id TEXT NOT NULL,
		uri TEXT NOT NULL DEFAULT '',
		chunk_id TEXT NOT NULL UNIQUE,
		text TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		embedding VECTOR(%d)
	)`, c.table, dim)
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("retrieval: create table %s: %w", c.table, err)
	}
	return nil
}

// Search implements Connector.
func (c *PostgresConnector) Search(ctx context.Context, query string, filters map[string]string, k int) ([]DocumentChunk, error) {
	if k < 1 {
		return nil, nil
	}
	vector := VectorLiteral(c.embedder.EmbedTexts([]string{query})[0])

	args := []interface{}{vector}
	var clauses []string
	keys := make([]string, 0, len(filters))
	for key := range filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		clauses = append(clauses, fmt.Sprintf("metadata ->> $%d = $%d", len(args)+1, len(args)+2))
		args = append(args, key, filters[key])
	}

	q := fmt.Sprintf(
		"SELECT source_id, uri, chunk_id, text, metadata, 1 - (embedding <=> $1::vector) AS score FROM %s",
		c.table,
	)
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY embedding <=> $1::vector LIMIT %d", k)

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("retrieval: postgres search: %w", err)
	}
	defer rows.Close()

	var chunks []DocumentChunk
	for rows.Next() {
		var chunk DocumentChunk
		var metadataRaw []byte
		var score sql.NullFloat64
		if err := rows.Scan(&chunk.SourceID, &chunk.URI, &chunk.ChunkID, &chunk.Text, &metadataRaw, &score); err != nil {
			return nil, fmt.Errorf("retrieval: postgres scan: %w", err)
		}
		chunk.Connector = "postgres"
		chunk.Metadata = decodeMetadata(metadataRaw)
		if score.Valid {
			chunk.Score = math.Round(score.Float64*1e6) / 1e6
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("retrieval: postgres rows: %w", err)
	}
	return chunks, nil
}

// Fetch implements Connector.
func (c *PostgresConnector) Fetch(ctx context.Context, docID string) (*Document, error) {
	q := fmt.Sprintf("SELECT uri, text, metadata FROM %s WHERE source_id = $1 ORDER BY id", c.table)
	rows, err := c.db.QueryContext(ctx, q, docID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: postgres fetch: %w", err)
	}
	defer rows.Close()

	doc := &Document{SourceID: docID}
	var texts []string
	found := false
	for rows.Next() {
		var uri, text string
		var metadataRaw []byte
		if err := rows.Scan(&uri, &text, &metadataRaw); err != nil {
			return nil, fmt.Errorf("retrieval: postgres scan: %w", err)
		}
		if !found {
			doc.URI = uri
			doc.Metadata = decodeMetadata(metadataRaw)
			found = true
		}
		if text != "" {
			texts = append(texts, text)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("retrieval: postgres rows: %w", err)
	}
	if !found {
		return nil, nil
	}
	doc.Text = strings.Join(texts, "\n")
	return doc, nil
}

func decodeMetadata(raw []byte) map[string]string {
	metadata := map[string]string{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &metadata)
	}
	return metadata
}
