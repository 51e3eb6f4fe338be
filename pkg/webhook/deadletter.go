package webhook

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one dead-lettered delivery. Body carries the original envelope
// JSON so operators can replay it verbatim.
type Record struct {
	Timestamp      string `json:"timestamp"`
	EventType      string `json:"event_type"`
	EndpointURL    string `json:"endpoint_url"`
	StatusCode     int    `json:"status_code,omitempty"`
	Error          string `json:"error,omitempty"`
	AttemptCount   int    `json:"attempt_count"`
	IdempotencyKey string `json:"idempotency_key"`
	Body           string `json:"body"`
}

// WriteResult reports one store write, including how many expired records the
// accompanying retention pass removed.
type WriteResult struct {
	Backend string
	Written int
	Pruned  int
}

// Store persists dead-lettered deliveries.
type Store interface {
	Write(record Record) (WriteResult, error)
	Load(limit int) ([]Record, error)
}

// NewStore builds the configured backend. retentionDays <= 0 disables pruning.
func NewStore(backend, path string, retentionDays int) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "jsonl":
		return NewJSONLStore(path, retentionDays), nil
	case "sqlite":
		return NewSQLiteStore(path, retentionDays)
	default:
		return nil, fmt.Errorf("webhook: unsupported dead-letter backend %q", backend)
	}
}

// JSONLStore appends records to a JSONL file.
type JSONLStore struct {
	mu            sync.Mutex
	path          string
	retentionDays int
	clock         func() time.Time
}

// NewJSONLStore builds a JSONL-backed store at path.
func NewJSONLStore(path string, retentionDays int) *JSONLStore {
	return &JSONLStore{path: path, retentionDays: retentionDays, clock: time.Now}
}

// Write implements Store.
func (s *JSONLStore) Write(record Record) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("webhook: dead-letter dir: %w", err)
	}
	line, err := json.Marshal(record)
	if err != nil {
		return WriteResult{}, fmt.Errorf("webhook: encode dead-letter: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return WriteResult{}, fmt.Errorf("webhook: open dead-letter: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return WriteResult{}, fmt.Errorf("webhook: append dead-letter: %w", err)
	}
	if err := f.Close(); err != nil {
		return WriteResult{}, fmt.Errorf("webhook: close dead-letter: %w", err)
	}

	pruned, err := s.pruneLocked()
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Backend: "jsonl", Written: 1, Pruned: pruned}, nil
}

// Load implements Store; limit <= 0 loads everything, in write order.
func (s *JSONLStore) Load(limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *JSONLStore) readLocked() ([]Record, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("webhook: read dead-letter: %w", err)
	}

	var records []Record
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *JSONLStore) pruneLocked() (int, error) {
	if s.retentionDays <= 0 {
		return 0, nil
	}
	records, err := s.readLocked()
	if err != nil {
		return 0, err
	}

	cutoff := s.clock().UTC().AddDate(0, 0, -s.retentionDays)
	var kept []Record
	removed := 0
	for _, record := range records {
		ts, err := time.Parse(time.RFC3339Nano, record.Timestamp)
		if err == nil && ts.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, record)
	}
	if removed == 0 {
		return 0, nil
	}

	var b strings.Builder
	for _, record := range kept {
		line, err := json.Marshal(record)
		if err != nil {
			return 0, fmt.Errorf("webhook: encode dead-letter: %w", err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(s.path, []byte(b.String()), 0o644); err != nil {
		return 0, fmt.Errorf("webhook: rewrite dead-letter: %w", err)
	}
	return removed, nil
}

// SQLiteStore persists records in an embedded SQLite database.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	clock         func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, retentionDays int) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("webhook: dead-letter dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("webhook: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db, retentionDays: retentionDays, clock: time.Now}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS webhook_dead_letter (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			event_type TEXT NOT NULL,
			endpoint_url TEXT NOT NULL,
			status_code INTEGER,
			error TEXT,
			attempt_count INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL,
			body_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_dead_letter_timestamp
			ON webhook_dead_letter(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_dead_letter_event_type
			ON webhook_dead_letter(event_type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("webhook: sqlite schema: %w", err)
		}
	}
	return nil
}

// Write implements Store.
func (s *SQLiteStore) Write(record Record) (WriteResult, error) {
	_, err := s.db.Exec(
		`INSERT INTO webhook_dead_letter
			(timestamp, event_type, endpoint_url, status_code, error, attempt_count, idempotency_key, body_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Timestamp, record.EventType, record.EndpointURL,
		record.StatusCode, record.Error, record.AttemptCount,
		record.IdempotencyKey, record.Body,
	)
	if err != nil {
		return WriteResult{}, fmt.Errorf("webhook: sqlite insert: %w", err)
	}

	pruned := 0
	if s.retentionDays > 0 {
		cutoff := s.clock().UTC().AddDate(0, 0, -s.retentionDays).Format(time.RFC3339Nano)
		res, err := s.db.Exec(`DELETE FROM webhook_dead_letter WHERE timestamp < ?`, cutoff)
		if err != nil {
			return WriteResult{}, fmt.Errorf("webhook: sqlite prune: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			pruned = int(n)
		}
	}
	return WriteResult{Backend: "sqlite", Written: 1, Pruned: pruned}, nil
}

// Load implements Store; limit <= 0 loads everything, in write order.
func (s *SQLiteStore) Load(limit int) ([]Record, error) {
	q := `SELECT timestamp, event_type, endpoint_url, status_code, error, attempt_count, idempotency_key, body_json
		FROM webhook_dead_letter ORDER BY id ASC`
	var args []interface{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("webhook: sqlite load: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		var statusCode sql.NullInt64
		var errText sql.NullString
		if err := rows.Scan(&record.Timestamp, &record.EventType, &record.EndpointURL,
			&statusCode, &errText, &record.AttemptCount, &record.IdempotencyKey, &record.Body); err != nil {
			return nil, fmt.Errorf("webhook: sqlite scan: %w", err)
		}
		record.StatusCode = int(statusCode.Int64)
		record.Error = errText.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("webhook: sqlite rows: %w", err)
	}
	return records, nil
}
