// Package audit persists the gateway's append-only, hash-chained audit log.
//
// Every accepted request produces exactly one event. Each event carries the
// payload hash of its predecessor, so replaying the log detects any
// mutation, insertion, or deletion after the fact. The log is newline-
// delimited JSON, one event per line, ASCII-escaped.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sovereignrag/gateway/pkg/canonicalize"
	"github.com/sovereignrag/gateway/pkg/contracts"
)

// Event is one audit record. The audit-event schema is the contract for its
// field set; hashing is canonical JSON over the whole object, so the record
// stays a map rather than a struct.
type Event map[string]interface{}

// Clone returns a shallow copy of the event.
func (e Event) Clone() Event {
	out := make(Event, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// String returns the named field as a string, or "" when absent or not a string.
func (e Event) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// ValidationError reports an event that failed the audit-event contract at
// write time. The event was not appended.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("audit: event failed contract validation: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Writer appends hash-chained events to a JSONL log. All appends are
// serialized through one mutex; the writer is the only mutator of the file.
type Writer struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	contracts *contracts.Registry
	prevHash  string
	clock     func() time.Time
	newID     func() string
}

// NewWriter opens (or creates) the log at path. The tail of an existing log
// is scanned so the chain continues from the last parsable line; a trailing
// partial line from a crashed writer is ignored.
func NewWriter(path string, reg *contracts.Registry) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}

	prevHash, err := tailPayloadHash(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}

	return &Writer{
		path:      path,
		file:      f,
		contracts: reg,
		prevHash:  prevHash,
		clock:     time.Now,
		newID:     func() string { return uuid.NewString() },
	}, nil
}

// WithClock overrides the timestamp source for testing.
func (w *Writer) WithClock(clock func() time.Time) *Writer {
	w.clock = clock
	return w
}

// WithIDFunc overrides event-id generation for testing.
func (w *Writer) WithIDFunc(fn func() string) *Writer {
	w.newID = fn
	return w
}

// Path returns the log file path.
func (w *Writer) Path() string { return w.path }

// WriteEvent augments the event with event_id, created_at, prev_hash, and
// payload_hash, validates it against the audit-event contract, and appends
// it as one JSON line. The stored event is returned. No fsync is issued;
// a crash may truncate the final line, which readers must tolerate.
func (w *Writer) WriteEvent(event Event) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	stored := event.Clone()
	if stored.String("event_id") == "" {
		stored["event_id"] = w.newID()
	}
	if stored.String("created_at") == "" {
		stored["created_at"] = w.clock().UTC().Format(time.RFC3339)
	}
	stored["prev_hash"] = w.prevHash

	// payload_hash covers everything else, prev_hash included, so the chain
	// link is part of what the hash protects.
	delete(stored, "payload_hash")
	payloadHash, err := canonicalize.Hash(stored)
	if err != nil {
		return nil, fmt.Errorf("audit: hash event: %w", err)
	}
	stored["payload_hash"] = payloadHash

	if w.contracts != nil {
		if err := w.contracts.ValidateAuditEvent(stored); err != nil {
			return nil, &ValidationError{Err: err}
		}
	}

	line, err := canonicalize.JSON(stored)
	if err != nil {
		return nil, fmt.Errorf("audit: encode event: %w", err)
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("audit: append event: %w", err)
	}

	w.prevHash = payloadHash
	return stored, nil
}

// Close releases the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// tailPayloadHash returns the payload_hash of the last parsable line of the
// log, or "" when the file is absent, empty, or ends in garbage.
func tailPayloadHash(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: open existing log: %w", err)
	}
	defer f.Close()

	last := ""
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if h := event.String("payload_hash"); h != "" {
			last = h
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("audit: scan existing log: %w", err)
	}
	return last, nil
}
