package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sovereignrag/gateway/pkg/canonicalize"
)

// ChainError reports the first broken link found during verification.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit: chain broken at event %d: %s", e.Index, e.Reason)
}

// ReadLog parses every event line in the log. Blank lines are skipped. An
// unparsable final line is tolerated (a crashed writer may truncate it); an
// unparsable line anywhere else is corruption and fails the read.
func ReadLog(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	var events []Event
	var pendingErr error
	pendingLine := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if pendingErr != nil {
			return nil, fmt.Errorf("audit: unparsable event at line %d: %w", pendingLine, pendingErr)
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			// Only fatal if another line follows.
			pendingErr = err
			pendingLine = lineNo
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan log: %w", err)
	}
	return events, nil
}

// VerifyChain walks the events in order, checking that every prev_hash
// matches the predecessor's payload_hash and that every payload_hash
// recomputes from the event content. Returns nil when the chain is intact.
func VerifyChain(events []Event) error {
	prevHash := ""
	for i, event := range events {
		if got := event.String("prev_hash"); got != prevHash {
			return &ChainError{Index: i, Reason: fmt.Sprintf("prev_hash %q does not match predecessor payload_hash %q", got, prevHash)}
		}

		recorded := event.String("payload_hash")
		if recorded == "" {
			return &ChainError{Index: i, Reason: "missing payload_hash"}
		}
		computed, err := recomputePayloadHash(event)
		if err != nil {
			return &ChainError{Index: i, Reason: err.Error()}
		}
		if computed != recorded {
			return &ChainError{Index: i, Reason: fmt.Sprintf("payload_hash mismatch: recorded %q, recomputed %q", recorded, computed)}
		}
		prevHash = recorded
	}
	return nil
}

func recomputePayloadHash(event Event) (string, error) {
	stripped := event.Clone()
	delete(stripped, "payload_hash")
	h, err := canonicalize.Hash(stripped)
	if err != nil {
		return "", fmt.Errorf("rehash failed: %w", err)
	}
	return h, nil
}

// VerifyLog reads the log at path and verifies its chain.
func VerifyLog(path string) (int, error) {
	events, err := ReadLog(path)
	if err != nil {
		return 0, err
	}
	if err := VerifyChain(events); err != nil {
		return len(events), err
	}
	return len(events), nil
}

// FindByRequestID returns the last event carrying the given request_id, or
// nil when the log has none.
func FindByRequestID(events []Event, requestID string) Event {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].String("request_id") == requestID {
			return events[i]
		}
	}
	return nil
}
