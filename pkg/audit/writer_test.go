package audit_test

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereignrag/gateway/pkg/audit"
	"github.com/sovereignrag/gateway/pkg/contracts"
)

func testRegistry(t *testing.T) *contracts.Registry {
	t.Helper()
	reg, err := contracts.Load("")
	require.NoError(t, err)
	return reg
}

// sampleEvent returns a schema-complete audit event for the given request.
func sampleEvent(requestID string) audit.Event {
	return audit.Event{
		"request_id":             requestID,
		"tenant_id":              "tenant-a",
		"user_id":                "user-1",
		"endpoint":               "/v1/chat/completions",
		"requested_model":        "gpt-4o-mini",
		"selected_model":         "gpt-4o-mini",
		"provider":               "stub",
		"policy_decision":        "allow",
		"policy_decision_id":     "dec-1",
		"policy_evaluated_at":    "2026-01-01T00:00:00Z",
		"policy_allow":           true,
		"policy_mode":            "enforce",
		"policy_hash":            "abc",
		"transforms_applied":     []string{},
		"redaction_count":        0,
		"input_redaction_count":  0,
		"output_redaction_count": 0,
		"request_payload_hash":   "h1",
		"redacted_payload_hash":  "h2",
		"retrieval_citations":    []interface{}{},
		"streaming":              false,
		"tokens_in":              10,
		"tokens_out":             20,
		"cost_usd":               0.00003,
		"provider_attempts":      1,
		"fallback_chain":         []string{"stub"},
		"trace_id":               requestID,
	}
}

func newTestWriter(t *testing.T) (*audit.Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := audit.NewWriter(path, testRegistry(t))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestWriteEventChainsHashes(t *testing.T) {
	w, path := newTestWriter(t)

	var stored []audit.Event
	for i := 0; i < 3; i++ {
		ev, err := w.WriteEvent(sampleEvent(fmt.Sprintf("req-%d", i)))
		require.NoError(t, err)
		stored = append(stored, ev)
	}

	assert.Equal(t, "", stored[0].String("prev_hash"))
	assert.Equal(t, stored[0].String("payload_hash"), stored[1].String("prev_hash"))
	assert.Equal(t, stored[1].String("payload_hash"), stored[2].String("prev_hash"))

	events, err := audit.ReadLog(path)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.NoError(t, audit.VerifyChain(events))
}

func TestWriteEventFillsDefaults(t *testing.T) {
	w, _ := newTestWriter(t)
	w.WithClock(func() time.Time {
		return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	})

	ev, err := w.WriteEvent(sampleEvent("req-defaults"))
	require.NoError(t, err)
	assert.NotEmpty(t, ev.String("event_id"))
	assert.Equal(t, "2026-03-14T09:26:53Z", ev.String("created_at"))
	assert.NotEmpty(t, ev.String("payload_hash"))
}

func TestWriteEventInputNotMutated(t *testing.T) {
	w, _ := newTestWriter(t)

	in := sampleEvent("req-immutable")
	_, err := w.WriteEvent(in)
	require.NoError(t, err)
	_, hasHash := in["payload_hash"]
	assert.False(t, hasHash)
}

func TestWriteEventContractFailureRefused(t *testing.T) {
	w, path := newTestWriter(t)

	bad := sampleEvent("req-bad")
	delete(bad, "tenant_id")
	_, err := w.WriteEvent(bad)

	var vErr *audit.ValidationError
	require.ErrorAs(t, err, &vErr)

	// Nothing appended; the next event still starts the chain.
	ev, err := w.WriteEvent(sampleEvent("req-ok"))
	require.NoError(t, err)
	assert.Equal(t, "", ev.String("prev_hash"))

	events, err := audit.ReadLog(path)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestWriterResumesChainAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	reg := testRegistry(t)

	w1, err := audit.NewWriter(path, reg)
	require.NoError(t, err)
	first, err := w1.WriteEvent(sampleEvent("req-1"))
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	w2, err := audit.NewWriter(path, reg)
	require.NoError(t, err)
	defer w2.Close()
	second, err := w2.WriteEvent(sampleEvent("req-2"))
	require.NoError(t, err)

	assert.Equal(t, first.String("payload_hash"), second.String("prev_hash"))

	events, err := audit.ReadLog(path)
	require.NoError(t, err)
	assert.NoError(t, audit.VerifyChain(events))
}

func TestReadLogToleratesTrailingPartialLine(t *testing.T) {
	w, path := newTestWriter(t)
	_, err := w.WriteEvent(sampleEvent("req-1"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":"trunc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := audit.ReadLog(path)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.NoError(t, audit.VerifyChain(events))
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	w, path := newTestWriter(t)
	for i := 0; i < 3; i++ {
		_, err := w.WriteEvent(sampleEvent(fmt.Sprintf("req-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)

	var middle map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &middle))
	middle["tokens_out"] = 999999
	tampered, err := json.Marshal(middle)
	require.NoError(t, err)
	lines[1] = string(tampered)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	count, err := audit.VerifyLog(path)
	assert.Equal(t, 3, count)

	var chainErr *audit.ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, 1, chainErr.Index)
}

func TestVerifyChainDetectsDeletedLine(t *testing.T) {
	w, path := newTestWriter(t)
	for i := 0; i < 3; i++ {
		_, err := w.WriteEvent(sampleEvent(fmt.Sprintf("req-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+"\n"+lines[2]+"\n"), 0o600))

	_, err = audit.VerifyLog(path)
	var chainErr *audit.ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, 1, chainErr.Index)
}
