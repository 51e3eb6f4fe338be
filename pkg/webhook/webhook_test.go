package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereignrag/gateway/pkg/webhook"
)

func newDispatcher(endpoints ...webhook.Endpoint) *webhook.Dispatcher {
	return webhook.NewDispatcher(webhook.Options{
		Endpoints:   endpoints,
		Timeout:     2 * time.Second,
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	})
}

func TestDispatchDeliversEnvelope(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
	}))
	defer srv.Close()

	d := newDispatcher(webhook.Endpoint{URL: srv.URL, Secret: "hook-secret"})
	results := d.Dispatch(context.Background(), webhook.EventPolicyDenied, map[string]interface{}{
		"request_id": "req-1",
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 200, results[0].StatusCode)
	assert.Equal(t, 1, results[0].AttemptCount)

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	assert.Equal(t, "policy_denied", envelope["event_type"])
	assert.Equal(t, "0.4.0", envelope["gateway_version"])
	assert.Contains(t, envelope["event_id"], "evt-")
	payload := envelope["payload"].(map[string]interface{})
	assert.Equal(t, "req-1", payload["request_id"])

	assert.Equal(t, "SovereignRAGGateway/0.4.0", gotHeaders.Get("User-Agent"))

	// Signature is HMAC-SHA256 of the exact body, keyed by the secret.
	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotHeaders.Get("X-SRG-Signature"))

	sum := sha256.Sum256([]byte(srv.URL + ":" + string(gotBody)))
	assert.Equal(t, hex.EncodeToString(sum[:]), gotHeaders.Get("X-SRG-Idempotency-Key"))
}

func TestDispatchNoSignatureWithoutSecret(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
	}))
	defer srv.Close()

	d := newDispatcher(webhook.Endpoint{URL: srv.URL})
	d.Dispatch(context.Background(), webhook.EventRedactionHit, map[string]interface{}{})
	assert.Empty(t, gotHeaders.Get("X-SRG-Signature"))
}

func TestDispatchSubscriptionFilter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	d := newDispatcher(
		webhook.Endpoint{URL: srv.URL, EventTypes: []string{webhook.EventBudgetExceeded}},
		webhook.Endpoint{URL: srv.URL, Disabled: true},
	)

	assert.True(t, d.ShouldFire(webhook.EventBudgetExceeded))
	assert.False(t, d.ShouldFire(webhook.EventPolicyDenied))

	results := d.Dispatch(context.Background(), webhook.EventPolicyDenied, map[string]interface{}{})
	assert.Empty(t, results)
	assert.EqualValues(t, 0, calls.Load())

	results = d.Dispatch(context.Background(), webhook.EventBudgetExceeded, map[string]interface{}{})
	assert.Len(t, results, 1)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDispatchRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}))
	defer srv.Close()

	d := newDispatcher(webhook.Endpoint{URL: srv.URL})
	results := d.Dispatch(context.Background(), webhook.EventProviderError, map[string]interface{}{})

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].AttemptCount)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDispatchDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newDispatcher(webhook.Endpoint{URL: srv.URL})
	results := d.Dispatch(context.Background(), webhook.EventProviderError, map[string]interface{}{})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, 400, results[0].StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDispatchDeadLettersOnFinalFailure(t *testing.T) {
	store := webhook.NewJSONLStore(t.TempDir()+"/dead.jsonl", 0)
	d := webhook.NewDispatcher(webhook.Options{
		Endpoints:   []webhook.Endpoint{{URL: "http://127.0.0.1:1/hook"}},
		Timeout:     time.Second,
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
		DeadLetters: store,
	})

	results := d.Dispatch(context.Background(), webhook.EventBudgetExceeded, map[string]interface{}{
		"tenant_id": "tenant-a",
	})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, 2, results[0].AttemptCount)
	assert.NotEmpty(t, results[0].Error)

	records, err := store.Load(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "budget_exceeded", records[0].EventType)
	assert.Equal(t, "http://127.0.0.1:1/hook", records[0].EndpointURL)

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(records[0].Body), &envelope))
	assert.Equal(t, "budget_exceeded", envelope["event_type"])
}

func TestRecentDeliveriesNewestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	d := newDispatcher(webhook.Endpoint{URL: srv.URL})
	d.Dispatch(context.Background(), webhook.EventPolicyDenied, map[string]interface{}{})
	d.Dispatch(context.Background(), webhook.EventRedactionHit, map[string]interface{}{})

	recent := d.RecentDeliveries(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "redaction_hit", recent[0].EventType)
	assert.Equal(t, "policy_denied", recent[1].EventType)

	one := d.RecentDeliveries(1)
	require.Len(t, one, 1)
	assert.Equal(t, "redaction_hit", one[0].EventType)
}
