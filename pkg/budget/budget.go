// Package budget enforces per-tenant sliding-window token ceilings.
//
// The tracker answers one question before every provider call, namely
// whether this tenant may spend N more tokens right now, and records
// actual usage after.
// Accounting covers the trailing window only; entries age out on every
// read. Two backends ship: a mutex-guarded in-memory tracker for a single
// host, and a Redis sorted-set tracker for cross-host consistency.
package budget

import (
	"context"
	"fmt"
	"math"
)

// Summary is a point-in-time view of a tenant's window.
type Summary struct {
	TenantID       string  `json:"tenant_id"`
	WindowSeconds  int     `json:"window_seconds"`
	Ceiling        int     `json:"ceiling"`
	Used           int     `json:"used"`
	Remaining      int     `json:"remaining"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// ExceededError reports a request that would push the tenant over its ceiling.
type ExceededError struct {
	Tenant        string
	Used          int
	Requested     int
	Ceiling       int
	WindowSeconds int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: tenant %s over ceiling: used %d + requested %d > %d in %ds window",
		e.Tenant, e.Used, e.Requested, e.Ceiling, e.WindowSeconds)
}

// BackendError reports a backend (Redis) failure. The pipeline treats it as
// fail-closed and refuses the request rather than bypassing the budget.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("budget: backend %s failed: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// CeilingFunc resolves the token ceiling for a tenant, honoring per-tenant
// overrides.
type CeilingFunc func(tenantID string) int

// FixedCeiling returns a CeilingFunc that ignores the tenant.
func FixedCeiling(n int) CeilingFunc {
	return func(string) int { return n }
}

// Tracker is the budget interface the pipeline consumes.
type Tracker interface {
	// Check fails with ExceededError when used + requested would cross the
	// ceiling, and with BackendError when the backend is unreachable.
	Check(ctx context.Context, tenantID string, requested int) error
	// Record appends actual usage to the tenant's window.
	Record(ctx context.Context, tenantID string, tokens int) error
	// CheckRunning is the non-failing variant used mid-stream: false means
	// the stream should terminate.
	CheckRunning(ctx context.Context, tenantID string, requested int) (bool, error)
	// Summary reports the tenant's current window state.
	Summary(ctx context.Context, tenantID string) (Summary, error)
}

func buildSummary(tenantID string, windowSeconds, ceiling, used int) Summary {
	remaining := ceiling - used
	if remaining < 0 {
		remaining = 0
	}
	pct := 0.0
	if ceiling > 0 {
		pct = math.Round(float64(used)/float64(ceiling)*100*100) / 100
	}
	return Summary{
		TenantID:       tenantID,
		WindowSeconds:  windowSeconds,
		Ceiling:        ceiling,
		Used:           used,
		Remaining:      remaining,
		UtilizationPct: pct,
	}
}
