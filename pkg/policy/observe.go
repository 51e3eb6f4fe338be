package policy

import (
	"time"

	"github.com/google/uuid"
)

// Modes controlling how policy outages are handled.
const (
	ModeEnforce = "enforce"
	ModeObserve = "observe"
)

// ObserveHash marks decisions synthesized during a policy outage.
const ObserveHash = "observe"

// SynthesizeObserveAllow converts a policy failure into an allow decision.
// The original failure travels in deny_reason so audits keep the outage
// visible even though the request proceeds.
func SynthesizeObserveAllow(failure error, now time.Time) *Decision {
	reason := failure.Error()
	return &Decision{
		DecisionID:  uuid.NewString(),
		Allow:       true,
		DenyReason:  &reason,
		PolicyHash:  ObserveHash,
		EvaluatedAt: now.UTC().Format(time.RFC3339Nano),
		Transforms:  []TransformAction{},
	}
}
