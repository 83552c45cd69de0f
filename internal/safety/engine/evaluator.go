// Package engine computes admit/deny decisions for outreach actions from
// send counters, warm-up state, and a composite risk score.
package engine

import (
	"context"
	"time"

	"outreach-control-plane/internal/safety/domain"
)

// RiskLevel buckets the composite risk score for audit records.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Limits carries the configured numeric policy for one evaluation.
type Limits struct {
	// Nominal is the full daily limit for the evaluated kind.
	Nominal int
	// RampDays is the number of warm-up days until full limits.
	RampDays int
	// FloorFraction bounds the warm-up fraction from below so day one is
	// never zero.
	FloorFraction float64
	// BreakerThreshold is the risk score at which all kinds are blocked.
	BreakerThreshold float64
}

// SessionSignal is the slice of session state the risk score consumes.
type SessionSignal struct {
	ErrorCount     int
	ErrorThreshold int
}

// Input is one evaluation request.
type Input struct {
	Kind     domain.ActionKind
	Counters *domain.Counters
	Session  SessionSignal
	Limits   Limits
	Now      time.Time
}

// Decision is the evaluation result. A deny carries the reason and risk
// level written to the audit log.
type Decision struct {
	CanProceed    bool
	RiskScore     float64
	RiskLevel     RiskLevel
	AdjustedLimit int
	Remaining     int
	Reason        string
}

// Evaluator produces admit/deny decisions. Implementations: the built-in
// rule evaluator and the OPA Rego evaluator with tenant policy overrides.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}
