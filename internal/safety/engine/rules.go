package engine

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Risk score component weights. Error pressure dominates: repeated
// provider-side rejections signal account risk more strongly than volume.
const (
	errorWeight     = 0.6
	staleWeight     = 0.2
	warmupWeight    = 0.2
	staleWindow     = 7 * 24 * time.Hour
	mediumThreshold = 0.4
)

// AdjustedLimit applies the warm-up schedule to a nominal daily limit:
// ceil(nominal * warmupDay/rampDays), capped at nominal and floored at
// floorFraction of it.
func AdjustedLimit(nominal, warmupDay, rampDays int, warmingUp bool, floorFraction float64) int {
	if !warmingUp || rampDays <= 0 {
		return nominal
	}
	frac := float64(warmupDay) / float64(rampDays)
	if frac > 1 {
		frac = 1
	}
	if frac < floorFraction {
		frac = floorFraction
	}
	return int(math.Ceil(float64(nominal) * frac))
}

// RiskScore combines error pressure, time since the last successful send,
// and warm-up immaturity into a score in [0, 1].
func RiskScore(in Input) float64 {
	var score float64

	if th := in.Session.ErrorThreshold; th > 0 {
		frac := float64(in.Session.ErrorCount) / float64(th)
		if frac > 1 {
			frac = 1
		}
		score += frac * errorWeight
	}

	if last := in.Counters.LastSentAt; last != nil {
		frac := float64(in.Now.Sub(*last)) / float64(staleWindow)
		if frac > 1 {
			frac = 1
		}
		if frac > 0 {
			score += frac * staleWeight
		}
	}

	if in.Counters.WarmingUp && in.Limits.RampDays > 0 {
		frac := float64(in.Counters.WarmupDay) / float64(in.Limits.RampDays)
		if frac > 1 {
			frac = 1
		}
		score += (1 - frac) * warmupWeight
	}

	return score
}

// LevelFor buckets a risk score against the breaker threshold.
func LevelFor(score, breakerThreshold float64) RiskLevel {
	switch {
	case score >= breakerThreshold:
		return RiskHigh
	case score >= mediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RuleEvaluator is the built-in evaluator. The default Rego policy of the
// OPA evaluator mirrors its logic.
type RuleEvaluator struct{}

func NewRuleEvaluator() *RuleEvaluator { return &RuleEvaluator{} }

// Evaluate applies, in order: the risk circuit breaker (blocks every kind),
// then the warm-up-adjusted daily cap for the requested kind.
func (e *RuleEvaluator) Evaluate(ctx context.Context, in Input) (Decision, error) {
	score := RiskScore(in)
	level := LevelFor(score, in.Limits.BreakerThreshold)
	limit := AdjustedLimit(in.Limits.Nominal, in.Counters.WarmupDay, in.Limits.RampDays,
		in.Counters.WarmingUp, in.Limits.FloorFraction)
	sent := in.Counters.SentToday(in.Kind)

	d := Decision{
		RiskScore:     score,
		RiskLevel:     level,
		AdjustedLimit: limit,
		Remaining:     limit - sent,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	if level == RiskHigh {
		d.Reason = "risk circuit breaker open"
		return d, nil
	}
	if sent >= limit {
		d.Reason = fmt.Sprintf("daily %s limit reached (%d/%d)", in.Kind, sent, limit)
		return d, nil
	}

	d.CanProceed = true
	return d, nil
}
