package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"outreach-control-plane/internal/safety/domain"
	"outreach-control-plane/internal/safety/repository"
)

const defaultPolicyPackage = "outreach.safety"

// Default Rego policy mirroring the built-in rule evaluator, so a tenant
// without an override gets identical decisions from either evaluator.
const defaultRegoPolicy = `package outreach.safety

default block_all = false

block_all if {
	input.risk.score >= input.limits.breaker_threshold
}

warmup_fraction = f if {
	input.counters.warming_up
	raw := input.counters.warmup_day / input.limits.ramp_days
	capped := min([raw, 1])
	f := max([capped, input.limits.floor_fraction])
}

warmup_fraction = 1 if {
	not input.counters.warming_up
}

adjusted_limit = ceil(input.limits.nominal * warmup_fraction)

default allow = false

allow if {
	not block_all
	input.counters.sent_today < adjusted_limit
}

default reason = ""

reason = "risk circuit breaker open" if {
	block_all
}

reason = "daily limit reached" if {
	not block_all
	input.counters.sent_today >= adjusted_limit
}
`

// OPAEvaluator evaluates safety policy in OPA Rego, with per-tenant policy
// override rows. The composite risk score is computed in Go and handed to
// the policy as input; the policy decides what to do with it.
type OPAEvaluator struct {
	policyRepo repository.Repository
	fallback   *RuleEvaluator
}

// NewOPAEvaluator returns an OPA-based safety evaluator.
func NewOPAEvaluator(policyRepo repository.Repository) *OPAEvaluator {
	return &OPAEvaluator{policyRepo: policyRepo, fallback: NewRuleEvaluator()}
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and
// evaluate the default policy. Does not touch the policy repo. Returns nil
// on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	compiler, err := ast.CompileModules(map[string]string{"policy_0.rego": defaultRegoPolicy})
	if err != nil {
		return fmt.Errorf("compile default policy: %w", err)
	}
	q := rego.New(
		rego.Query("data."+defaultPolicyPackage+".allow"),
		rego.Compiler(compiler),
		rego.Input(minimalInput()),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return fmt.Errorf("eval default policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	return nil
}

// CompilePolicy checks that regoSrc compiles. Used before persisting a
// tenant override so a broken policy is rejected at write time instead of
// silently falling back at evaluation time.
func CompilePolicy(regoSrc string) error {
	if _, err := ast.CompileModules(map[string]string{"policy_0.rego": regoSrc}); err != nil {
		return fmt.Errorf("compile policy: %w", err)
	}
	return nil
}

func minimalInput() map[string]interface{} {
	return map[string]interface{}{
		"kind": "invite",
		"counters": map[string]interface{}{
			"sent_today": 0,
			"warmup_day": 1,
			"warming_up": true,
		},
		"limits": map[string]interface{}{
			"nominal":           100,
			"ramp_days":         10,
			"floor_fraction":    0.1,
			"breaker_threshold": 0.8,
		},
		"risk": map[string]interface{}{
			"score": 0.0,
			"level": "low",
		},
	}
}

// Evaluate runs the tenant's Rego override, or the default policy when none
// is set. Policy load and evaluation failures fall back to the built-in
// rule evaluator rather than blocking sends on engine trouble.
func (e *OPAEvaluator) Evaluate(ctx context.Context, in Input) (Decision, error) {
	score := RiskScore(in)
	level := LevelFor(score, in.Limits.BreakerThreshold)

	policy := defaultRegoPolicy
	if e.policyRepo != nil {
		override, err := e.policyRepo.GetPolicy(ctx, in.Counters.TenantID)
		if err != nil {
			log.Printf("safety: load policy for tenant %s: %v", in.Counters.TenantID, err)
		} else if override != nil && override.Rego != "" {
			policy = override.Rego
		}
	}

	d, err := e.evaluatePolicy(ctx, policy, e.buildInput(in, score, level))
	if err != nil {
		log.Printf("safety: policy evaluation failed: %v, using built-in rules", err)
		return e.fallback.Evaluate(ctx, in)
	}
	d.RiskScore = score
	d.RiskLevel = level
	d.Remaining = d.AdjustedLimit - in.Counters.SentToday(in.Kind)
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}

func (e *OPAEvaluator) buildInput(in Input, score float64, level RiskLevel) map[string]interface{} {
	return map[string]interface{}{
		"kind": string(in.Kind),
		"counters": map[string]interface{}{
			"sent_today": in.Counters.SentToday(in.Kind),
			"warmup_day": in.Counters.WarmupDay,
			"warming_up": in.Counters.WarmingUp,
		},
		"limits": map[string]interface{}{
			"nominal":           in.Limits.Nominal,
			"ramp_days":         in.Limits.RampDays,
			"floor_fraction":    in.Limits.FloorFraction,
			"breaker_threshold": in.Limits.BreakerThreshold,
		},
		"risk": map[string]interface{}{
			"score": score,
			"level": string(level),
		},
	}
}

func (e *OPAEvaluator) evaluatePolicy(ctx context.Context, policy string, input map[string]interface{}) (Decision, error) {
	compiler, err := ast.CompileModules(map[string]string{"policy_0.rego": policy})
	if err != nil {
		return Decision{}, fmt.Errorf("compile policy: %w", err)
	}

	var d Decision

	allowRS, err := rego.New(
		rego.Query("data."+defaultPolicyPackage+".allow"),
		rego.Compiler(compiler),
		rego.Input(input),
	).Eval(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("eval allow: %w", err)
	}
	if len(allowRS) == 0 || len(allowRS[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("allow query returned no result")
	}
	if v, ok := allowRS[0].Expressions[0].Value.(bool); ok {
		d.CanProceed = v
	}

	limitRS, err := rego.New(
		rego.Query("data."+defaultPolicyPackage+".adjusted_limit"),
		rego.Compiler(compiler),
		rego.Input(input),
	).Eval(ctx)
	if err == nil && len(limitRS) > 0 && len(limitRS[0].Expressions) > 0 {
		switch v := limitRS[0].Expressions[0].Value.(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil {
				d.AdjustedLimit = int(n)
			}
		case float64:
			d.AdjustedLimit = int(v)
		case int64:
			d.AdjustedLimit = int(v)
		}
	}

	reasonRS, err := rego.New(
		rego.Query("data."+defaultPolicyPackage+".reason"),
		rego.Compiler(compiler),
		rego.Input(input),
	).Eval(ctx)
	if err == nil && len(reasonRS) > 0 && len(reasonRS[0].Expressions) > 0 {
		if v, ok := reasonRS[0].Expressions[0].Value.(string); ok {
			d.Reason = v
		}
	}

	return d, nil
}

var _ Evaluator = (*OPAEvaluator)(nil)
var _ Evaluator = (*RuleEvaluator)(nil)

// DefaultPolicy returns the default Rego policy text, used by seeding and
// operator tooling to show tenants the baseline they are overriding.
func DefaultPolicy() domain.Policy {
	return domain.Policy{Rego: defaultRegoPolicy}
}
