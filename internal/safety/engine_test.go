package safety

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"outreach-control-plane/internal/safety/domain"
	"outreach-control-plane/internal/safety/engine"
)

var testConfig = Config{
	DailyInviteLimit:    100,
	DailyMessageLimit:   150,
	WarmupRampDays:      10,
	WarmupFloorFraction: 0.1,
	BreakerThreshold:    0.8,
	ErrorThreshold:      5,
}

// mockCounterRepo is an in-memory counters repository.
type mockCounterRepo struct {
	mu       sync.Mutex
	counters map[string]*domain.Counters
}

func newMockCounterRepo() *mockCounterRepo {
	return &mockCounterRepo{counters: make(map[string]*domain.Counters)}
}

func (m *mockCounterRepo) key(t, w string) string { return t + "/" + w }

func (m *mockCounterRepo) EnsureCurrent(ctx context.Context, tenantID, workspaceID string, now time.Time, rampDays int) (*domain.Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[m.key(tenantID, workspaceID)]
	if !ok {
		c = &domain.Counters{
			TenantID: tenantID, WorkspaceID: workspaceID,
			WarmupDay: 1, WarmingUp: true, WindowStartedAt: now,
		}
		m.counters[m.key(tenantID, workspaceID)] = c
	}
	cp := *c
	return &cp, nil
}

func (m *mockCounterRepo) IncrementIfBelow(ctx context.Context, tenantID, workspaceID string, kind domain.ActionKind, limit int, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[m.key(tenantID, workspaceID)]
	if !ok {
		return false, nil
	}
	switch kind {
	case domain.KindInvite:
		if c.InvitesToday >= limit {
			return false, nil
		}
		c.InvitesToday++
	case domain.KindMessage:
		if c.MessagesToday >= limit {
			return false, nil
		}
		c.MessagesToday++
	}
	c.LastSentAt = &now
	return true, nil
}

func (m *mockCounterRepo) GetPolicy(ctx context.Context, tenantID string) (*domain.Policy, error) {
	return nil, nil
}

func (m *mockCounterRepo) UpsertPolicy(ctx context.Context, p *domain.Policy) error {
	return nil
}

func (m *mockCounterRepo) set(tenantID, workspaceID string, c domain.Counters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.TenantID, c.WorkspaceID = tenantID, workspaceID
	m.counters[m.key(tenantID, workspaceID)] = &c
}

// recordingAudit captures decisions and can be told to fail.
type recordingAudit struct {
	mu        sync.Mutex
	decisions []string
	failWith  error
}

func (r *recordingAudit) LogEvent(ctx context.Context, tenantID, workspaceID, action, resource, metadata string) {
}

func (r *recordingAudit) LogDecision(ctx context.Context, tenantID, workspaceID, action, resource, reason, riskLevel string) error {
	if r.failWith != nil {
		return r.failWith
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, action+":"+reason+":"+riskLevel)
	return nil
}

func TestEngine_CheckAllowsUnderLimit(t *testing.T) {
	repo := newMockCounterRepo()
	aud := &recordingAudit{}
	e := NewEngine(repo, engine.NewRuleEvaluator(), aud, testConfig)

	d, err := e.Check(context.Background(), "t1", "w1", domain.KindInvite, 0)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.CanProceed {
		t.Fatalf("fresh pair should proceed: %+v", d)
	}
	if d.AdjustedLimit != 10 {
		t.Errorf("day-one adjusted limit = %d, want 10", d.AdjustedLimit)
	}
	if len(aud.decisions) != 0 {
		t.Errorf("allow should not write a block decision: %v", aud.decisions)
	}
}

func TestEngine_CheckDenyIsAudited(t *testing.T) {
	repo := newMockCounterRepo()
	repo.set("t1", "w1", domain.Counters{WarmupDay: 1, WarmingUp: true, InvitesToday: 10, WindowStartedAt: time.Now().UTC()})
	aud := &recordingAudit{}
	e := NewEngine(repo, engine.NewRuleEvaluator(), aud, testConfig)

	d, err := e.Check(context.Background(), "t1", "w1", domain.KindInvite, 0)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.CanProceed {
		t.Fatal("at-cap check should deny")
	}
	if len(aud.decisions) != 1 || !strings.Contains(aud.decisions[0], "limit") {
		t.Fatalf("deny not audited with reason: %v", aud.decisions)
	}
}

func TestEngine_CheckSurfacesAuditFailure(t *testing.T) {
	repo := newMockCounterRepo()
	repo.set("t1", "w1", domain.Counters{WarmupDay: 1, WarmingUp: true, InvitesToday: 10, WindowStartedAt: time.Now().UTC()})
	auditErr := errors.New("audit store down")
	e := NewEngine(repo, engine.NewRuleEvaluator(), &recordingAudit{failWith: auditErr}, testConfig)

	_, err := e.Check(context.Background(), "t1", "w1", domain.KindInvite, 0)
	if !errors.Is(err, auditErr) {
		t.Fatalf("err = %v, want the audit failure surfaced", err)
	}
}

func TestEngine_CheckRejectsUnknownKind(t *testing.T) {
	e := NewEngine(newMockCounterRepo(), engine.NewRuleEvaluator(), &recordingAudit{}, testConfig)
	if _, err := e.Check(context.Background(), "t1", "w1", domain.ActionKind("carrier-pigeon"), 0); err == nil {
		t.Fatal("unknown kind should error")
	}
}

func TestEngine_RecordSendStopsAtAdjustedLimit(t *testing.T) {
	repo := newMockCounterRepo()
	e := NewEngine(repo, engine.NewRuleEvaluator(), &recordingAudit{}, testConfig)
	ctx := context.Background()

	// Warm-up day 1 with nominal 100 gives an adjusted limit of 10.
	for i := 0; i < 10; i++ {
		if err := e.RecordSend(ctx, "t1", "w1", domain.KindInvite); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}
	err := e.RecordSend(ctx, "t1", "w1", domain.KindInvite)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("11th send err = %v, want ErrRateLimited", err)
	}
}

func TestEngine_RecordSendKindsCountSeparately(t *testing.T) {
	repo := newMockCounterRepo()
	e := NewEngine(repo, engine.NewRuleEvaluator(), &recordingAudit{}, testConfig)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := e.RecordSend(ctx, "t1", "w1", domain.KindInvite); err != nil {
			t.Fatalf("invite %d: %v", i+1, err)
		}
	}
	// Message quota is untouched by invite sends.
	if err := e.RecordSend(ctx, "t1", "w1", domain.KindMessage); err != nil {
		t.Fatalf("message after invite cap: %v", err)
	}
}

type policyRecordingRepo struct {
	*mockCounterRepo
	stored *domain.Policy
}

func (r *policyRecordingRepo) UpsertPolicy(ctx context.Context, p *domain.Policy) error {
	r.stored = p
	return nil
}

func (r *policyRecordingRepo) GetPolicy(ctx context.Context, tenantID string) (*domain.Policy, error) {
	return r.stored, nil
}

func TestEngine_GetPolicyFallsBackToDefault(t *testing.T) {
	repo := &policyRecordingRepo{mockCounterRepo: newMockCounterRepo()}
	e := NewEngine(repo, engine.NewRuleEvaluator(), &recordingAudit{}, testConfig)
	ctx := context.Background()

	p, err := e.GetPolicy(ctx, "t1")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if p.TenantID != "t1" || !strings.Contains(p.Rego, "package outreach.safety") {
		t.Fatalf("default policy = %+v, want the built-in baseline", p)
	}

	src := "package outreach.safety\n\ndefault allow = true\n"
	if err := e.SetPolicy(ctx, "t1", src); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	p, err = e.GetPolicy(ctx, "t1")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if p.Rego != src {
		t.Errorf("rego = %q, want the stored override", p.Rego)
	}
}

func TestEngine_SetPolicyCompileChecks(t *testing.T) {
	repo := &policyRecordingRepo{mockCounterRepo: newMockCounterRepo()}
	e := NewEngine(repo, engine.NewRuleEvaluator(), &recordingAudit{}, testConfig)
	ctx := context.Background()

	src := "package outreach.safety\n\ndefault allow = true\n"
	if err := e.SetPolicy(ctx, "t1", src); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	if repo.stored == nil || repo.stored.TenantID != "t1" || repo.stored.Rego != src {
		t.Fatalf("policy not stored: %+v", repo.stored)
	}

	repo.stored = nil
	if err := e.SetPolicy(ctx, "t1", "package outreach.safety\n\nallow if {"); err == nil {
		t.Fatal("SetPolicy accepted a non-compiling policy")
	}
	if repo.stored != nil {
		t.Fatal("broken policy was persisted")
	}
}
