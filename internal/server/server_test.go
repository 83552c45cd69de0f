package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"outreach-control-plane/internal/browser"
	proxydomain "outreach-control-plane/internal/proxy/domain"
	safetydomain "outreach-control-plane/internal/safety/domain"
	"outreach-control-plane/internal/schedule"
	scheddomain "outreach-control-plane/internal/schedule/domain"
	"outreach-control-plane/internal/security"
	"outreach-control-plane/internal/session"
	sessiondomain "outreach-control-plane/internal/session/domain"
)

const (
	testSecret = "test-secret"
	testIssuer = "outreach-auth"
)

type fakeSessions struct {
	captureErr    error
	connectErr    error
	disconnectErr error
	probeErr      error
	statusErr     error

	probeResult sessiondomain.ProbeResult
	report      *session.StatusReport

	lastTenant    string
	lastWorkspace string
	lastCookies   []browser.Cookie
}

func (f *fakeSessions) CaptureManual(ctx context.Context, tenantID, workspaceID string, cookies []browser.Cookie, profileName string) (*sessiondomain.Session, error) {
	f.lastTenant, f.lastWorkspace, f.lastCookies = tenantID, workspaceID, cookies
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	return &sessiondomain.Session{TenantID: tenantID, WorkspaceID: workspaceID, ProfileName: profileName}, nil
}

func (f *fakeSessions) Connect(ctx context.Context, tenantID, workspaceID string, cookies []browser.Cookie) (*sessiondomain.Session, error) {
	f.lastTenant, f.lastWorkspace, f.lastCookies = tenantID, workspaceID, cookies
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &sessiondomain.Session{TenantID: tenantID, WorkspaceID: workspaceID, ProfileName: "Jane Doe"}, nil
}

func (f *fakeSessions) Disconnect(ctx context.Context, tenantID, workspaceID string) error {
	f.lastTenant, f.lastWorkspace = tenantID, workspaceID
	return f.disconnectErr
}

func (f *fakeSessions) Probe(ctx context.Context, tenantID, workspaceID string) (sessiondomain.ProbeResult, error) {
	if f.probeErr != nil {
		return sessiondomain.ProbeUnreachable, f.probeErr
	}
	return f.probeResult, nil
}

func (f *fakeSessions) Status(ctx context.Context, tenantID, workspaceID string) (*session.StatusReport, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.report, nil
}

type fakeProxies struct {
	resetErr    error
	resetCalled bool
}

func (f *fakeProxies) ForceReset(ctx context.Context, tenantID, workspaceID string) error {
	f.resetCalled = true
	return f.resetErr
}

type fakeSchedule struct {
	batchErr      error
	reclassifyErr error
	recoverErr    error

	lastCampaign string
	lastChannel  scheddomain.Channel
	lastKind     safetydomain.ActionKind
	lastContacts []scheddomain.Contact
	lastChecker  schedule.ProfileChecker
}

func (f *fakeSchedule) ScheduleBatch(ctx context.Context, campaignID, tenantID, workspaceID string,
	channel scheddomain.Channel, kind safetydomain.ActionKind, contacts []scheddomain.Contact, message string) (*schedule.BatchResult, error) {
	f.lastCampaign, f.lastChannel, f.lastKind, f.lastContacts = campaignID, channel, kind, contacts
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return &schedule.BatchResult{Scheduled: len(contacts), Skipped: 0}, nil
}

func (f *fakeSchedule) ReclassifyFailures(ctx context.Context, campaignID string) (int, error) {
	f.lastCampaign = campaignID
	if f.reclassifyErr != nil {
		return 0, f.reclassifyErr
	}
	return 3, nil
}

func (f *fakeSchedule) RecoverStuck(ctx context.Context) (int, error) {
	if f.recoverErr != nil {
		return 0, f.recoverErr
	}
	return 2, nil
}

func (f *fakeSchedule) ReconcileSkipped(ctx context.Context, campaignID string, checker schedule.ProfileChecker) (int, error) {
	f.lastCampaign = campaignID
	f.lastChecker = checker
	return 4, nil
}

type fakeSafety struct {
	setErr     error
	lastTenant string
	lastRego   string
	stored     *safetydomain.Policy
}

func (f *fakeSafety) SetPolicy(ctx context.Context, tenantID, regoSrc string) error {
	f.lastTenant, f.lastRego = tenantID, regoSrc
	return f.setErr
}

func (f *fakeSafety) GetPolicy(ctx context.Context, tenantID string) (*safetydomain.Policy, error) {
	if f.stored != nil {
		return f.stored, nil
	}
	return &safetydomain.Policy{TenantID: tenantID, Rego: "package outreach.safety\n"}, nil
}

type fakeChecker struct{}

func (fakeChecker) ConnectionState(ctx context.Context, tenantID, workspaceID, profileURL string) (scheddomain.ConnectionState, error) {
	return scheddomain.StateConnected, nil
}

type auditEntry struct {
	TenantID    string
	WorkspaceID string
	Action      string
	Resource    string
	Metadata    string
}

type recordingAudit struct {
	entries []auditEntry
}

func (r *recordingAudit) LogEvent(ctx context.Context, tenantID, workspaceID, action, resource, metadata string) {
	r.entries = append(r.entries, auditEntry{tenantID, workspaceID, action, resource, metadata})
}

func (r *recordingAudit) LogDecision(ctx context.Context, tenantID, workspaceID, action, resource, reason, riskLevel string) error {
	r.entries = append(r.entries, auditEntry{tenantID, workspaceID, action, resource, reason})
	return nil
}

type testEnv struct {
	sessions *fakeSessions
	proxies  *fakeProxies
	schedule *fakeSchedule
	safety   *fakeSafety
	audit    *recordingAudit
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		sessions: &fakeSessions{report: &session.StatusReport{Connected: true, Status: sessiondomain.StatusHealthy, ProfileName: "Jane Doe", DaysUntilExpiry: 200}},
		proxies:  &fakeProxies{},
		schedule: &fakeSchedule{},
		safety:   &fakeSafety{},
		audit:    &recordingAudit{},
	}
	srv := New(Deps{
		Sessions: env.sessions,
		Proxies:  env.proxies,
		Schedule: env.schedule,
		Safety:   env.safety,
		Audit:    env.audit,
		Tokens:   security.NewTokenVerifier(testSecret, testIssuer),
		Profiles: fakeChecker{},
	})
	env.handler = srv.Handler()
	return env
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func mintToken(t *testing.T) string {
	t.Helper()
	token, err := security.IssueOperatorToken(testSecret, testIssuer, "ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueOperatorToken: %v", err)
	}
	return token
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/v1/workspaces/t1/w1/linkedin/status", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", w.Code)
	}

	w = env.do(t, http.MethodGet, "/v1/workspaces/t1/w1/linkedin/status", "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", w.Code)
	}

	expired, err := security.IssueOperatorToken(testSecret, testIssuer, "ops", -time.Minute)
	if err != nil {
		t.Fatalf("IssueOperatorToken: %v", err)
	}
	w = env.do(t, http.MethodGet, "/v1/workspaces/t1/w1/linkedin/status", expired, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expired token: status = %d, want 401", w.Code)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: status = %d, want 200", w.Code)
	}
}

func TestStatusReportsSession(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/workspaces/t1/w1/linkedin/status", mintToken(t), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var report session.StatusReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !report.Connected || report.Status != sessiondomain.StatusHealthy || report.ProfileName != "Jane Doe" {
		t.Errorf("unexpected report: %+v", report)
	}
	if report.DaysUntilExpiry != 200 {
		t.Errorf("DaysUntilExpiry = %d, want 200", report.DaysUntilExpiry)
	}
}

func TestCaptureRequiresCookies(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/workspaces/t1/w1/linkedin/capture", mintToken(t),
		map[string]any{"cookies": []browser.Cookie{}, "profileName": "Jane"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCaptureStoresCookies(t *testing.T) {
	env := newTestEnv(t)
	cookies := []browser.Cookie{{Name: "li_at", Value: "tok", Domain: ".linkedin.com"}}
	w := env.do(t, http.MethodPost, "/v1/workspaces/t1/w1/linkedin/capture", mintToken(t),
		captureRequest{Cookies: cookies, ProfileName: "Jane"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if env.sessions.lastTenant != "t1" || env.sessions.lastWorkspace != "w1" {
		t.Errorf("pair = %s/%s, want t1/w1", env.sessions.lastTenant, env.sessions.lastWorkspace)
	}
	if len(env.sessions.lastCookies) != 1 || env.sessions.lastCookies[0].Name != "li_at" {
		t.Errorf("cookies not forwarded: %+v", env.sessions.lastCookies)
	}
}

func TestConnectMapsSessionInvalid(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.connectErr = sessiondomain.ErrSessionInvalid
	w := env.do(t, http.MethodPost, "/v1/workspaces/t1/w1/linkedin/connect", mintToken(t),
		connectRequest{Cookies: []browser.Cookie{{Name: "li_at", Value: "tok"}}})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestConnectMapsPoolExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.connectErr = proxydomain.ErrPoolExhausted
	w := env.do(t, http.MethodPost, "/v1/workspaces/t1/w1/linkedin/connect", mintToken(t),
		connectRequest{Cookies: []browser.Cookie{{Name: "li_at", Value: "tok"}}})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestDisconnectMapsNotConnected(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.disconnectErr = sessiondomain.ErrNotConnected
	w := env.do(t, http.MethodPost, "/v1/workspaces/t1/w1/linkedin/disconnect", mintToken(t), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestProbeReportsResult(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.probeResult = sessiondomain.ProbeLoginRequired
	w := env.do(t, http.MethodPost, "/v1/workspaces/t1/w1/linkedin/probe", mintToken(t), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp probeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result != sessiondomain.ProbeLoginRequired.String() {
		t.Errorf("result = %q, want %q", resp.Result, sessiondomain.ProbeLoginRequired.String())
	}
}

func TestProxyReset(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/workspaces/t1/w1/proxy/reset", mintToken(t), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if !env.proxies.resetCalled {
		t.Error("ForceReset not called")
	}
}

func TestScheduleBatch(t *testing.T) {
	env := newTestEnv(t)
	req := scheduleRequest{
		TenantID:    "t1",
		WorkspaceID: "w1",
		Channel:     "linkedin",
		Kind:        "invite",
		Message:     "Hi {firstName}",
		Contacts: []scheduleContact{
			{ID: "c1", ProfileURL: "https://www.linkedin.com/in/c1"},
			{ID: "c2", ProfileURL: "https://www.linkedin.com/in/c2"},
		},
	}
	w := env.do(t, http.MethodPost, "/v1/campaigns/camp-1/schedule", mintToken(t), req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var resp scheduleResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Scheduled != 2 {
		t.Errorf("scheduled = %d, want 2", resp.Scheduled)
	}
	if env.schedule.lastCampaign != "camp-1" {
		t.Errorf("campaign = %q, want camp-1", env.schedule.lastCampaign)
	}
	if env.schedule.lastChannel != scheddomain.ChannelLinkedIn || env.schedule.lastKind != safetydomain.KindInvite {
		t.Errorf("channel/kind = %s/%s", env.schedule.lastChannel, env.schedule.lastKind)
	}
}

func TestScheduleBatchDefaultsToInvite(t *testing.T) {
	env := newTestEnv(t)
	req := scheduleRequest{
		TenantID:    "t1",
		WorkspaceID: "w1",
		Channel:     "linkedin",
		Contacts:    []scheduleContact{{ID: "c1", ProfileURL: "https://www.linkedin.com/in/c1"}},
	}
	w := env.do(t, http.MethodPost, "/v1/campaigns/camp-1/schedule", mintToken(t), req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if env.schedule.lastKind != safetydomain.KindInvite {
		t.Errorf("kind = %q, want invite", env.schedule.lastKind)
	}
}

func TestScheduleBatchRejectsUnknownChannel(t *testing.T) {
	env := newTestEnv(t)
	req := scheduleRequest{
		TenantID:    "t1",
		WorkspaceID: "w1",
		Channel:     "carrier-pigeon",
		Contacts:    []scheduleContact{{ID: "c1"}},
	}
	w := env.do(t, http.MethodPost, "/v1/campaigns/camp-1/schedule", mintToken(t), req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestScheduleBatchMapsRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.schedule.batchErr = safetydomain.ErrRateLimited
	req := scheduleRequest{
		TenantID:    "t1",
		WorkspaceID: "w1",
		Channel:     "email",
		Kind:        "message",
		Contacts:    []scheduleContact{{ID: "c1", Email: "c1@example.com"}},
	}
	w := env.do(t, http.MethodPost, "/v1/campaigns/camp-1/schedule", mintToken(t), req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestReclassify(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/campaigns/camp-1/reclassify", mintToken(t), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp countResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Updated != 3 {
		t.Errorf("updated = %d, want 3", resp.Updated)
	}
	if env.schedule.lastCampaign != "camp-1" {
		t.Errorf("campaign = %q, want camp-1", env.schedule.lastCampaign)
	}
}

func TestRecover(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/campaigns/camp-1/recover", mintToken(t), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp countResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Updated != 2 {
		t.Errorf("updated = %d, want 2", resp.Updated)
	}
}

func TestReconcileSkipped(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/campaigns/camp-1/reconcile-skipped", mintToken(t), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp countResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Updated != 4 {
		t.Errorf("updated = %d, want 4", resp.Updated)
	}
	if env.schedule.lastCampaign != "camp-1" {
		t.Errorf("campaign = %q, want camp-1", env.schedule.lastCampaign)
	}
	if env.schedule.lastChecker == nil {
		t.Error("profile checker was not handed to the scheduler")
	}
}

func TestReconcileSkipped_NoCheckerWired(t *testing.T) {
	env := newTestEnv(t)
	srv := New(Deps{
		Sessions: env.sessions,
		Proxies:  env.proxies,
		Schedule: env.schedule,
		Safety:   env.safety,
		Audit:    env.audit,
		Tokens:   security.NewTokenVerifier(testSecret, testIssuer),
	})
	env.handler = srv.Handler()

	w := env.do(t, http.MethodPost, "/v1/campaigns/camp-1/reconcile-skipped", mintToken(t), nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", w.Code, w.Body.String())
	}
}

func TestGetPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.safety.stored = &safetydomain.Policy{TenantID: "t1", Rego: "package outreach.safety\n\ndefault allow = true\n"}

	w := env.do(t, http.MethodGet, "/v1/tenants/t1/safety-policy", mintToken(t), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp policyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TenantID != "t1" || !strings.Contains(resp.Rego, "default allow = true") {
		t.Errorf("policy = %+v, want the stored override", resp)
	}
}

func TestSetPolicy(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPut, "/v1/tenants/t1/safety-policy", mintToken(t),
		policyRequest{Rego: "package outreach.safety\n\ndefault allow = false\n"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if env.safety.lastTenant != "t1" {
		t.Errorf("tenant = %q, want t1", env.safety.lastTenant)
	}
}

func TestSetPolicyRejectsBrokenSource(t *testing.T) {
	env := newTestEnv(t)
	env.safety.setErr = errors.New("compile policy: rego_parse_error")
	w := env.do(t, http.MethodPut, "/v1/tenants/t1/safety-policy", mintToken(t),
		policyRequest{Rego: "package outreach.safety\n\nallow if {"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSetPolicyRequiresSource(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPut, "/v1/tenants/t1/safety-policy", mintToken(t), policyRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestUnknownErrorIsOpaque(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.statusErr = errors.New("pq: connection refused on 10.0.0.5")
	w := env.do(t, http.MethodGet, "/v1/workspaces/t1/w1/linkedin/status", mintToken(t), nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "10.0.0.5") {
		t.Error("internal error detail leaked to client")
	}
}

func TestMutatingRequestsAreAudited(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/workspaces/t1/w1/linkedin/probe", mintToken(t), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(env.audit.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(env.audit.entries))
	}
	entry := env.audit.entries[0]
	if entry.Action != "api_request" {
		t.Errorf("action = %q, want api_request", entry.Action)
	}
	if entry.TenantID != "t1" || entry.WorkspaceID != "w1" {
		t.Errorf("pair = %s/%s, want t1/w1", entry.TenantID, entry.WorkspaceID)
	}
	var meta requestMetadata
	if err := json.Unmarshal([]byte(entry.Metadata), &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Operator != "ops@example.com" {
		t.Errorf("operator = %q, want ops@example.com", meta.Operator)
	}
	if meta.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", meta.Status)
	}
}

func TestReadsAreNotAudited(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/workspaces/t1/w1/linkedin/status", mintToken(t), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(env.audit.entries) != 0 {
		t.Errorf("audit entries = %d, want 0", len(env.audit.entries))
	}
}
