// Package server exposes the operator HTTP API: session lifecycle, proxy
// resets, and campaign scheduling operations. All routes except /healthz
// require an operator bearer token.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"outreach-control-plane/internal/audit"
	"outreach-control-plane/internal/browser"
	proxydomain "outreach-control-plane/internal/proxy/domain"
	safetydomain "outreach-control-plane/internal/safety/domain"
	"outreach-control-plane/internal/schedule"
	scheddomain "outreach-control-plane/internal/schedule/domain"
	"outreach-control-plane/internal/security"
	"outreach-control-plane/internal/session"
	sessiondomain "outreach-control-plane/internal/session/domain"
)

const maxBodyBytes = 1 << 20

// SessionService is the session lifecycle surface the API exposes.
// *session.Manager implements it.
type SessionService interface {
	CaptureManual(ctx context.Context, tenantID, workspaceID string, cookies []browser.Cookie, profileName string) (*sessiondomain.Session, error)
	Connect(ctx context.Context, tenantID, workspaceID string, cookies []browser.Cookie) (*sessiondomain.Session, error)
	Disconnect(ctx context.Context, tenantID, workspaceID string) error
	Probe(ctx context.Context, tenantID, workspaceID string) (sessiondomain.ProbeResult, error)
	Status(ctx context.Context, tenantID, workspaceID string) (*session.StatusReport, error)
}

// ProxyService is the proxy pool surface the API exposes.
// *proxy.Orchestrator implements it.
type ProxyService interface {
	ForceReset(ctx context.Context, tenantID, workspaceID string) error
}

// ScheduleService is the campaign scheduling surface the API exposes.
// *schedule.Scheduler implements it.
type ScheduleService interface {
	ScheduleBatch(ctx context.Context, campaignID, tenantID, workspaceID string,
		channel scheddomain.Channel, kind safetydomain.ActionKind, contacts []scheddomain.Contact, message string) (*schedule.BatchResult, error)
	ReclassifyFailures(ctx context.Context, campaignID string) (int, error)
	RecoverStuck(ctx context.Context) (int, error)
	ReconcileSkipped(ctx context.Context, campaignID string, checker schedule.ProfileChecker) (int, error)
}

// SafetyService is the policy surface the API exposes. *safety.Engine
// implements it.
type SafetyService interface {
	SetPolicy(ctx context.Context, tenantID, regoSrc string) error
	GetPolicy(ctx context.Context, tenantID string) (*safetydomain.Policy, error)
}

// Pinger reports storage readiness for /healthz (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker reports safety policy engine readiness for /healthz
// (e.g. the OPA evaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the services wired into the HTTP API.
type Deps struct {
	Sessions SessionService
	Proxies  ProxyService
	Schedule ScheduleService
	Safety   SafetyService
	Audit    audit.AuditLogger
	Tokens   *security.TokenVerifier
	// Profiles verifies live connection state for skipped-step
	// reconciliation. If nil, the reconcile-skipped route reports 503.
	Profiles schedule.ProfileChecker
	// DB is pinged by /healthz readiness. If nil, the DB check is skipped.
	DB Pinger
	// Policy is checked by /healthz readiness. If nil, the policy check is skipped.
	Policy PolicyChecker
}

// Server is the operator HTTP API.
type Server struct {
	deps Deps
}

// New returns a Server over deps.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Handler returns the routed HTTP handler with auth, audit, and tracing
// middleware applied to every route except /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.route(mux, "GET /v1/workspaces/{tenant}/{workspace}/linkedin/status", s.handleStatus)
	s.route(mux, "POST /v1/workspaces/{tenant}/{workspace}/linkedin/capture", s.handleCapture)
	s.route(mux, "POST /v1/workspaces/{tenant}/{workspace}/linkedin/connect", s.handleConnect)
	s.route(mux, "POST /v1/workspaces/{tenant}/{workspace}/linkedin/disconnect", s.handleDisconnect)
	s.route(mux, "POST /v1/workspaces/{tenant}/{workspace}/linkedin/probe", s.handleProbe)
	s.route(mux, "POST /v1/workspaces/{tenant}/{workspace}/proxy/reset", s.handleProxyReset)

	s.route(mux, "PUT /v1/tenants/{tenant}/safety-policy", s.handleSetPolicy)
	s.route(mux, "GET /v1/tenants/{tenant}/safety-policy", s.handleGetPolicy)

	s.route(mux, "POST /v1/campaigns/{id}/schedule", s.handleScheduleBatch)
	s.route(mux, "POST /v1/campaigns/{id}/reclassify", s.handleReclassify)
	s.route(mux, "POST /v1/campaigns/{id}/recover", s.handleRecover)
	s.route(mux, "POST /v1/campaigns/{id}/reconcile-skipped", s.handleReconcileSkipped)

	return mux
}

// route registers pattern with the middleware chain applied. Registering
// per route keeps the matched pattern and path values visible to the
// middleware.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	var handler http.Handler = h
	handler = Audit(s.deps.Audit)(handler)
	handler = Auth(s.deps.Tokens)(handler)
	handler = Trace()(handler)
	mux.Handle(pattern, handler)
}

func pairFromPath(r *http.Request) (tenantID, workspaceID string, ok bool) {
	tenantID = strings.TrimSpace(r.PathValue("tenant"))
	workspaceID = strings.TrimSpace(r.PathValue("workspace"))
	return tenantID, workspaceID, tenantID != "" && workspaceID != ""
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if s.deps.DB != nil {
		if err := s.deps.DB.PingContext(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	if s.deps.Policy != nil {
		if err := s.deps.Policy.HealthCheck(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "policy engine unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, workspaceID, ok := pairFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "tenant and workspace are required")
		return
	}
	report, err := s.deps.Sessions.Status(r.Context(), tenantID, workspaceID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type captureRequest struct {
	Cookies     []browser.Cookie `json:"cookies"`
	ProfileName string           `json:"profileName"`
}

type sessionResponse struct {
	Status      string `json:"status"`
	ProfileName string `json:"profileName,omitempty"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	tenantID, workspaceID, ok := pairFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "tenant and workspace are required")
		return
	}
	var req captureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Cookies) == 0 {
		writeError(w, http.StatusBadRequest, "cookies are required")
		return
	}
	sess, err := s.deps.Sessions.CaptureManual(r.Context(), tenantID, workspaceID, req.Cookies, req.ProfileName)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Status: string(sessiondomain.StatusHealthy), ProfileName: sess.ProfileName})
}

type connectRequest struct {
	Cookies []browser.Cookie `json:"cookies"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	tenantID, workspaceID, ok := pairFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "tenant and workspace are required")
		return
	}
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Cookies) == 0 {
		writeError(w, http.StatusBadRequest, "cookies are required")
		return
	}
	sess, err := s.deps.Sessions.Connect(r.Context(), tenantID, workspaceID, req.Cookies)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Status: string(sessiondomain.StatusHealthy), ProfileName: sess.ProfileName})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	tenantID, workspaceID, ok := pairFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "tenant and workspace are required")
		return
	}
	if err := s.deps.Sessions.Disconnect(r.Context(), tenantID, workspaceID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(sessiondomain.StatusNotConnected)})
}

type probeResponse struct {
	Result string `json:"result"`
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	tenantID, workspaceID, ok := pairFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "tenant and workspace are required")
		return
	}
	result, err := s.deps.Sessions.Probe(r.Context(), tenantID, workspaceID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, probeResponse{Result: result.String()})
}

func (s *Server) handleProxyReset(w http.ResponseWriter, r *http.Request) {
	tenantID, workspaceID, ok := pairFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "tenant and workspace are required")
		return
	}
	if err := s.deps.Proxies.ForceReset(r.Context(), tenantID, workspaceID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type policyRequest struct {
	Rego string `json:"rego"`
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant"))
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	var req policyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Rego) == "" {
		writeError(w, http.StatusBadRequest, "rego source is required")
		return
	}
	if err := s.deps.Safety.SetPolicy(r.Context(), tenantID, req.Rego); err != nil {
		writeError(w, http.StatusBadRequest, "policy does not compile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type policyResponse struct {
	TenantID string `json:"tenantId"`
	Rego     string `json:"rego"`
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant"))
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	p, err := s.deps.Safety.GetPolicy(r.Context(), tenantID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policyResponse{TenantID: p.TenantID, Rego: p.Rego})
}

type scheduleContact struct {
	ID         string `json:"id"`
	ProfileURL string `json:"profileUrl,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

type scheduleRequest struct {
	TenantID    string            `json:"tenantId"`
	WorkspaceID string            `json:"workspaceId"`
	Channel     string            `json:"channel"`
	Kind        string            `json:"kind"`
	Message     string            `json:"message"`
	Contacts    []scheduleContact `json:"contacts"`
}

type scheduleResponse struct {
	Scheduled int `json:"scheduled"`
	Skipped   int `json:"skipped"`
}

func (s *Server) handleScheduleBatch(w http.ResponseWriter, r *http.Request) {
	campaignID := strings.TrimSpace(r.PathValue("id"))
	if campaignID == "" {
		writeError(w, http.StatusBadRequest, "campaign id is required")
		return
	}
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.WorkspaceID) == "" {
		writeError(w, http.StatusBadRequest, "tenantId and workspaceId are required")
		return
	}
	channel := scheddomain.Channel(req.Channel)
	if !channel.Valid() {
		writeError(w, http.StatusBadRequest, "unknown channel")
		return
	}
	kind := safetydomain.ActionKind(req.Kind)
	if req.Kind == "" {
		kind = safetydomain.KindInvite
	}
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown action kind")
		return
	}
	if len(req.Contacts) == 0 {
		writeError(w, http.StatusBadRequest, "contacts are required")
		return
	}
	contacts := make([]scheddomain.Contact, 0, len(req.Contacts))
	for _, c := range req.Contacts {
		contacts = append(contacts, scheddomain.Contact{
			ID:         c.ID,
			ProfileURL: c.ProfileURL,
			Email:      c.Email,
			Phone:      c.Phone,
		})
	}
	result, err := s.deps.Schedule.ScheduleBatch(r.Context(), campaignID, req.TenantID, req.WorkspaceID, channel, kind, contacts, req.Message)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResponse{Scheduled: result.Scheduled, Skipped: result.Skipped})
}

type countResponse struct {
	Updated int `json:"updated"`
}

func (s *Server) handleReclassify(w http.ResponseWriter, r *http.Request) {
	campaignID := strings.TrimSpace(r.PathValue("id"))
	if campaignID == "" {
		writeError(w, http.StatusBadRequest, "campaign id is required")
		return
	}
	n, err := s.deps.Schedule.ReclassifyFailures(r.Context(), campaignID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Updated: n})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Schedule.RecoverStuck(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Updated: n})
}

func (s *Server) handleReconcileSkipped(w http.ResponseWriter, r *http.Request) {
	campaignID := strings.TrimSpace(r.PathValue("id"))
	if campaignID == "" {
		writeError(w, http.StatusBadRequest, "campaign id is required")
		return
	}
	if s.deps.Profiles == nil {
		writeError(w, http.StatusServiceUnavailable, "profile verification unavailable")
		return
	}
	n, err := s.deps.Schedule.ReconcileSkipped(r.Context(), campaignID, s.deps.Profiles)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Updated: n})
}

// writeServiceError maps domain sentinel errors onto distinct HTTP status
// codes. Unknown errors become 500 with the detail logged, not returned.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sessiondomain.ErrNotConnected):
		writeError(w, http.StatusNotFound, "linkedin session not connected")
	case errors.Is(err, sessiondomain.ErrSessionInvalid):
		writeError(w, http.StatusConflict, "linkedin session invalid, reconnect required")
	case errors.Is(err, proxydomain.ErrPoolExhausted):
		writeError(w, http.StatusServiceUnavailable, "proxy pool exhausted")
	case errors.Is(err, safetydomain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "daily send limit reached")
	default:
		log.Printf("server: %s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
