// Package session manages the browser-session lifecycle per (tenant, workspace):
// capture, restore, liveness probing, auto-heal, and disconnect.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"outreach-control-plane/internal/audit"
	auditdomain "outreach-control-plane/internal/audit/domain"
	"outreach-control-plane/internal/browser"
	proxydomain "outreach-control-plane/internal/proxy/domain"
	"outreach-control-plane/internal/session/domain"
	sessionrepo "outreach-control-plane/internal/session/repository"
	"outreach-control-plane/internal/vault"
)

const probeURL = "https://www.linkedin.com/feed/"

// probeJS inspects the loaded page for a login wall. LinkedIn redirects
// unauthenticated feed requests to a page carrying the login form.
const probeJS = `() => {
	const loginForm = document.querySelector('form.login__form, form[action*="login"], input[name="session_key"]');
	const nameEl = document.querySelector('.feed-identity-module__actor-meta a, .global-nav__me-photo');
	return {
		authenticated: !loginForm && !window.location.pathname.startsWith('/login'),
		profileName: nameEl ? (nameEl.getAttribute('alt') || nameEl.textContent || '').trim() : ''
	};
}`

// ProxyAllocator is the slice of the proxy orchestrator the manager needs.
type ProxyAllocator interface {
	Allocate(ctx context.Context, tenantID, workspaceID string) (*proxydomain.Allocation, *proxydomain.Endpoint, error)
	GetAllocation(ctx context.Context, allocationID string) (*proxydomain.Allocation, *proxydomain.Endpoint, error)
}

// StatusReport is the operator-facing view of one pair's session.
type StatusReport struct {
	Connected       bool          `json:"connected"`
	Status          domain.Status `json:"status"`
	ProfileName     string        `json:"profileName"`
	DaysUntilExpiry int           `json:"daysUntilExpiry"`
}

// Manager owns session state transitions and the live handle registry.
// All mutations for one pair are serialized through the registry's pair lock.
type Manager struct {
	repo         sessionrepo.Repository
	vault        *vault.Vault
	driver       browser.Driver
	proxies      ProxyAllocator
	auditLogger  audit.AuditLogger
	thresholds   domain.Thresholds
	probeTimeout time.Duration
	nowF         func() time.Time
	reg          *registry
}

// NewManager returns a session lifecycle manager.
func NewManager(repo sessionrepo.Repository, v *vault.Vault, driver browser.Driver, proxies ProxyAllocator,
	auditLogger audit.AuditLogger, thresholds domain.Thresholds, probeTimeout time.Duration) *Manager {
	return &Manager{
		repo:         repo,
		vault:        v,
		driver:       driver,
		proxies:      proxies,
		auditLogger:  auditLogger,
		thresholds:   thresholds,
		probeTimeout: probeTimeout,
		nowF:         func() time.Time { return time.Now().UTC() },
		reg:          newRegistry(),
	}
}

// LockPair serializes external per-pair work (worker execution) with the
// manager's own lifecycle operations. Returns the unlock func.
func (m *Manager) LockPair(tenantID, workspaceID string) func() {
	return m.reg.lockPair(tenantID, workspaceID)
}

func hasPrimaryAuthCookie(cookies []browser.Cookie) bool {
	for _, c := range cookies {
		if c.Name == domain.PrimaryAuthCookie && c.Value != "" {
			return true
		}
	}
	return false
}

func (m *Manager) sealCookies(cookies []browser.Cookie) (string, error) {
	raw, err := json.Marshal(cookies)
	if err != nil {
		return "", err
	}
	return m.vault.Seal(vault.LabelCookies, raw)
}

func (m *Manager) openCookies(sealed string) ([]browser.Cookie, error) {
	raw, err := m.vault.Open(vault.LabelCookies, sealed)
	if err != nil {
		return nil, err
	}
	var cookies []browser.Cookie
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return nil, err
	}
	return cookies, nil
}

// CaptureManual stores operator-supplied cookies after structural validation.
// No live probe: probing a manually captured session from a different egress
// IP than the one that created it risks invalidating it on the provider side.
func (m *Manager) CaptureManual(ctx context.Context, tenantID, workspaceID string, cookies []browser.Cookie, profileName string) (*domain.Session, error) {
	unlock := m.reg.lockPair(tenantID, workspaceID)
	defer unlock()

	if !hasPrimaryAuthCookie(cookies) {
		return nil, fmt.Errorf("%w: missing %s cookie", domain.ErrSessionInvalid, domain.PrimaryAuthCookie)
	}
	sealed, err := m.sealCookies(cookies)
	if err != nil {
		return nil, fmt.Errorf("session: seal cookies: %w", err)
	}

	now := m.nowF()
	s := &domain.Session{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		WorkspaceID: workspaceID,
		CookiesEnc:  sealed,
		CapturedAt:  &now,
		Source:      domain.SourceManual,
		Active:      true,
		ProfileName: profileName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing, err := m.repo.Get(ctx, tenantID, workspaceID); err != nil {
		return nil, fmt.Errorf("session: load existing: %w", err)
	} else if existing != nil {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
	}
	if err := m.repo.Upsert(ctx, s); err != nil {
		return nil, fmt.Errorf("session: store: %w", err)
	}
	m.auditLogger.LogEvent(ctx, tenantID, workspaceID, auditdomain.ActionSessionConnected, s.ID, `{"source":"manual"}`)
	return s, nil
}

// Connect establishes a proxied session from supplied cookies: allocates the
// pair's egress endpoint, launches a browser through it, verifies the session
// with a live probe, and stores the refreshed cookie set bound to the
// allocation. The live handle stays in the registry for immediate use.
func (m *Manager) Connect(ctx context.Context, tenantID, workspaceID string, cookies []browser.Cookie) (*domain.Session, error) {
	unlock := m.reg.lockPair(tenantID, workspaceID)
	defer unlock()

	if !hasPrimaryAuthCookie(cookies) {
		return nil, fmt.Errorf("%w: missing %s cookie", domain.ErrSessionInvalid, domain.PrimaryAuthCookie)
	}

	alloc, endpoint, err := m.proxies.Allocate(ctx, tenantID, workspaceID)
	if err != nil {
		return nil, err
	}

	page, err := m.launch(ctx, endpoint, cookies)
	if err != nil {
		return nil, err
	}

	result, profileName, err := m.probePage(ctx, page)
	if err != nil || result != domain.ProbeHealthy {
		_ = page.Close()
		if result == domain.ProbeLoginRequired {
			return nil, fmt.Errorf("%w: login wall during connect", domain.ErrSessionInvalid)
		}
		return nil, fmt.Errorf("session: connect probe: %w", errOr(err, domain.ErrSessionInvalid))
	}

	// Prefer the live cookie set; the provider may have rotated values.
	liveCookies, err := page.Cookies(ctx)
	if err != nil || !hasPrimaryAuthCookie(liveCookies) {
		liveCookies = cookies
	}
	sealed, err := m.sealCookies(liveCookies)
	if err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("session: seal cookies: %w", err)
	}

	now := m.nowF()
	s := &domain.Session{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		WorkspaceID:  workspaceID,
		CookiesEnc:   sealed,
		CapturedAt:   &now,
		Source:       domain.SourceQuickLogin,
		Active:       true,
		AllocationID: alloc.ID,
		ProfileName:  profileName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if existing, err := m.repo.Get(ctx, tenantID, workspaceID); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("session: load existing: %w", err)
	} else if existing != nil {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
	}
	if err := m.repo.Upsert(ctx, s); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("session: store: %w", err)
	}

	m.reg.put(tenantID, workspaceID, &liveHandle{page: page})
	m.auditLogger.LogEvent(ctx, tenantID, workspaceID, auditdomain.ActionSessionConnected, s.ID, `{"source":"quick_login"}`)
	return s, nil
}

// Restore returns the pair's live page, binding stored cookies onto a fresh
// browser context through the session's original proxy allocation. Automated
// sources reuse the same sticky endpoint so the provider does not see an IP
// change mid-session.
func (m *Manager) Restore(ctx context.Context, tenantID, workspaceID string) (browser.Page, error) {
	unlock := m.reg.lockPair(tenantID, workspaceID)
	defer unlock()
	return m.restoreLocked(ctx, tenantID, workspaceID)
}

// RestoreHeld is Restore for callers that already hold the pair lock taken
// via LockPair. The pair mutex is not reentrant; the worker executes steps
// under that lock, and taking it again here would deadlock the pair.
func (m *Manager) RestoreHeld(ctx context.Context, tenantID, workspaceID string) (browser.Page, error) {
	return m.restoreLocked(ctx, tenantID, workspaceID)
}

func (m *Manager) restoreLocked(ctx context.Context, tenantID, workspaceID string) (browser.Page, error) {
	if h, ok := m.reg.get(tenantID, workspaceID); ok {
		return h.page, nil
	}

	s, err := m.repo.Get(ctx, tenantID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	now := m.nowF()
	if !s.Sendable(now, m.thresholds) {
		if s.StatusAt(now, m.thresholds) == domain.StatusNotConnected {
			return nil, domain.ErrNotConnected
		}
		return nil, fmt.Errorf("%w: session expired", domain.ErrSessionInvalid)
	}

	cookies, err := m.openCookies(s.CookiesEnc)
	if err != nil {
		return nil, fmt.Errorf("%w: cookie store unreadable", domain.ErrSessionInvalid)
	}

	endpoint, err := m.resolveEndpoint(ctx, s)
	if err != nil {
		return nil, err
	}

	page, err := m.launch(ctx, endpoint, cookies)
	if err != nil {
		return nil, err
	}

	m.reg.put(tenantID, workspaceID, &liveHandle{page: page})
	return page, nil
}

// resolveEndpoint finds the egress endpoint for a restore. The stored
// allocation wins; a session without one (manual capture) gets the pair's
// allocation on first automated use.
func (m *Manager) resolveEndpoint(ctx context.Context, s *domain.Session) (*proxydomain.Endpoint, error) {
	if s.AllocationID != "" {
		alloc, endpoint, err := m.proxies.GetAllocation(ctx, s.AllocationID)
		if err != nil {
			return nil, fmt.Errorf("session: resolve allocation: %w", err)
		}
		if alloc.Active() {
			return endpoint, nil
		}
		if s.Source.Automated() {
			// A proxied login is bound to its egress IP. Restoring it through
			// a different endpoint burns the session on the provider side.
			return nil, fmt.Errorf("%w: proxy allocation released, reconnect required", domain.ErrSessionInvalid)
		}
	}

	alloc, endpoint, err := m.proxies.Allocate(ctx, s.TenantID, s.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if err := m.repo.AttachAllocation(ctx, s.TenantID, s.WorkspaceID, alloc.ID); err != nil {
		return nil, fmt.Errorf("session: attach allocation: %w", err)
	}
	s.AllocationID = alloc.ID
	return endpoint, nil
}

func (m *Manager) launch(ctx context.Context, endpoint *proxydomain.Endpoint, cookies []browser.Cookie) (browser.Page, error) {
	var proxyCfg *browser.ProxyConfig
	if endpoint != nil {
		proxyCfg = &browser.ProxyConfig{Addr: endpoint.Addr(), Username: endpoint.Username}
		if endpoint.PasswordEnc != "" {
			pw, err := m.vault.Open(vault.LabelProxyCred, endpoint.PasswordEnc)
			if err != nil {
				return nil, fmt.Errorf("session: open proxy credentials: %w", err)
			}
			proxyCfg.Password = string(pw)
		}
	}
	page, err := m.driver.Launch(ctx, proxyCfg, cookies)
	if err != nil {
		return nil, fmt.Errorf("session: launch browser: %w", err)
	}
	return page, nil
}

// probePage loads an authenticated page and classifies the result.
func (m *Manager) probePage(ctx context.Context, page browser.Page) (domain.ProbeResult, string, error) {
	if err := page.Navigate(ctx, probeURL, m.probeTimeout); err != nil {
		return domain.ProbeUnreachable, "", err
	}
	raw, err := page.Eval(ctx, probeJS)
	if err != nil {
		return domain.ProbeUnreachable, "", err
	}
	var out struct {
		Authenticated bool   `json:"authenticated"`
		ProfileName   string `json:"profileName"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.ProbeUnreachable, "", err
	}
	if !out.Authenticated {
		return domain.ProbeLoginRequired, "", nil
	}
	return domain.ProbeHealthy, out.ProfileName, nil
}

// Probe restores the pair's session and runs a live check against it.
func (m *Manager) Probe(ctx context.Context, tenantID, workspaceID string) (domain.ProbeResult, error) {
	unlock := m.reg.lockPair(tenantID, workspaceID)
	defer unlock()
	return m.probeLocked(ctx, tenantID, workspaceID)
}

func (m *Manager) probeLocked(ctx context.Context, tenantID, workspaceID string) (domain.ProbeResult, error) {
	page, err := m.restoreLocked(ctx, tenantID, workspaceID)
	if err != nil {
		return domain.ProbeUnreachable, err
	}
	result, _, err := m.probePage(ctx, page)
	if err != nil {
		// A dead handle should not poison later probes.
		m.reg.evict(tenantID, workspaceID).stop()
		return result, err
	}
	switch result {
	case domain.ProbeHealthy:
		if healed, err := m.repo.ResetErrors(ctx, tenantID, workspaceID); err == nil && healed {
			m.auditLogger.LogEvent(ctx, tenantID, workspaceID, auditdomain.ActionSessionHealed, "probe", "")
		}
	case domain.ProbeLoginRequired:
		// The cookies are dead on the provider side. Push the error count to
		// the threshold so the derived status stops reporting connected, and
		// drop the handle so no later restore reuses it.
		if err := m.repo.MarkInvalid(ctx, tenantID, workspaceID, m.thresholds.ErrorThreshold, m.nowF()); err != nil {
			return result, fmt.Errorf("session: mark invalid: %w", err)
		}
		m.reg.evict(tenantID, workspaceID).stop()
	}
	return result, nil
}

// Reconcile re-derives the pair's status against live signal. When stored
// counters claim an error state but a live probe succeeds, the counters are
// reset: the error flag was stale, likely from transient proxy failures, and
// must never outrank a successful live check.
func (m *Manager) Reconcile(ctx context.Context, tenantID, workspaceID string) (domain.Status, error) {
	unlock := m.reg.lockPair(tenantID, workspaceID)
	defer unlock()

	s, err := m.repo.Get(ctx, tenantID, workspaceID)
	if err != nil {
		return "", fmt.Errorf("session: load: %w", err)
	}
	status := s.StatusAt(m.nowF(), m.thresholds)
	if status != domain.StatusError {
		return status, nil
	}

	result, err := m.probeLocked(ctx, tenantID, workspaceID)
	if err != nil || result != domain.ProbeHealthy {
		return domain.StatusError, nil
	}

	s, err = m.repo.Get(ctx, tenantID, workspaceID)
	if err != nil {
		return "", fmt.Errorf("session: reload: %w", err)
	}
	return s.StatusAt(m.nowF(), m.thresholds), nil
}

// Status builds the operator status report, reconciling stale error flags first.
func (m *Manager) Status(ctx context.Context, tenantID, workspaceID string) (*StatusReport, error) {
	s, err := m.repo.Get(ctx, tenantID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	now := m.nowF()
	status := s.StatusAt(now, m.thresholds)
	if status == domain.StatusError {
		if reconciled, err := m.Reconcile(ctx, tenantID, workspaceID); err == nil {
			status = reconciled
			if s2, err := m.repo.Get(ctx, tenantID, workspaceID); err == nil && s2 != nil {
				s = s2
			}
		}
	}
	report := &StatusReport{
		Connected:       status == domain.StatusHealthy || status == domain.StatusWarning,
		Status:          status,
		DaysUntilExpiry: s.DaysUntilExpiry(now, m.thresholds),
	}
	if s != nil {
		report.ProfileName = s.ProfileName
	}
	return report, nil
}

// ErrorCount returns the pair's consecutive send error count, 0 when no
// session exists.
func (m *Manager) ErrorCount(ctx context.Context, tenantID, workspaceID string) (int, error) {
	s, err := m.repo.Get(ctx, tenantID, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("session: load: %w", err)
	}
	if s == nil {
		return 0, nil
	}
	return s.ErrorCount, nil
}

// NoteFailure records one consecutive send error and returns the new count.
func (m *Manager) NoteFailure(ctx context.Context, tenantID, workspaceID string) (int, error) {
	return m.repo.RecordError(ctx, tenantID, workspaceID, m.nowF())
}

// NoteSuccess clears the consecutive error count after a successful send.
func (m *Manager) NoteSuccess(ctx context.Context, tenantID, workspaceID string) error {
	_, err := m.repo.ResetErrors(ctx, tenantID, workspaceID)
	return err
}

// StopLive terminates in-flight work for the pair and releases the browser
// context. The proxy allocation stays bound to the pair.
func (m *Manager) StopLive(tenantID, workspaceID string) {
	unlock := m.reg.lockPair(tenantID, workspaceID)
	defer unlock()
	m.reg.evict(tenantID, workspaceID).stop()
}

// Disconnect clears cookies and deactivates the session, evicting any live
// handle. Cookies are destroyed only here, never silently.
func (m *Manager) Disconnect(ctx context.Context, tenantID, workspaceID string) error {
	unlock := m.reg.lockPair(tenantID, workspaceID)
	defer unlock()

	m.reg.evict(tenantID, workspaceID).stop()
	if err := m.repo.Disconnect(ctx, tenantID, workspaceID); err != nil {
		return fmt.Errorf("session: disconnect: %w", err)
	}
	m.auditLogger.LogEvent(ctx, tenantID, workspaceID, auditdomain.ActionSessionDisconnected, "", "")
	return nil
}

// InvalidateLive satisfies the proxy orchestrator's SessionInvalidator hook:
// after a forced proxy reset the stored cookies are dead on the provider side,
// so the whole session is torn down, not just the handle.
func (m *Manager) InvalidateLive(ctx context.Context, tenantID, workspaceID string) error {
	unlock := m.reg.lockPair(tenantID, workspaceID)
	defer unlock()

	m.reg.evict(tenantID, workspaceID).stop()
	return m.repo.Disconnect(ctx, tenantID, workspaceID)
}

func errOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
