package domain

import (
	"errors"
	"time"
)

// ErrSessionInvalid is returned when a session cannot back automated sends:
// the probe hit a login wall, cookies are malformed, or capture failed.
// Requires operator re-authentication; distinct from transient errors.
var ErrSessionInvalid = errors.New("session: invalid, reconnect required")

// ErrNotConnected is returned when no session exists for the pair.
var ErrNotConnected = errors.New("session: not connected")

// PrimaryAuthCookie is the cookie that carries the LinkedIn session identity.
// A cookie set without it is structurally invalid.
const PrimaryAuthCookie = "li_at"

// Source records how the session's cookies were obtained.
type Source string

const (
	SourceManual     Source = "manual"
	SourceQuickLogin Source = "quick_login"
	SourceAutoLogin  Source = "auto_login"
)

// Automated reports whether the session was created through a proxied login
// and therefore must be restored on the same egress endpoint.
func (s Source) Automated() bool {
	return s == SourceQuickLogin || s == SourceAutoLogin
}

// Status is the operator-visible session state.
type Status string

const (
	StatusNotConnected Status = "not_connected"
	StatusHealthy      Status = "healthy"
	StatusWarning      Status = "warning"
	StatusExpired      Status = "expired"
	StatusError        Status = "error"
)

// ProbeResult is the outcome of a live session check.
type ProbeResult int

const (
	ProbeHealthy ProbeResult = iota
	ProbeLoginRequired
	ProbeUnreachable
)

func (p ProbeResult) String() string {
	switch p {
	case ProbeHealthy:
		return "healthy"
	case ProbeLoginRequired:
		return "login_required"
	default:
		return "unreachable"
	}
}

// Thresholds hold the configurable state-machine boundaries.
type Thresholds struct {
	SoftExpiryDays int // age after which status becomes warning
	HardExpiryDays int // age after which status becomes expired
	ErrorThreshold int // consecutive errors after which status becomes error
}

// Session is one logical browser identity for a (tenant, workspace) pair.
// Cookies are stored sealed; plaintext exists only in memory during restore.
type Session struct {
	ID           string
	TenantID     string
	WorkspaceID  string
	CookiesEnc   string
	CapturedAt   *time.Time
	Source       Source
	Active       bool
	AllocationID string // empty when no proxy is attached yet
	ProfileName  string
	ErrorCount   int
	LastErrorAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AgeDays returns whole days since capture, or -1 when never captured.
func (s *Session) AgeDays(now time.Time) int {
	if s == nil || s.CapturedAt == nil {
		return -1
	}
	return int(now.Sub(*s.CapturedAt).Hours() / 24)
}

// StatusAt derives the operator-visible status from stored state.
//
// The error status derived here is advisory: counters alone are never
// authoritative over a successful live probe, and the manager's reconcile
// pass resets them when a probe succeeds.
func (s *Session) StatusAt(now time.Time, th Thresholds) Status {
	if s == nil || !s.Active || s.CookiesEnc == "" || s.CapturedAt == nil {
		return StatusNotConnected
	}
	age := s.AgeDays(now)
	if age >= th.HardExpiryDays {
		return StatusExpired
	}
	if s.ErrorCount >= th.ErrorThreshold {
		return StatusError
	}
	if age >= th.SoftExpiryDays {
		return StatusWarning
	}
	return StatusHealthy
}

// DaysUntilExpiry returns days until the hard expiry boundary; 0 when already
// expired or not connected.
func (s *Session) DaysUntilExpiry(now time.Time, th Thresholds) int {
	age := s.AgeDays(now)
	if age < 0 {
		return 0
	}
	if d := th.HardExpiryDays - age; d > 0 {
		return d
	}
	return 0
}

// Sendable reports whether automated sends may use this session at all.
// Warning still sends; error defers to the live probe at restore time;
// expired and not-connected never send.
func (s *Session) Sendable(now time.Time, th Thresholds) bool {
	switch s.StatusAt(now, th) {
	case StatusHealthy, StatusWarning, StatusError:
		return true
	default:
		return false
	}
}
