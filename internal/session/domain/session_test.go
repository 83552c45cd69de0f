package domain

import (
	"testing"
	"time"
)

var testThresholds = Thresholds{SoftExpiryDays: 335, HardExpiryDays: 365, ErrorThreshold: 5}

func capturedSession(age time.Duration, now time.Time) *Session {
	captured := now.Add(-age)
	return &Session{
		TenantID:    "t1",
		WorkspaceID: "w1",
		CookiesEnc:  "v1:sealed",
		CapturedAt:  &captured,
		Source:      SourceQuickLogin,
		Active:      true,
	}
}

func TestStatusAt(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name string
		mod  func(*Session)
		want Status
	}{
		{"fresh session", func(s *Session) {}, StatusHealthy},
		{"inactive", func(s *Session) { s.Active = false }, StatusNotConnected},
		{"no cookies", func(s *Session) { s.CookiesEnc = "" }, StatusNotConnected},
		{"never captured", func(s *Session) { s.CapturedAt = nil }, StatusNotConnected},
		{"just under soft boundary", func(s *Session) { c := now.Add(-334 * day); s.CapturedAt = &c }, StatusHealthy},
		{"at soft boundary", func(s *Session) { c := now.Add(-335 * day); s.CapturedAt = &c }, StatusWarning},
		{"at hard boundary", func(s *Session) { c := now.Add(-365 * day); s.CapturedAt = &c }, StatusExpired},
		{"past hard boundary", func(s *Session) { c := now.Add(-400 * day); s.CapturedAt = &c }, StatusExpired},
		{"errors below threshold", func(s *Session) { s.ErrorCount = 4 }, StatusHealthy},
		{"errors at threshold", func(s *Session) { s.ErrorCount = 5 }, StatusError},
		{"expired beats error count", func(s *Session) { c := now.Add(-366 * day); s.CapturedAt = &c; s.ErrorCount = 9 }, StatusExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := capturedSession(day, now)
			tt.mod(s)
			if got := s.StatusAt(now, testThresholds); got != tt.want {
				t.Errorf("StatusAt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusAt_NilSession(t *testing.T) {
	var s *Session
	if got := s.StatusAt(time.Now(), testThresholds); got != StatusNotConnected {
		t.Errorf("StatusAt(nil) = %q, want not_connected", got)
	}
}

func TestDaysUntilExpiry(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name string
		age  time.Duration
		want int
	}{
		{"fresh", 0, 365},
		{"100 days old", 100 * day, 265},
		{"one day left", 364 * day, 1},
		{"expired", 365 * day, 0},
		{"long expired", 500 * day, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := capturedSession(tt.age, now)
			if got := s.DaysUntilExpiry(now, testThresholds); got != tt.want {
				t.Errorf("DaysUntilExpiry() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDaysUntilExpiry_NeverCaptured(t *testing.T) {
	s := &Session{Active: true}
	if got := s.DaysUntilExpiry(time.Now(), testThresholds); got != 0 {
		t.Errorf("DaysUntilExpiry() = %d, want 0", got)
	}
}

func TestSendable(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name string
		mod  func(*Session)
		want bool
	}{
		{"healthy", func(s *Session) {}, true},
		{"warning", func(s *Session) { c := now.Add(-340 * day); s.CapturedAt = &c }, true},
		{"error defers to probe", func(s *Session) { s.ErrorCount = 7 }, true},
		{"expired", func(s *Session) { c := now.Add(-366 * day); s.CapturedAt = &c }, false},
		{"not connected", func(s *Session) { s.Active = false }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := capturedSession(day, now)
			tt.mod(s)
			if got := s.Sendable(now, testThresholds); got != tt.want {
				t.Errorf("Sendable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSourceAutomated(t *testing.T) {
	if SourceManual.Automated() {
		t.Error("manual source must not be automated")
	}
	if !SourceQuickLogin.Automated() || !SourceAutoLogin.Automated() {
		t.Error("login sources must be automated")
	}
}
