package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"outreach-control-plane/internal/browser"
	safetydomain "outreach-control-plane/internal/safety/domain"
	"outreach-control-plane/internal/schedule/domain"
)

// SessionProvider supplies the live page for a pair. The session manager's
// RestoreHeld implements it: the caller must already hold the pair lock, so
// the provider must not take it again. The worker runs every step under
// LockPair; a locking restore here would deadlock the pair on itself.
type SessionProvider interface {
	RestoreHeld(ctx context.Context, tenantID, workspaceID string) (browser.Page, error)
}

// PairLocker serializes per-pair session work. The session manager implements it.
type PairLocker interface {
	LockPair(tenantID, workspaceID string) func()
}

// connectJS finds and drives the Connect control on a profile page. The
// "Connect option not found" text is load-bearing: reclassification matches
// on it, since its usual cause is an already-connected or pending profile.
const connectJS = `(note) => {
	const btn = document.querySelector('button[aria-label*="Invite"], button[aria-label*="Connect"]') ||
		Array.from(document.querySelectorAll('button')).find(b => b.textContent.trim() === 'Connect');
	if (!btn) {
		return { sent: false, error: 'Connect option not found' };
	}
	btn.click();
	if (note) {
		const noteBtn = document.querySelector('button[aria-label="Add a note"]');
		if (noteBtn) {
			noteBtn.click();
			const field = document.querySelector('textarea[name="message"]');
			if (field) {
				field.value = note;
				field.dispatchEvent(new Event('input', { bubbles: true }));
			}
		}
	}
	const send = document.querySelector('button[aria-label="Send now"], button[aria-label="Send invitation"], button[aria-label="Send without a note"]');
	if (!send) {
		return { sent: false, error: 'Send invitation control not found' };
	}
	send.click();
	return { sent: true };
}`

const messageJS = `(text) => {
	const btn = document.querySelector('button[aria-label*="Message"]') ||
		Array.from(document.querySelectorAll('button')).find(b => b.textContent.trim() === 'Message');
	if (!btn) {
		return { sent: false, error: 'Message option not found' };
	}
	btn.click();
	const box = document.querySelector('div.msg-form__contenteditable');
	if (!box) {
		return { sent: false, error: 'Message composer not found' };
	}
	box.focus();
	document.execCommand('insertText', false, text);
	const send = document.querySelector('button.msg-form__send-button');
	if (!send || send.disabled) {
		return { sent: false, error: 'Message send control not available' };
	}
	send.click();
	return { sent: true };
}`

// connectionStateJS classifies the relationship with the viewed profile.
const connectionStateJS = `() => {
	const badge = document.querySelector('.distance-badge .dist-value');
	if (badge && badge.textContent.trim() === '1st') {
		return { state: 'connected' };
	}
	if (document.querySelector('button[aria-label*="Pending"]')) {
		return { state: 'pending' };
	}
	const connect = document.querySelector('button[aria-label*="Invite"], button[aria-label*="Connect"]');
	if (connect) {
		return { state: 'connectable' };
	}
	return { state: '' };
}`

// LinkedInExecutor performs connection requests and messages through a live
// browser session. Callers must hold the pair lock for the step's
// (tenant, workspace) across every call; LockedChecker wraps the profile
// check for callers outside the worker loop.
type LinkedInExecutor struct {
	sessions   SessionProvider
	navTimeout time.Duration
}

// NewLinkedInExecutor returns a LinkedIn channel executor.
func NewLinkedInExecutor(sessions SessionProvider, navTimeout time.Duration) *LinkedInExecutor {
	return &LinkedInExecutor{sessions: sessions, navTimeout: navTimeout}
}

// Execute navigates to the contact's profile and performs the step's action.
// Provider rejections come back wrapped in ErrActionFailed with the page's
// verbatim error text.
func (e *LinkedInExecutor) Execute(ctx context.Context, step *domain.Step) (*Outcome, error) {
	page, err := e.sessions.RestoreHeld(ctx, step.TenantID, step.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if err := page.Navigate(ctx, step.ProfileURL, e.navTimeout); err != nil {
		return nil, fmt.Errorf("executor: open profile: %w", err)
	}

	var js string
	switch step.Kind {
	case safetydomain.KindMessage:
		js = callWithArg(messageJS, step.Message)
	default:
		js = callWithArg(connectJS, step.Message)
	}

	raw, err := page.Eval(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("executor: evaluate action: %w", err)
	}
	var out struct {
		Sent  bool   `json:"sent"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("executor: decode action result: %w", err)
	}
	if !out.Sent {
		return &Outcome{}, fmt.Errorf("%w: %s", domain.ErrActionFailed, out.Error)
	}
	return &Outcome{Sent: true}, nil
}

// ConnectionState observes the live relationship with a profile, for
// skipped-step reconciliation.
func (e *LinkedInExecutor) ConnectionState(ctx context.Context, tenantID, workspaceID, profileURL string) (domain.ConnectionState, error) {
	page, err := e.sessions.RestoreHeld(ctx, tenantID, workspaceID)
	if err != nil {
		return "", err
	}
	if err := page.Navigate(ctx, profileURL, e.navTimeout); err != nil {
		return "", fmt.Errorf("executor: open profile: %w", err)
	}
	raw, err := page.Eval(ctx, connectionStateJS)
	if err != nil {
		return "", fmt.Errorf("executor: evaluate state: %w", err)
	}
	var out struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("executor: decode state: %w", err)
	}
	switch domain.ConnectionState(out.State) {
	case domain.StateConnected, domain.StatePending, domain.StateConnectable:
		return domain.ConnectionState(out.State), nil
	}
	return "", fmt.Errorf("executor: indeterminate connection state")
}

// LockedChecker takes the pair lock around each profile check, for callers
// outside the worker loop such as skipped-step reconciliation.
type LockedChecker struct {
	exec  *LinkedInExecutor
	locks PairLocker
}

// NewLockedChecker returns a profile checker that serializes with the
// worker's per-pair execution.
func NewLockedChecker(exec *LinkedInExecutor, locks PairLocker) *LockedChecker {
	return &LockedChecker{exec: exec, locks: locks}
}

func (c *LockedChecker) ConnectionState(ctx context.Context, tenantID, workspaceID, profileURL string) (domain.ConnectionState, error) {
	unlock := c.locks.LockPair(tenantID, workspaceID)
	defer unlock()
	return c.exec.ConnectionState(ctx, tenantID, workspaceID, profileURL)
}

// callWithArg binds one JSON-encoded string argument to an arrow-function
// source, producing a zero-arg function for Page.Eval.
func callWithArg(fn, arg string) string {
	encoded, _ := json.Marshal(arg)
	return fmt.Sprintf("() => (%s)(%s)", fn, encoded)
}
