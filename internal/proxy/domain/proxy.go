package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrPoolExhausted is returned by Allocate when no free endpoint remains.
// Distinct from generic failures so callers can tell "retry later" from
// tenant misconfiguration.
var ErrPoolExhausted = errors.New("proxy: pool exhausted")

// Endpoint is one egress endpoint in the pool. Password is stored sealed by
// the vault; plaintext credentials never hit the database.
type Endpoint struct {
	ID          string
	Host        string
	Port        int
	Username    string
	PasswordEnc string
	StickyID    string
	Allocated   bool
	CreatedAt   time.Time
}

// Addr returns the host:port dial address for the endpoint.
func (e *Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Allocation binds one endpoint to exactly one (tenant, workspace) pair.
// Endpoint identity stays stable for the lifetime of the allocation; swapping
// egress mid-session invalidates the provider-side session.
type Allocation struct {
	ID          string
	EndpointID  string
	TenantID    string
	WorkspaceID string
	AllocatedAt time.Time
	ReleasedAt  *time.Time // nil while active
}

// Active reports whether the allocation is still live.
func (a *Allocation) Active() bool {
	return a != nil && a.ReleasedAt == nil
}
