// Package browser wraps the browser-automation capability behind a small
// driver interface so the session and executor code never touch the engine
// directly.
package browser

import (
	"context"
	"encoding/json"
	"time"
)

// Cookie is one browser cookie in transportable form.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"httpOnly"`
	Secure   bool      `json:"secure"`
}

// ProxyConfig routes all page traffic through one egress endpoint.
type ProxyConfig struct {
	Addr     string // host:port
	Username string
	Password string
}

// Page is one live authenticated browser context.
type Page interface {
	// Navigate loads url and waits for the load event, bounded by timeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// Eval runs js in the page and returns the JSON-encoded result.
	Eval(ctx context.Context, js string) (json.RawMessage, error)
	// Cookies returns the page's current cookies.
	Cookies(ctx context.Context) ([]Cookie, error)
	// Close releases the page and its underlying browser resources.
	Close() error
}

// Driver launches pages bound to a proxy with a pre-installed cookie set.
type Driver interface {
	Launch(ctx context.Context, proxy *ProxyConfig, cookies []Cookie) (Page, error)
}
