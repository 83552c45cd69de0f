package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodDriver implements Driver with go-rod. Each Launch starts a dedicated
// browser process: --proxy-server is process-wide, and sessions on different
// egress endpoints must not share one.
type RodDriver struct {
	bin      string
	headless bool
}

// NewRodDriver returns a rod-backed driver. bin may be empty to use rod's
// managed browser download.
func NewRodDriver(bin string, headless bool) *RodDriver {
	return &RodDriver{bin: bin, headless: headless}
}

type rodPage struct {
	page     *rod.Page
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// Launch starts a browser through the given proxy and installs cookies before
// any navigation, so the first request already carries the session identity.
func (d *RodDriver) Launch(ctx context.Context, proxy *ProxyConfig, cookies []Cookie) (Page, error) {
	l := launcher.New().Headless(d.headless)
	if d.bin != "" {
		l = l.Bin(d.bin)
	}
	if proxy != nil && proxy.Addr != "" {
		l = l.Proxy(proxy.Addr)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("browser: launch: %w", err)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	if proxy != nil && proxy.Username != "" {
		go b.HandleAuth(proxy.Username, proxy.Password)() //nolint:errcheck // runs until browser close
	}

	if len(cookies) > 0 {
		if err := b.SetCookies(toNetworkCookies(cookies)); err != nil {
			_ = b.Close()
			l.Cleanup()
			return nil, fmt.Errorf("browser: set cookies: %w", err)
		}
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		l.Cleanup()
		return nil, fmt.Errorf("browser: create page: %w", err)
	}

	return &rodPage{page: page, browser: b, launcher: l}, nil
}

func (p *rodPage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	page := p.page.Context(ctx).Timeout(timeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("browser: wait load %s: %w", url, err)
	}
	return nil
}

func (p *rodPage) Eval(ctx context.Context, js string) (json.RawMessage, error) {
	res, err := p.page.Context(ctx).Eval(js)
	if err != nil {
		return nil, fmt.Errorf("browser: eval: %w", err)
	}
	out, err := json.Marshal(res.Value.Val())
	if err != nil {
		return nil, fmt.Errorf("browser: encode eval result: %w", err)
	}
	return out, nil
}

func (p *rodPage) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("browser: cookies: %w", err)
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		out = append(out, cookie)
	}
	return out, nil
}

// Close tears down the page, the browser process, and the launcher's user data dir.
func (p *rodPage) Close() error {
	var firstErr error
	if err := p.page.Close(); err != nil {
		firstErr = err
	}
	if err := p.browser.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	p.launcher.Cleanup()
	return firstErr
}

func toNetworkCookies(cookies []Cookie) []*proto.NetworkCookieParam {
	out := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if !c.Expires.IsZero() {
			param.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}
		out = append(out, param)
	}
	return out
}
