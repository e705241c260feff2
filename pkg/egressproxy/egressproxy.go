// Package egressproxy chooses the HTTP transport (direct or proxied) used
// for outbound calls to provider endpoints, following a static proxy_url, a
// polled proxy_pool_url, or neither. Transport construction mirrors
// buildProxyTransport from
// other_examples/uabidotfun-CLIProxyAPIPlus__antigravity_quota_manager.go.
package egressproxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

var acceptedSchemes = map[string]bool{
	"socks5": true, "socks5h": true, "socks4": true, "socks": true,
	"http": true, "https": true,
}

// normalizeScheme canonicalizes the handful of scheme spellings accepted for
// a proxy URL: sock5/sock5h collapse to socks5h, and plain socks5 is treated
// as socks5h (remote DNS) per spec.
func normalizeScheme(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "sock5", "sock5h", "socks5":
		scheme = "socks5h"
	}
	if !acceptedSchemes[scheme] && scheme != "socks5h" {
		return "", fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if scheme == "socks5h" {
		return scheme, nil
	}
	return scheme, nil
}

func looksLikeProxyURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "socks5", "socks5h", "socks4", "socks", "sock5", "sock5h":
		return true
	}
	return false
}

// Pool tracks a single provider/credential's proxy configuration and the
// currently-selected proxy URL, with time-interval polling of a pool URL.
type Pool struct {
	mu sync.Mutex

	staticProxy string
	poolURL     string
	interval    time.Duration
	enabled     bool

	currentProxy string
	lastFetchAt  time.Time

	client *http.Client
	onWarn func(format string, args ...any)

	misconfiguredPoolURL string
	warnedMisconfig      bool
}

// Config mirrors the on-disk proxy_url/proxy_pool_url/proxy_pool_interval fields.
type Config struct {
	StaticProxy string
	PoolURL     string
	IntervalSec int
}

func New(cfg Config) *Pool {
	p := &Pool{
		staticProxy: strings.TrimSpace(cfg.StaticProxy),
		poolURL:     strings.TrimSpace(cfg.PoolURL),
		interval:    time.Duration(cfg.IntervalSec) * time.Second,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
	if p.interval <= 0 {
		p.interval = 60 * time.Second
	}
	if looksLikeProxyURL(p.poolURL) {
		p.misconfiguredPoolURL = p.poolURL
		p.staticProxy = p.poolURL
		p.poolURL = ""
	}
	p.enabled = p.poolURL != ""
	p.currentProxy = p.staticProxy
	return p
}

// SetWarnLogger installs a printf-style sink used when a pool URL turns out
// to itself look like a proxy URL.
func (p *Pool) SetWarnLogger(fn func(format string, args ...any)) {
	p.onWarn = fn
}

func (p *Pool) warnf(format string, args ...any) {
	if p.onWarn != nil {
		p.onWarn(format, args...)
	}
}

// warnMisconfigOnce emits the pool-URL-looks-like-a-proxy-URL warning the
// first time this pool is actually used, deferred past construction since
// SetWarnLogger is normally installed by the caller right after New.
func (p *Pool) warnMisconfigOnce() {
	if p.misconfiguredPoolURL == "" || p.warnedMisconfig {
		return
	}
	p.warnedMisconfig = true
	p.warnf("egressproxy: proxy_pool_url %q looks like a proxy URL itself, using it as a static proxy instead of polling it", p.misconfiguredPoolURL)
}

// Current returns the proxy URL to use right now, refreshing from the pool
// URL if enough time has elapsed (or this is the first call).
func (p *Pool) Current(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warnMisconfigOnce()
	if !p.enabled {
		return p.staticProxy
	}
	if p.lastFetchAt.IsZero() || time.Since(p.lastFetchAt) >= p.interval {
		p.refreshLocked(ctx)
	}
	return p.currentProxy
}

// ForceRefresh refreshes from the pool URL regardless of the interval,
// invoked by adapters after an upstream HTTP 403.
func (p *Pool) ForceRefresh(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	p.refreshLocked(ctx)
}

func (p *Pool) refreshLocked(ctx context.Context) {
	p.lastFetchAt = time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.poolURL, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	buf := make([]byte, 2048)
	n, _ := resp.Body.Read(buf)
	candidate := strings.TrimSpace(string(buf[:n]))
	if candidate == "" {
		return
	}
	if _, err := normalizeScheme(candidate); err != nil {
		// Invalid fetched value: keep the previous currentProxy, or fall
		// back to the static proxy if none was ever set.
		if p.currentProxy == "" {
			p.currentProxy = p.staticProxy
		}
		return
	}
	p.currentProxy = candidate
}

// Transport builds an *http.Transport for the given proxy URL (empty means
// direct dial). Follows buildProxyTransport's socks5-vs-http branching.
func Transport(proxyURL string) (*http.Transport, error) {
	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL == "" {
		return &http.Transport{}, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "sock5", "sock5h", "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}, nil
	case "socks4", "socks":
		dialer, err := proxy.SOCKS5("tcp", u.Host, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks4 dialer: %w", err)
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}, nil
	case "http", "https":
		return &http.Transport{Proxy: http.ProxyURL(u)}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

// Client builds an *http.Client using the pool's current proxy selection.
func (p *Pool) Client(ctx context.Context) (*http.Client, error) {
	t, err := Transport(p.Current(ctx))
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t, Timeout: 60 * time.Second}, nil
}
