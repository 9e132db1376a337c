// Package httpclient builds the HTTP client used to reach the license server,
// honoring HTTP, HTTPS and SOCKS5 proxy settings.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/MacJediWizard/folio/internal/config"
)

// DefaultTimeout is the default HTTP client timeout.
const DefaultTimeout = config.DefaultRemoteTimeout

// Options configures the HTTP client.
type Options struct {
	// Timeout for whole requests (default: DefaultTimeout).
	Timeout time.Duration
	// Proxy contains proxy settings; nil means direct connections.
	Proxy *config.ProxyConfig
	// UserAgent is sent on every request when set.
	UserAgent string
}

// New creates an HTTP client with optional proxy support.
func New(opts Options) (*http.Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	dialer := &net.Dialer{
		Timeout:   opts.Timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	if opts.Proxy.HasProxy() {
		if err := configureProxy(transport, dialer, opts.Proxy); err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
	}

	var rt http.RoundTripper = transport
	if opts.UserAgent != "" {
		rt = &userAgentTransport{next: transport, userAgent: opts.UserAgent}
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: rt,
	}, nil
}

// NewFromConfig creates an HTTP client from the remote and proxy settings.
func NewFromConfig(cfg *config.Config, userAgent string) (*http.Client, error) {
	return New(Options{
		Timeout:   cfg.Remote.Timeout,
		Proxy:     cfg.GetProxyConfig(),
		UserAgent: userAgent,
	})
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.next.RoundTrip(req)
}

// configureProxy sets up proxy configuration on the transport. A SOCKS5
// proxy takes precedence over HTTP(S) proxies.
func configureProxy(transport *http.Transport, forward *net.Dialer, cfg *config.ProxyConfig) error {
	if cfg.SOCKS5Proxy != "" {
		return configureSocks5Proxy(transport, forward, cfg)
	}

	sel := newProxySelector(cfg)
	transport.Proxy = sel.proxyFor
	return nil
}

// configureSocks5Proxy routes every dial through a SOCKS5 proxy, except for
// hosts matched by no_proxy.
func configureSocks5Proxy(transport *http.Transport, forward *net.Dialer, cfg *config.ProxyConfig) error {
	proxyURL, err := url.Parse(cfg.SOCKS5Proxy)
	if err != nil {
		return fmt.Errorf("parse SOCKS5 proxy URL: %w", err)
	}
	if proxyURL.Host == "" {
		return fmt.Errorf("SOCKS5 proxy URL %q has no host", maskProxyURL(cfg.SOCKS5Proxy))
	}

	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{
			User:     proxyURL.User.Username(),
			Password: password,
		}
	}

	socks, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, forward)
	if err != nil {
		return fmt.Errorf("create SOCKS5 dialer: %w", err)
	}

	sel := newProxySelector(cfg)
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if sel.bypass(addr) {
			return forward.DialContext(ctx, network, addr)
		}
		if cd, ok := socks.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return socks.Dial(network, addr)
	}
	return nil
}

// proxySelector picks the HTTP(S) proxy for a request.
type proxySelector struct {
	httpProxy  string
	httpsProxy string
	noProxy    []string
}

func newProxySelector(cfg *config.ProxyConfig) *proxySelector {
	sel := &proxySelector{httpProxy: cfg.HTTPProxy, httpsProxy: cfg.HTTPSProxy}
	for _, pattern := range strings.Split(cfg.NoProxy, ",") {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern != "" {
			sel.noProxy = append(sel.noProxy, pattern)
		}
	}
	return sel
}

func (s *proxySelector) proxyFor(req *http.Request) (*url.URL, error) {
	if s.bypass(req.URL.Host) {
		return nil, nil
	}

	raw := s.httpProxy
	if req.URL.Scheme == "https" && s.httpsProxy != "" {
		raw = s.httpsProxy
	}
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

// bypass reports whether host (optionally with a port) matches no_proxy.
// Patterns are exact hosts, "*", ".suffix" or a parent domain.
func (s *proxySelector) bypass(host string) bool {
	hostOnly, _, err := net.SplitHostPort(host)
	if err != nil {
		hostOnly = host
	}
	hostOnly = strings.ToLower(hostOnly)

	for _, pattern := range s.noProxy {
		switch {
		case pattern == "*":
			return true
		case hostOnly == pattern:
			return true
		case strings.HasPrefix(pattern, "."):
			if strings.HasSuffix(hostOnly, pattern) {
				return true
			}
		case strings.HasSuffix(hostOnly, "."+pattern):
			return true
		}
	}
	return false
}

// ProxyInfo returns a description of the configured proxy with credentials masked.
func ProxyInfo(cfg *config.ProxyConfig) string {
	if !cfg.HasProxy() {
		return "No proxy configured"
	}

	var parts []string
	if cfg.SOCKS5Proxy != "" {
		parts = append(parts, "SOCKS5: "+maskProxyURL(cfg.SOCKS5Proxy))
	}
	if cfg.HTTPProxy != "" {
		parts = append(parts, "HTTP: "+maskProxyURL(cfg.HTTPProxy))
	}
	if cfg.HTTPSProxy != "" {
		parts = append(parts, "HTTPS: "+maskProxyURL(cfg.HTTPSProxy))
	}
	if cfg.NoProxy != "" {
		parts = append(parts, "NoProxy: "+cfg.NoProxy)
	}
	return strings.Join(parts, ", ")
}

// maskProxyURL masks the password in a proxy URL for display.
func maskProxyURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}
	return u.String()
}
