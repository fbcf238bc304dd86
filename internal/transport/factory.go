// Package transport builds the outbound HTTP clients used for backend calls,
// each routed through the proxy configured for its credential.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/smilit/proxycast-sub002/internal/credentials"
)

// ProxyProtocol is a supported proxy scheme.
type ProxyProtocol string

const (
	ProxySOCKS5 ProxyProtocol = "socks5"
	ProxyHTTP   ProxyProtocol = "http"
	ProxyHTTPS  ProxyProtocol = "https"
)

var (
	ErrInvalidURL          = errors.New("invalid proxy URL")
	ErrUnsupportedProtocol = errors.New("unsupported proxy protocol")
)

// ProxyError reports a proxy URL that could not be used.
type ProxyError struct {
	URL string
	Err error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.URL)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

// ParseProxyURL validates a proxy URL and returns its protocol.
func ParseProxyURL(raw string) (ProxyProtocol, *url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil, &ProxyError{URL: raw, Err: ErrInvalidURL}
	}

	var protocol ProxyProtocol
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "socks5://"):
		protocol = ProxySOCKS5
	case strings.HasPrefix(lower, "http://"):
		protocol = ProxyHTTP
	case strings.HasPrefix(lower, "https://"):
		protocol = ProxyHTTPS
	default:
		return "", nil, &ProxyError{URL: raw, Err: ErrUnsupportedProtocol}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", nil, &ProxyError{URL: raw, Err: ErrInvalidURL}
	}
	return protocol, u, nil
}

// Options configures a Factory.
type Options struct {
	// GlobalProxy is used for credentials without their own proxy.
	GlobalProxy string

	ConnectTimeout time.Duration

	// HeaderTimeout bounds the wait for response headers. Streaming bodies
	// are bounded by the resilience layer instead.
	HeaderTimeout time.Duration
}

// Factory creates and caches one *http.Client per effective proxy. It is
// safe for concurrent use.
type Factory struct {
	opts Options

	mu      sync.RWMutex
	clients map[string]*http.Client
}

// NewFactory validates the global proxy and returns a factory.
func NewFactory(opts Options) (*Factory, error) {
	if opts.GlobalProxy != "" {
		if _, _, err := ParseProxyURL(opts.GlobalProxy); err != nil {
			return nil, fmt.Errorf("failed to configure global proxy: %w", err)
		}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	return &Factory{
		opts:    opts,
		clients: make(map[string]*http.Client),
	}, nil
}

// SelectProxy returns the per-credential proxy if set, else the global one.
func (f *Factory) SelectProxy(perCredential string) string {
	if perCredential != "" {
		return perCredential
	}
	return f.opts.GlobalProxy
}

// Validate checks the proxy every credential would use, so a bad proxy_url
// is reported at startup instead of on the first request.
func (f *Factory) Validate(creds []credentials.Credential) error {
	for _, c := range creds {
		if c.ProxyURL == "" {
			continue
		}
		if _, _, err := ParseProxyURL(c.ProxyURL); err != nil {
			return fmt.Errorf("credential %s: %w", c.ID, err)
		}
	}
	return nil
}

// ForCredential returns the client for a credential's proxy.
func (f *Factory) ForCredential(c credentials.Credential) (*http.Client, error) {
	return f.Client(c.ProxyURL)
}

// Client returns the cached client for the effective proxy, building it on
// first use.
func (f *Factory) Client(perCredentialProxy string) (*http.Client, error) {
	key := f.SelectProxy(perCredentialProxy)

	f.mu.RLock()
	c, ok := f.clients[key]
	f.mu.RUnlock()
	if ok {
		return c, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}
	c, err := f.build(key)
	if err != nil {
		return nil, err
	}
	f.clients[key] = c
	return c, nil
}

func (f *Factory) build(proxyURL string) (*http.Client, error) {
	dialer := &net.Dialer{Timeout: f.opts.ConnectTimeout, KeepAlive: 30 * time.Second}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = dialer.DialContext
	t.Proxy = nil
	t.ResponseHeaderTimeout = f.opts.HeaderTimeout

	if proxyURL != "" {
		protocol, u, err := ParseProxyURL(proxyURL)
		if err != nil {
			return nil, err
		}
		switch protocol {
		case ProxySOCKS5:
			d, err := proxy.FromURL(u, dialer)
			if err != nil {
				return nil, &ProxyError{URL: proxyURL, Err: fmt.Errorf("%w: %v", ErrInvalidURL, err)}
			}
			t.DialContext = contextDialer(d)
		default:
			t.Proxy = http.ProxyURL(u)
		}
	}

	return &http.Client{Transport: t}, nil
}

func contextDialer(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
}
