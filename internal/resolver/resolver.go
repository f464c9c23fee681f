package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"torident/internal/config"
	"torident/internal/metrics"
	"torident/internal/types"
)

const (
	// realIPTimeout bounds the direct "what is my IP" lookup.
	realIPTimeout = 10 * time.Second
	// echoTimeout bounds each proxied echo candidate individually.
	echoTimeout = 12 * time.Second

	userAgent = "torident/1.0"
)

// Resolver queries public address-echo services, directly and through
// the Tor SOCKS proxy. Lookup failures degrade to types.Undetermined;
// retries beyond the candidate fallback belong to the orchestrator.
type Resolver struct {
	cfg     config.ResolverConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	direct  *http.Client
	proxied *http.Client
}

// New creates a Resolver. socksProxy is the Tor SOCKS endpoint URL
// ("socks5://host:port"); an empty value makes proxied lookups go out
// directly, which is only useful in tests.
func New(cfg config.ResolverConfig, socksProxy string, logger *zap.Logger, m *metrics.Metrics) (*Resolver, error) {
	proxiedTransport, err := newProxyTransport(socksProxy)
	if err != nil {
		return nil, fmt.Errorf("failed to build proxy transport: %w", err)
	}

	return &Resolver{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		direct: &http.Client{
			Timeout: realIPTimeout,
		},
		proxied: &http.Client{
			Transport: proxiedTransport,
			Timeout:   echoTimeout,
		},
	}, nil
}

// newProxyTransport builds an HTTP transport routing through the given
// proxy URL. SOCKS5 endpoints get a dedicated dialer so hostname
// resolution happens on the proxy side.
func newProxyTransport(proxyURL string) (*http.Transport, error) {
	transport := &http.Transport{
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if proxyURL == "" {
		return transport, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %s: %w", proxyURL, err)
	}

	switch u.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}

		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}

		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
	}

	return transport, nil
}

// RealAddress returns the public address seen without the proxy, or
// types.Undetermined on any network or parse failure.
func (r *Resolver) RealAddress(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, realIPTimeout)
	defer cancel()

	addr, err := r.fetchAddress(ctx, r.direct, r.cfg.RealIPURL)
	if err != nil {
		r.logger.Warn("Failed to resolve real address",
			zap.String("endpoint", r.cfg.RealIPURL),
			zap.Error(err))
		return types.Undetermined
	}

	return addr
}

// ProxiedAddress returns the exit address observed through the proxy.
// Candidates are tried in order with bounded timeouts; the first
// parseable answer wins. All candidates failing yields the sentinel,
// because any single public echo service may be down or rate-limited.
func (r *Resolver) ProxiedAddress(ctx context.Context) string {
	for _, endpoint := range r.cfg.EchoURLs {
		if ctx.Err() != nil {
			return types.Undetermined
		}

		start := time.Now()
		reqCtx, cancel := context.WithTimeout(ctx, echoTimeout)
		addr, err := r.fetchAddress(reqCtx, r.proxied, endpoint)
		cancel()

		r.metrics.RecordEndpointRequest(endpoint, time.Since(start), err)

		if err != nil {
			r.logger.Debug("Echo endpoint failed",
				zap.String("endpoint", endpoint),
				zap.Error(err))
			continue
		}

		return addr
	}

	r.logger.Warn("All echo endpoints failed",
		zap.Strings("endpoints", r.cfg.EchoURLs))
	return types.Undetermined
}

// fetchAddress performs one echo request and extracts the address field.
func (r *Resolver) fetchAddress(ctx context.Context, client *http.Client, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	return parseEchoBody(body)
}

// parseEchoBody extracts the address from any of the known echo
// response shapes: {"IP":...}, {"origin":...} or {"ip":...}.
func parseEchoBody(body []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	for _, key := range []string{"IP", "origin", "ip"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}

		var addr string
		if err := json.Unmarshal(raw, &addr); err != nil {
			continue
		}
		if addr = strings.TrimSpace(addr); addr != "" {
			return addr, nil
		}
	}

	return "", fmt.Errorf("no address field in response")
}
