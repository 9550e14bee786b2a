// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aviamcp/token-proxy/pkg/config"
	"github.com/aviamcp/token-proxy/pkg/token"
)

// tokenQueryParam is how the upstream expects the credential; it is never
// sent as an Authorization header.
const tokenQueryParam = "api_key"

// outboundSkipHeaders lists inbound headers that must not be forwarded to
// the upstream: hop-by-hop and connection-management headers whose semantics
// do not survive proxying.
var outboundSkipHeaders = map[string]struct{}{
	"Host":                {},
	"Content-Length":      {},
	"Connection":          {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
}

// responseSkipHeaders lists upstream response headers dropped before relaying
// to the original caller; framing is redetermined by the serving layer.
var responseSkipHeaders = map[string]struct{}{
	"Content-Length":    {},
	"Content-Encoding":  {},
	"Transfer-Encoding": {},
	"Connection":        {},
	"Upgrade":           {},
	"Proxy-Connection":  {},
}

// Pipeline executes inbound requests against the single upstream base URL,
// rotating tokens from the pool on each attempt and classifying upstream
// failures into the token manager's state transitions.
type Pipeline struct {
	tokens  *token.Manager
	client  *http.Client
	baseURL *url.URL

	userAgent  string
	maxRetries int

	// Backoffs between attempts; overridable in tests.
	rateLimitBackoff time.Duration
	retryBackoff     time.Duration

	logger zerolog.Logger
}

// NewPipeline constructs a Pipeline backed by an http.Client with connection
// pooling tuned for long-lived streaming responses.
func NewPipeline(cfg config.Config, tokens *token.Manager) *Pipeline {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, // nolint:gosec -- opt-in for development scenarios
		},
	}

	return &Pipeline{
		tokens: tokens,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		baseURL:          cfg.Upstream,
		userAgent:        cfg.UserAgent,
		maxRetries:       cfg.MaxRetries,
		rateLimitBackoff: time.Second,
		retryBackoff:     500 * time.Millisecond,
		logger:           log.With().Str("component", "pipeline").Logger(),
	}
}

// Dispatch forwards one inbound request to the upstream with a bounded retry
// loop. Each attempt pulls a fresh token from the pool; 401/403 blacklists
// the token, 429 marks it temporarily failed, other failures are retried
// without blaming the token. On success the live response is returned and
// ownership of its body transfers to the caller.
func (p *Pipeline) Dispatch(ctx context.Context, method, path string, header http.Header, body []byte) (*http.Response, error) {
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		t, ok := p.tokens.Next()
		if !ok {
			// Nothing left to rotate to; retrying cannot help.
			return nil, statusError(http.StatusServiceUnavailable, "no token available")
		}

		target := p.targetURL(path, t)
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return nil, statusError(http.StatusInternalServerError, "build upstream request: %w", err)
		}
		req.Header = sanitizeOutboundHeaders(header, p.userAgent)

		p.logger.Info().
			Str("method", method).
			Str("path", path).
			Int("attempt", attempt+1).
			Int("max_retries", p.maxRetries).
			Msg("proxying request upstream")

		resp, err := p.client.Do(req)
		if err != nil {
			p.logger.Error().Err(err).Int("attempt", attempt+1).Msg("upstream network error")
			if attempt == p.maxRetries-1 {
				return nil, statusError(http.StatusServiceUnavailable, "upstream network error: %w", err)
			}
			if err := sleep(ctx, p.rateLimitBackoff); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			reason := fmt.Sprintf("HTTP %d authentication rejected", resp.StatusCode)
			p.logger.Error().Int("status", resp.StatusCode).Msg("token rejected by upstream, blacklisting")
			p.tokens.Blacklist(t, reason)
			drainAndClose(resp)

		case resp.StatusCode == http.StatusTooManyRequests:
			p.logger.Warn().Msg("token rate limited by upstream")
			p.tokens.MarkFailed(t)
			drainAndClose(resp)
			if err := sleep(ctx, p.rateLimitBackoff); err != nil {
				return nil, err
			}

		default:
			// Generic upstream failure: not attributed to the token.
			prefix, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
			drainAndClose(resp)
			p.logger.Error().
				Int("status", resp.StatusCode).
				Str("body_prefix", string(prefix)).
				Msg("upstream returned error")
			if attempt == p.maxRetries-1 {
				return nil, statusError(resp.StatusCode, "upstream returned status %d", resp.StatusCode)
			}
			if err := sleep(ctx, p.retryBackoff); err != nil {
				return nil, err
			}
		}
	}

	return nil, statusError(http.StatusServiceUnavailable, "all retry attempts failed")
}

// targetURL joins the fixed base URL with the inbound path and attaches the
// token as a query parameter.
func (p *Pipeline) targetURL(path, t string) string {
	base := strings.TrimRight(p.baseURL.String(), "/")
	target := base
	if trimmed := strings.TrimLeft(path, "/"); trimmed != "" {
		target = base + "/" + trimmed
	} else if strings.HasSuffix(p.baseURL.Path, "/") {
		target = p.baseURL.String()
	}
	return target + "?" + url.Values{tokenQueryParam: {t}}.Encode()
}

// sanitizeOutboundHeaders copies the inbound headers minus the skip list,
// forces an Accept header that satisfies the MCP streaming handshake, and
// fills in a default User-Agent.
func sanitizeOutboundHeaders(src http.Header, userAgent string) http.Header {
	dst := make(http.Header, len(src))
	for k, vv := range src {
		if _, skip := outboundSkipHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}

	if accept := dst.Get("Accept"); accept == "" {
		dst.Set("Accept", "application/json, text/event-stream")
	} else if !strings.Contains(accept, "text/event-stream") {
		dst.Set("Accept", accept+", text/event-stream")
	}

	if dst.Get("User-Agent") == "" {
		dst.Set("User-Agent", userAgent)
	}

	return dst
}

// drainAndClose releases the upstream connection after a failed attempt so it
// can be reused for the next one.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// sleep waits for the backoff duration unless the caller goes away first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return statusError(http.StatusServiceUnavailable, "request canceled during backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
