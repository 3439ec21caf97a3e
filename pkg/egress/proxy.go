// Package egress is the terminal network boundary. Tokens become secrets
// only here, right before a request leaves, and anything that comes back
// is tokenized again before callers see it.
package egress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/netguard"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/tokenstore"
)

// DefaultMaxResponseBytes caps how much of a response body is read.
const DefaultMaxResponseBytes = 10 << 20

// Errors returned to callers are deliberately generic: which resolver rule
// fired is recorded in the audit log only.
var (
	ErrBlocked          = errors.New("request blocked by network policy")
	ErrRedirect         = errors.New("redirects are not allowed")
	ErrFetchFailed      = errors.New("outbound request failed")
	ErrResponseTooLarge = errors.New("response body exceeds size limit")
	ErrInvalidMethod    = errors.New("unsupported HTTP method")
)

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Request is an agent-visible outbound call. Any field may carry tokens.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Response is the agent-visible result. Known secrets in text bodies and
// header values have been replaced by their tokens.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Proxy sanitizes, validates and performs outbound requests.
type Proxy struct {
	tokens    *tokenstore.Store
	resolver  *netguard.Resolver
	audit     audit.Recorder
	transport Transport
	maxBytes  int64
	logger    *slog.Logger
	telemetry *observability.Provider

	limitMu   sync.Mutex
	limiters  map[string]*rate.Limiter
	hostRate  rate.Limit
	hostBurst int
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithTransport replaces the pinned dial transport.
func WithTransport(t Transport) Option {
	return func(p *Proxy) {
		if t != nil {
			p.transport = t
		}
	}
}

// WithMaxResponseBytes caps response bodies.
func WithMaxResponseBytes(n int64) Option {
	return func(p *Proxy) {
		if n > 0 {
			p.maxBytes = n
		}
	}
}

// WithHostRateLimit throttles requests per destination hostname. Callers
// wait for a slot or until their context ends.
func WithHostRateLimit(limit rate.Limit, burst int) Option {
	return func(p *Proxy) {
		p.hostRate = limit
		p.hostBurst = burst
	}
}

// WithLogger sets the proxy logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTelemetry attaches spans and RED metrics.
func WithTelemetry(t *observability.Provider) Option {
	return func(p *Proxy) {
		if t != nil {
			p.telemetry = t
		}
	}
}

// New creates a proxy.
func New(tokens *tokenstore.Store, resolver *netguard.Resolver, rec audit.Recorder, opts ...Option) *Proxy {
	p := &Proxy{
		tokens:    tokens,
		resolver:  resolver,
		audit:     rec,
		transport: NewDialTransport(),
		maxBytes:  DefaultMaxResponseBytes,
		logger:    slog.Default().With("component", "egress"),
		telemetry: observability.Noop(),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolver returns the resolver the proxy validates against.
func (p *Proxy) Resolver() *netguard.Resolver {
	return p.resolver
}

// Fetch detokenizes req, validates its destination, performs it against
// the pinned address and tokenizes what comes back. Any 3xx is an error.
func (p *Proxy) Fetch(ctx context.Context, req Request) (resp *Response, err error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, ErrInvalidMethod
	}

	rawURL, urlHits := p.tokens.Detokenize(req.URL)
	header := make(http.Header, len(req.Headers))
	headerHits := 0
	for k, v := range req.Headers {
		value, n := p.tokens.Detokenize(v)
		headerHits += n
		header.Set(k, value)
	}
	body, bodyHits := p.tokens.Detokenize(req.Body)

	p.recordReplacement(ctx, audit.EventTokenReplacementOutbound, "url", urlHits)
	p.recordReplacement(ctx, audit.EventTokenReplacementOutbound, "headers", headerHits)
	p.recordReplacement(ctx, audit.EventTokenReplacementOutbound, "body", bodyHits)

	check := p.resolver.ResolveSafety(ctx, rawURL)
	if check.Blocked {
		p.recordError(ctx, audit.SeverityWarn, "outbound request blocked by network policy",
			map[string]any{"method": method, "reason": check.Reason})
		return nil, ErrBlocked
	}
	target := check.Target
	host, _ := p.tokens.Tokenize(target.Hostname)

	ctx, finish := p.telemetry.TrackOperation(ctx, "egress.fetch", observability.EgressOperation(method, host)...)
	defer func() { finish(err) }()

	if err := p.wait(ctx, target.Hostname); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	raw, err := p.transport.Do(ctx, PinnedRequest{
		Target:       target,
		Method:       method,
		Header:       header,
		Body:         []byte(body),
		RedirectMode: RedirectManual,
	})
	if err != nil {
		// Transport errors can quote the detokenized URL.
		msg, _ := p.tokens.Tokenize(err.Error())
		p.recordError(ctx, audit.SeverityError, "outbound request failed",
			map[string]any{"method": method, "host": host, "error": msg})
		return nil, fmt.Errorf("%w: %s", ErrFetchFailed, msg)
	}
	defer raw.Body.Close()

	if raw.StatusCode >= 300 && raw.StatusCode < 400 {
		p.recordError(ctx, audit.SeverityWarn, "outbound request returned a redirect",
			map[string]any{"method": method, "host": host, "status": raw.StatusCode})
		return nil, ErrRedirect
	}

	data, err := io.ReadAll(io.LimitReader(raw.Body, p.maxBytes+1))
	if err != nil {
		p.recordError(ctx, audit.SeverityError, "failed to read outbound response",
			map[string]any{"method": method, "host": host})
		return nil, fmt.Errorf("%w: reading response", ErrFetchFailed)
	}
	if int64(len(data)) > p.maxBytes {
		p.recordError(ctx, audit.SeverityWarn, "outbound response exceeded size limit",
			map[string]any{"method": method, "host": host, "limit": p.maxBytes})
		return nil, ErrResponseTooLarge
	}

	out := &Response{Status: raw.StatusCode, Headers: make(map[string]string, len(raw.Header)), Body: string(data)}

	respHeaderHits := 0
	for k, values := range raw.Header {
		v, n := p.tokens.Tokenize(strings.Join(values, ", "))
		respHeaderHits += n
		out.Headers[k] = v
	}
	respBodyHits := 0
	if isTextual(raw.Header.Get("Content-Type")) {
		out.Body, respBodyHits = p.tokens.Tokenize(out.Body)
	}
	p.recordReplacement(ctx, audit.EventTokenReplacementInbound, "headers", respHeaderHits)
	p.recordReplacement(ctx, audit.EventTokenReplacementInbound, "body", respBodyHits)

	return out, nil
}

func (p *Proxy) wait(ctx context.Context, host string) error {
	if p.hostRate == 0 {
		return nil
	}
	p.limitMu.Lock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(p.hostRate, p.hostBurst)
		p.limiters[host] = l
	}
	p.limitMu.Unlock()
	return l.Wait(ctx)
}

func (p *Proxy) recordReplacement(ctx context.Context, t audit.EventType, surface string, n int) {
	if n == 0 {
		return
	}
	direction := "outbound request"
	if t == audit.EventTokenReplacementInbound {
		direction = "inbound response"
	}
	p.record(ctx, audit.Entry{
		Type:     t,
		Severity: audit.SeverityInfo,
		Summary:  fmt.Sprintf("replaced %d token(s) in %s %s", n, direction, surface),
		Metadata: map[string]any{"surface": surface, "replacements": n},
	})
}

func (p *Proxy) recordError(ctx context.Context, sev audit.Severity, summary string, meta map[string]any) {
	p.record(ctx, audit.Entry{Type: audit.EventFetchProxyError, Severity: sev, Summary: summary, Metadata: meta})
}

func (p *Proxy) record(ctx context.Context, e audit.Entry) {
	if p.audit == nil {
		return
	}
	if _, err := p.audit.Record(ctx, e); err != nil {
		p.logger.ErrorContext(ctx, "audit record failed", "type", string(e.Type), "error", err)
	}
}

// isTextual reports whether a body of this content type may carry echoed
// secrets worth scanning.
func isTextual(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	switch {
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		strings.HasSuffix(mediaType, "+json"),
		mediaType == "application/xml",
		strings.HasSuffix(mediaType, "+xml"),
		mediaType == "application/javascript",
		mediaType == "application/x-www-form-urlencoded":
		return true
	}
	return false
}
