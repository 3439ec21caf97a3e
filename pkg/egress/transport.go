package egress

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/netguard"
)

// RedirectManual is the only redirect mode the proxy ever requests.
const RedirectManual = "manual"

// PinnedRequest is an outbound request bound to an address the resolver
// already validated.
type PinnedRequest struct {
	Target       *netguard.Target
	Method       string
	Header       http.Header
	Body         []byte
	RedirectMode string
}

// Transport performs a pinned request. Implementations must connect to
// Target.PinnedAddr and must not follow redirects.
type Transport interface {
	Do(ctx context.Context, req PinnedRequest) (*http.Response, error)
}

// DialTransport is the default Transport. Each call builds a client whose
// dialer can only reach the pinned address, so a second DNS answer can
// never redirect the connection.
type DialTransport struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	// TLSConfig is cloned per request; ServerName is always the target
	// hostname.
	TLSConfig *tls.Config
}

// NewDialTransport returns a transport with conservative timeouts.
func NewDialTransport() *DialTransport {
	return &DialTransport{
		DialTimeout:           10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

func (t *DialTransport) Do(ctx context.Context, req PinnedRequest) (*http.Response, error) {
	if req.Target == nil || !req.Target.PinnedAddr.IsValid() {
		return nil, errors.New("egress: request has no pinned address")
	}

	pinned := req.Target.DialAddress()
	dialer := &net.Dialer{Timeout: t.DialTimeout}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.TLSConfig != nil {
		tlsConfig = t.TLSConfig.Clone()
	}
	tlsConfig.ServerName = req.Target.Hostname

	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, pinned)
		},
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: t.ResponseHeaderTimeout,
		DisableKeepAlives:     true,
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.Target.URL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}
	return client.Do(httpReq)
}
