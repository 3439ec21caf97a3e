// Package netguard decides whether an outbound URL may be contacted and, if
// so, pins the single address that was validated.
//
// Every symbolic hostname is resolved in full and refused if any of its
// addresses is internal, so aliases such as *.nip.io cannot smuggle a
// private target past the check. The pinned address is what the transport
// must dial; resolving the hostname again would reopen the rebinding
// window.
package netguard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// LookupFunc resolves a hostname to every A/AAAA address it carries.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Target is a validated destination.
type Target struct {
	URL        *url.URL
	Hostname   string
	Port       string
	PinnedAddr netip.Addr
}

// DialAddress is the host:port the transport must connect to.
func (t *Target) DialAddress() string {
	return net.JoinHostPort(t.PinnedAddr.String(), t.Port)
}

// Result of a safety check. Reason names the rule that fired; it is for
// logs and audit metadata and must not be returned to the requester.
type Result struct {
	Blocked bool
	Reason  string
	Target  *Target
}

// Resolver validates outbound destinations.
type Resolver struct {
	lookup           LookupFunc
	controlPlanePort int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookup replaces the DNS lookup, mainly for tests.
func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.lookup = fn
		}
	}
}

// WithControlPlanePort opens the loopback carve-out for the local control
// plane API on exactly this port. Zero disables it.
func WithControlPlanePort(port int) Option {
	return func(r *Resolver) {
		r.controlPlanePort = port
	}
}

// NewResolver creates a resolver backed by the system DNS resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{lookup: systemLookup}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type controlPlaneKey struct{}

// WithControlPlaneAccess marks ctx as belonging to the shell runner, the
// only caller allowed through the control-plane carve-out. Requests made
// with any other context see the control-plane port as blocked.
func WithControlPlaneAccess(ctx context.Context) context.Context {
	return context.WithValue(ctx, controlPlaneKey{}, true)
}

func controlPlaneAccess(ctx context.Context) bool {
	ok, _ := ctx.Value(controlPlaneKey{}).(bool)
	return ok
}

// ControlPlanePort returns the configured carve-out port, or zero.
func (r *Resolver) ControlPlanePort() int {
	return r.controlPlanePort
}

// ResolveSafety checks rawURL and pins a safe address. Any parse or DNS
// failure blocks.
func (r *Resolver) ResolveSafety(ctx context.Context, rawURL string) Result {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return blocked("malformed url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return blocked("unsupported scheme")
	}
	if u.User != nil {
		return blocked("userinfo in url")
	}

	host, err := normalizeHost(u.Hostname())
	if err != nil || host == "" {
		return blocked("invalid hostname")
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return blocked("invalid port")
	}

	if r.isControlPlane(u.Scheme, host, port) {
		if !controlPlaneAccess(ctx) {
			return blocked("control plane requires shell capability")
		}
		return Result{Target: &Target{
			URL:        u,
			Hostname:   host,
			Port:       port,
			PinnedAddr: netip.AddrFrom4([4]byte{127, 0, 0, 1}),
		}}
	}

	if deniedHosts[host] {
		return blocked("denied hostname")
	}
	for _, suffix := range deniedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return blocked("denied hostname suffix")
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if IsBlockedAddr(addr) {
			return blocked("literal address in blocked range")
		}
		return Result{Target: &Target{URL: u, Hostname: host, Port: port, PinnedAddr: addr.Unmap()}}
	}

	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return blocked("dns lookup failed")
	}
	if len(addrs) == 0 {
		return blocked("dns returned no addresses")
	}
	for _, addr := range addrs {
		if IsBlockedAddr(addr) {
			return blocked("resolved address in blocked range")
		}
	}

	return Result{Target: &Target{URL: u, Hostname: host, Port: port, PinnedAddr: addrs[0].Unmap()}}
}

func (r *Resolver) isControlPlane(scheme, host, port string) bool {
	if r.controlPlanePort <= 0 || scheme != "http" {
		return false
	}
	if host != "127.0.0.1" && host != "localhost" {
		return false
	}
	return port == strconv.Itoa(r.controlPlanePort)
}

func blocked(reason string) Result {
	return Result{Blocked: true, Reason: reason}
}

// normalizeHost lowercases, drops a trailing dot and maps IDNs to their
// ASCII form so every later comparison sees one spelling.
func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return "", nil
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return host, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("netguard: normalize %q: %w", host, err)
	}
	return ascii, nil
}

func systemLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}
