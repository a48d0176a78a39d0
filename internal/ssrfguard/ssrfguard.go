// Package ssrfguard implements component Q: a URL/host validator blocking
// loopback, link-local, private, and multicast destinations, with a second
// resolution pass at send time to defend against DNS rebinding between
// validation and connection (spec §4.12).
package ssrfguard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
)

// ErrBlocked is wrapped by every rejection reason so callers can classify
// SSRF trips as terminal delivery errors (spec §4.10) without string
// matching.
type ErrBlocked struct {
	Host   string
	Reason string
}

func (e *ErrBlocked) Error() string {
	return fmt.Sprintf("ssrfguard: host %q blocked: %s", e.Host, e.Reason)
}

// Resolver abstracts DNS lookup so tests can substitute a fixed mapping.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard validates destination URLs against the SSRF blocklist.
type Guard struct {
	resolver Resolver
}

// New creates a Guard using the standard library resolver.
func New() *Guard {
	return &Guard{resolver: net.DefaultResolver}
}

// NewWithResolver creates a Guard using a custom Resolver, for tests.
func NewWithResolver(r Resolver) *Guard {
	return &Guard{resolver: r}
}

// ValidateURL parses rawURL, resolves its host, and rejects it if any
// resolved address falls in a blocked range. Called at configuration
// (create/update integration) time per spec §3's Integration entity.
func (g *Guard) ValidateURL(ctx context.Context, rawURL string) error {
	addrs, _, err := g.resolveURL(ctx, rawURL)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if reason, blocked := blockedReason(a); blocked {
			return &ErrBlocked{Host: rawURL, Reason: reason}
		}
	}
	return nil
}

// DialContextFor returns a context.Context DialContext-compatible dialer
// func that re-resolves rawURL's host at send time, rejects it if any
// resolved address is blocked, and connects to exactly the address it just
// validated — so TLS/HTTP never re-resolves mid-connection (spec §4.12).
func (g *Guard) DialContextFor(rawURL string) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("resolving %q at send time: %w", host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no addresses resolved for %q", host)
		}
		for _, a := range addrs {
			if reason, blocked := blockedReason(a); blocked {
				return nil, &ErrBlocked{Host: host, Reason: reason}
			}
		}
		chosen := addrs[0]

		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(chosen.String(), port))
	}, nil
}

func (g *Guard) resolveURL(ctx context.Context, rawURL string) ([]netip.Addr, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("parsing url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, "", fmt.Errorf("url has no host")
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, host, fmt.Errorf("resolving %q: %w", host, err)
	}
	return addrs, host, nil
}

var privateBlocks = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("0.0.0.0/32"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("ff00::/8"),
}

func blockedReason(a netip.Addr) (string, bool) {
	a = a.Unmap()
	for _, p := range privateBlocks {
		if p.Contains(a) {
			return fmt.Sprintf("address %s is within blocked range %s", a, p), true
		}
	}
	if a.IsLoopback() {
		return "loopback address", true
	}
	if a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() {
		return "link-local address", true
	}
	if a.IsMulticast() {
		return "multicast address", true
	}
	if !a.IsValid() || a.IsUnspecified() {
		return "unspecified address", true
	}
	return "", false
}
