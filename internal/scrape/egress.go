package scrape

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
)

// ErrEgressBlocked is returned when a request targets a disallowed scheme
// or a private, loopback or link-local address.
var ErrEgressBlocked = eris.New("egress blocked")

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// IsPrivateAddr reports whether addr is loopback, private, link-local or
// carrier-grade NAT space.
func IsPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return true
	}
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// GuardedTransport returns a transport that only speaks http/https and,
// unless allowPrivate is set, refuses to connect to private addresses. The
// address check runs on the resolved IP at dial time so DNS answers cannot
// route around it.
func GuardedTransport(allowPrivate bool) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
	}
	if !allowPrivate {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			ap, err := netip.ParseAddrPort(address)
			if err != nil {
				return eris.Wrapf(ErrEgressBlocked, "unparseable address %s", address)
			}
			if IsPrivateAddr(ap.Addr()) {
				return eris.Wrapf(ErrEgressBlocked, "private address %s", ap.Addr())
			}
			return nil
		}
	}
	return &schemeGuard{base: &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		MaxIdleConnsPerHost:   4,
	}}
}

type schemeGuard struct {
	base http.RoundTripper
}

func (g *schemeGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || req.URL.Hostname() == "" {
		return nil, eris.Wrap(ErrEgressBlocked, "missing host")
	}
	switch strings.ToLower(req.URL.Scheme) {
	case "http", "https":
	default:
		return nil, eris.Wrapf(ErrEgressBlocked, "scheme %q", req.URL.Scheme)
	}
	return g.base.RoundTrip(req)
}

// CheckURL performs the static part of the guard (scheme and literal IP)
// without a network round trip.
func CheckURL(ctx context.Context, u string, allowPrivate bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return eris.Wrapf(ErrEgressBlocked, "invalid url %q", u)
	}
	switch strings.ToLower(req.URL.Scheme) {
	case "http", "https":
	default:
		return eris.Wrapf(ErrEgressBlocked, "scheme %q", req.URL.Scheme)
	}
	if req.URL.Hostname() == "" {
		return eris.Wrap(ErrEgressBlocked, "missing host")
	}
	if allowPrivate {
		return nil
	}
	host := req.URL.Hostname()
	if strings.EqualFold(host, "localhost") {
		return eris.Wrap(ErrEgressBlocked, "localhost")
	}
	if addr, err := netip.ParseAddr(host); err == nil && IsPrivateAddr(addr) {
		return eris.Wrapf(ErrEgressBlocked, "private address %s", addr)
	}
	return nil
}
