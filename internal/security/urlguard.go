package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"pixelflow/internal/domain"
)

// URLGuard rejects outbound URLs that target private or reserved
// addresses. Screenshot targets, chart backends, and HTTP save
// destinations all pass through it. AllowPrivate exists for local
// development (e.g. screenshotting a dashboard on localhost) and is off
// by default.
type URLGuard struct {
	AllowPrivate bool
}

// reservedPrefixes covers the private, loopback, link-local and
// unspecified ranges for both address families.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// IsReservedAddr reports whether addr falls in a private/reserved range.
func IsReservedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// CheckURL validates scheme and destination address of rawURL. Hostnames
// are resolved and every returned address must be public.
func (g *URLGuard) CheckURL(ctx context.Context, rawURL string) error {
	const op = "URLGuard.CheckURL"

	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrSSRFBlocked, fmt.Sprintf("invalid URL: %v", err))
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return domain.NewDomainError(op, domain.ErrSSRFBlocked,
			fmt.Sprintf("scheme %q not allowed, only http/https", u.Scheme))
	}
	host := u.Hostname()
	if host == "" {
		return domain.NewDomainError(op, domain.ErrSSRFBlocked, "empty hostname")
	}
	if g.AllowPrivate {
		return nil
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if IsReservedAddr(addr) {
			return domain.NewDomainError(op, domain.ErrSSRFBlocked,
				fmt.Sprintf("address %s is private/reserved", addr))
		}
		return nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrSSRFBlocked,
			fmt.Sprintf("DNS lookup failed for %s: %v", host, err))
	}
	for _, addr := range ips {
		if IsReservedAddr(addr) {
			return domain.NewDomainError(op, domain.ErrSSRFBlocked,
				fmt.Sprintf("host %s resolves to private IP %s", host, addr))
		}
	}
	return nil
}

// Transport returns an http.Transport that re-validates addresses at dial
// time and connects to the address it validated, closing the DNS
// rebinding window between CheckURL and the actual request.
func (g *URLGuard) Transport() *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address: %w", err)
			}

			ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			if err != nil {
				return nil, domain.NewDomainError("URLGuard.Dial", err,
					fmt.Sprintf("DNS lookup failed for %s", host))
			}
			if len(ips) == 0 {
				return nil, domain.NewDomainError("URLGuard.Dial",
					fmt.Errorf("no addresses resolved"), host)
			}
			if !g.AllowPrivate {
				for _, ip := range ips {
					if IsReservedAddr(ip) {
						return nil, domain.NewDomainError("URLGuard.Dial", domain.ErrSSRFBlocked,
							fmt.Sprintf("%s resolves to private IP %s", host, ip))
					}
				}
			}

			dialer := &net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}
			return dialer.DialContext(ctx, network,
				net.JoinHostPort(ips[0].Unmap().String(), port))
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
