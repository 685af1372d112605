package security

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"pixelflow/internal/domain"
)

func TestIsReservedAddr(t *testing.T) {
	reserved := []string{
		"127.0.0.1", "10.1.2.3", "172.16.0.9", "192.168.1.1",
		"169.254.0.5", "100.64.0.1", "::1", "fe80::1", "fc00::1",
	}
	for _, s := range reserved {
		if !IsReservedAddr(netip.MustParseAddr(s)) {
			t.Errorf("%s should be reserved", s)
		}
	}

	public := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34", "2606:4700::1111"}
	for _, s := range public {
		if IsReservedAddr(netip.MustParseAddr(s)) {
			t.Errorf("%s should be public", s)
		}
	}

	// IPv4-mapped IPv6 must normalize before matching.
	if !IsReservedAddr(netip.MustParseAddr("::ffff:127.0.0.1")) {
		t.Error("mapped loopback should be reserved")
	}
}

func TestCheckURLBlocksPrivate(t *testing.T) {
	guard := &URLGuard{}
	ctx := context.Background()

	blocked := []string{
		"http://127.0.0.1/admin",
		"http://10.0.0.1:8080/",
		"https://192.168.1.1/",
		"http://[::1]/",
		"file:///etc/passwd",
		"gopher://example.com/",
		"http:///nohost",
	}
	for _, u := range blocked {
		if err := guard.CheckURL(ctx, u); !errors.Is(err, domain.ErrSSRFBlocked) {
			t.Errorf("URL %q: expected ErrSSRFBlocked, got %v", u, err)
		}
	}
}

func TestCheckURLAllowPrivate(t *testing.T) {
	guard := &URLGuard{AllowPrivate: true}
	if err := guard.CheckURL(context.Background(), "http://127.0.0.1:3000/dash"); err != nil {
		t.Errorf("AllowPrivate should pass loopback: %v", err)
	}
	// Scheme rules still apply even in permissive mode.
	if err := guard.CheckURL(context.Background(), "file:///etc/passwd"); !errors.Is(err, domain.ErrSSRFBlocked) {
		t.Errorf("expected scheme rejection, got %v", err)
	}
}

func TestCheckURLPublicLiteral(t *testing.T) {
	guard := &URLGuard{}
	// A public IP literal needs no DNS and must pass.
	if err := guard.CheckURL(context.Background(), "https://93.184.216.34/render"); err != nil {
		t.Errorf("public literal should pass: %v", err)
	}
}
