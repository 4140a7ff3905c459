package hostinfo

import (
	"net"
	"testing"
)

func TestFirstIPv4SkipsLoopbackAndIPv6(t *testing.T) {
	addrs := []net.Addr{
		&net.IPNet{IP: net.ParseIP("127.0.0.1"), Mask: net.CIDRMask(8, 32)},
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPAddr{IP: net.ParseIP("10.1.2.3")},
		&net.IPNet{IP: net.ParseIP("192.168.0.9"), Mask: net.CIDRMask(24, 32)},
	}
	if got := firstIPv4(addrs); got != "10.1.2.3" {
		t.Fatalf("expected 10.1.2.3, got %q", got)
	}
	if got := firstIPv4(addrs[:2]); got != "" {
		t.Fatalf("expected no address, got %q", got)
	}
}

func TestPrimaryIPv4NeverEmpty(t *testing.T) {
	if got := PrimaryIPv4(); net.ParseIP(got) == nil {
		t.Fatalf("expected an IP address, got %q", got)
	}
	if Hostname() == "" {
		t.Fatalf("expected a hostname")
	}
}
