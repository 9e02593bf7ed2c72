package ipaddr

import (
	"net/netip"
	"testing"
)

func TestV4RoundTrip(t *testing.T) {
	addr := netip.MustParseAddr("1.2.3.4")
	k := FromAddr(addr)
	if !k.IsV4Mapped() {
		t.Fatalf("expected v4-mapped key, got %v", k)
	}
	if got := k.Addr(); got != addr {
		t.Fatalf("round trip mismatch: got %v want %v", got, addr)
	}
	if k.String() != "1.2.3.4" {
		t.Fatalf("unexpected string form: %s", k.String())
	}
}

func TestV6RoundTrip(t *testing.T) {
	addr := netip.MustParseAddr("2001:db8:85a3::8a2e:370:7334")
	k := FromAddr(addr)
	if k.IsV4Mapped() {
		t.Fatalf("v6 address misclassified as v4-mapped")
	}
	if got := k.Addr(); got != addr {
		t.Fatalf("round trip mismatch: got %v want %v", got, addr)
	}
}

func TestPrefixV4(t *testing.T) {
	p, err := ParseCIDR("10.0.0.0/8")
	if err != nil {
		t.Fatal(err)
	}
	if p.Len != 96+8 {
		t.Fatalf("expected mapped prefix length 104, got %d", p.Len)
	}
	if p.String() != "10.0.0.0/8" {
		t.Fatalf("unexpected prefix string: %s", p.String())
	}
}

func TestPrefixV6(t *testing.T) {
	p, err := ParseCIDR("2001:db8::/32")
	if err != nil {
		t.Fatal(err)
	}
	if p.Len != 32 {
		t.Fatalf("expected prefix length 32, got %d", p.Len)
	}
}
