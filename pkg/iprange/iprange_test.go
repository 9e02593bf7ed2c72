package iprange

import (
	"net/netip"
	"testing"

	"github.com/openqos/shaperd/pkg/config"
)

func TestAllowedHonorsAllowAndIgnore(t *testing.T) {
	table, errs := Build(config.IPRanges{
		AllowSubnets:          []string{"10.0.0.0/8"},
		IgnoreSubnets:         []string{"10.0.0.0/24"},
		UnknownIPHonorsIgnore: true,
		UnknownIPHonorsAllow:  true,
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	if !table.Allowed(netip.MustParseAddr("10.1.2.3")) {
		t.Fatal("expected 10.1.2.3 to be allowed")
	}
	if table.Allowed(netip.MustParseAddr("10.0.0.5")) {
		t.Fatal("expected 10.0.0.5 to be ignored despite matching allow")
	}
	if table.Allowed(netip.MustParseAddr("192.168.1.1")) {
		t.Fatal("expected 192.168.1.1 to be disallowed, no matching allow prefix")
	}
}

func TestAllowedSkipsUnhonoredLists(t *testing.T) {
	table, _ := Build(config.IPRanges{
		AllowSubnets:          []string{"10.0.0.0/8"},
		UnknownIPHonorsIgnore: false,
		UnknownIPHonorsAllow:  false,
	})
	// Neither list is honored, so everything is allowed regardless of match.
	if !table.Allowed(netip.MustParseAddr("192.168.1.1")) {
		t.Fatal("expected allow with honorsAllow=false to pass everything")
	}
}

func TestBuildReportsMalformedPrefixes(t *testing.T) {
	_, errs := Build(config.IPRanges{
		AllowSubnets: []string{"not-a-cidr"},
	})
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %d", len(errs))
	}
}

func TestNilTableAllowsEverything(t *testing.T) {
	var table *Table
	if !table.Allowed(netip.MustParseAddr("1.2.3.4")) {
		t.Fatal("expected nil table to allow everything")
	}
}
