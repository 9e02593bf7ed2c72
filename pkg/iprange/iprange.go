// Package iprange builds the allow/ignore subnet classifier
// (config.ip_ranges.allow_subnets / ignore_subnets), using
// the same gaissmai/bart longest-prefix-match trie pkg/shapeddevices
// uses for circuit resolution; both are "does this IP fall inside a
// configured prefix" lookups and share the library for it.
package iprange

import (
	"net/netip"

	"github.com/gaissmai/bart"

	"github.com/openqos/shaperd/pkg/config"
)

// Table answers "is this IP allowed to be shaped" from the
// allow_subnets/ignore_subnets lists and their unknown_ip_honors_*
// flags (config.IPRanges).
type Table struct {
	allow  *bart.Table[struct{}]
	ignore *bart.Table[struct{}]

	honorsIgnore bool
	honorsAllow  bool
}

// Build constructs a Table from a config.IPRanges snapshot. Malformed
// CIDR entries are skipped (logged by the caller, mirroring the
// tolerant-parse posture pkg/shapeddevices takes for malformed rows).
func Build(r config.IPRanges) (*Table, []error) {
	var errs []error
	t := &Table{
		allow:        &bart.Table[struct{}]{},
		ignore:       &bart.Table[struct{}]{},
		honorsIgnore: r.UnknownIPHonorsIgnore,
		honorsAllow:  r.UnknownIPHonorsAllow,
	}
	for _, s := range r.AllowSubnets {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t.allow.Insert(p, struct{}{})
	}
	for _, s := range r.IgnoreSubnets {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t.ignore.Insert(p, struct{}{})
	}
	return t, errs
}

// Allowed reports whether ip should participate in shaping: it must
// match an allow_subnets prefix (or honorsAllow is false, meaning
// "allow everything not otherwise excluded") and must not match an
// ignore_subnets prefix (unless honorsIgnore is false).
func (t *Table) Allowed(ip netip.Addr) bool {
	if t == nil {
		return true
	}
	if t.honorsIgnore {
		if _, ok := t.ignore.Lookup(ip); ok {
			return false
		}
	}
	if t.honorsAllow {
		if _, ok := t.allow.Lookup(ip); !ok {
			return false
		}
	}
	return true
}
