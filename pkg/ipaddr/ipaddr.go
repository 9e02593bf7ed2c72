// Package ipaddr provides the fixed-layout IP key used throughout the
// daemon to address kernel map entries, LPM tries, and tracker lookups.
//
// Every key is a 16-byte IPv6-mapped address: IPv4 is stored as
// ::ffff:a.b.c.d (the standard IPv4-mapped-IPv6 form), so a single key
// type and a single LPM trie can serve both families.
package ipaddr

import (
	"fmt"
	"net/netip"
)

// Key is the 16-byte address stored in kernel maps and LPM tries.
type Key [16]byte

// v4Prefix is the standard ::ffff: prefix for IPv4-mapped IPv6 addresses.
var v4Prefix = [12]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff}

// FromAddr converts a netip.Addr into a Key, mapping IPv4 addresses into
// the ::ffff: form.
func FromAddr(addr netip.Addr) Key {
	var k Key
	if addr.Is4() {
		copy(k[:12], v4Prefix[:])
		a4 := addr.As4()
		copy(k[12:], a4[:])
		return k
	}
	a16 := addr.As16()
	copy(k[:], a16[:])
	return k
}

// Addr converts a Key back into a netip.Addr, unmapping IPv4-mapped
// addresses back into 4-byte form.
func (k Key) Addr() netip.Addr {
	if k.IsV4Mapped() {
		var a4 [4]byte
		copy(a4[:], k[12:])
		return netip.AddrFrom4(a4)
	}
	return netip.AddrFrom16([16]byte(k))
}

// IsV4Mapped reports whether this key represents an IPv4 address in its
// ::ffff: mapped form.
func (k Key) IsV4Mapped() bool {
	for i := 0; i < 10; i++ {
		if k[i] != 0 {
			return false
		}
	}
	return k[10] == 0xff && k[11] == 0xff
}

func (k Key) String() string {
	return k.Addr().String()
}

// Prefix is an LPM key: a prefix length (counted in the 128-bit mapped
// address space, i.e. 96+v4plen for IPv4 prefixes) plus the 16-byte
// address. This mirrors the kernel's LPM-trie key layout: a 4-byte
// prefix length followed by the 16-byte address.
type Prefix struct {
	Len  uint32
	Addr Key
}

// FromNetipPrefix converts a netip.Prefix (as parsed from CIDR strings
// in ShapedDevices.csv or lqos.conf) into the mapped Prefix form.
func FromNetipPrefix(p netip.Prefix) Prefix {
	bits := p.Bits()
	addr := p.Addr()
	if addr.Is4() {
		return Prefix{Len: uint32(96 + bits), Addr: FromAddr(addr)}
	}
	return Prefix{Len: uint32(bits), Addr: FromAddr(addr)}
}

// ParseCIDR parses a CIDR string ("10.0.0.0/8" or "2001:db8::/32") into
// a mapped Prefix.
func ParseCIDR(s string) (Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return Prefix{}, fmt.Errorf("ipaddr: invalid CIDR %q: %w", s, err)
	}
	return FromNetipPrefix(p), nil
}

func (p Prefix) String() string {
	if p.Addr.IsV4Mapped() {
		return fmt.Sprintf("%s/%d", p.Addr.Addr(), p.Len-96)
	}
	return fmt.Sprintf("%s/%d", p.Addr.Addr(), p.Len)
}
