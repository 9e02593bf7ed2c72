// Package shapeddevices loads ShapedDevices.csv and answers "which
// circuit does this IP belong to" via a longest-prefix-match trie.
// Reloaded atomically on file change, same as
// pkg/nettree and pkg/config.
package shapeddevices

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gaissmai/bart"
)

// Device is one ShapedDevices.csv row: a subscriber device inside a
// circuit.
type Device struct {
	CircuitID     string
	DeviceID      string
	CircuitName   string
	DeviceName    string
	ParentNode    string
	MAC           string
	MinDownMbps   uint32
	MinUpMbps     uint32
	MaxDownMbps   uint32
	MaxUpMbps     uint32
	Comment       string
	IPv4Prefixes  []netip.Prefix
	IPv6Prefixes  []netip.Prefix
}

// Table is an immutable loaded snapshot: the circuit map plus the IP
// trie built from every device's prefix lists, consulted by the
// Throughput Tracker on every tick.
type Table struct {
	byCircuit map[string]*Device
	trie      *bart.Table[*Device]
}

// ResolveByCircuit returns the device record for a known circuit id.
func (t *Table) ResolveByCircuit(circuitID string) (*Device, bool) {
	d, ok := t.byCircuit[circuitID]
	return d, ok
}

// Lookup performs the longest-prefix match: an IP belongs to the
// circuit whose configured prefix most
// specifically contains it, or "unknown" (ok=false) otherwise.
func (t *Table) Lookup(ip netip.Addr) (*Device, bool) {
	return t.trie.Lookup(ip)
}

// Count returns the number of distinct circuits loaded.
func (t *Table) Count() int {
	return len(t.byCircuit)
}

// Range calls fn once per loaded device, in unspecified order. Used
// by pkg/topology to plan a circuit queue for every known circuit on
// a rebuild.
func (t *Table) Range(fn func(d *Device)) {
	for _, d := range t.byCircuit {
		fn(d)
	}
}

// active is the RCU-style atomic pointer readers snapshot once per
// operation.
var active atomic.Pointer[Table]

func init() {
	empty := &Table{byCircuit: map[string]*Device{}, trie: &bart.Table[*Device]{}}
	active.Store(empty)
}

// Active returns the current snapshot.
func Active() *Table {
	return active.Load()
}

// csvColumns matches ShapedDevices.csv's column order:
// circuit_id, circuit_name, device_id, device_name,
// parent_node, mac, ipv4, ipv6, min_down, min_up, max_down, max_up,
// comment.
const csvColumns = 13

// Load parses path and returns a fresh Table without making it active.
// A row with too few columns or an unparseable field is skipped
// silently; a CSV read error aborts the load. Load itself is pure;
// Reload decides whether to keep the old snapshot.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("shapeddevices: opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("shapeddevices: reading header: %w", err)
	}
	_ = header

	byCircuit := make(map[string]*Device)
	trie := &bart.Table[*Device]{}

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("shapeddevices: reading row: %w", err)
		}
		if len(record) < csvColumns {
			continue
		}
		dev, err := parseRow(record)
		if err != nil {
			continue
		}
		existing, ok := byCircuit[dev.CircuitID]
		if ok {
			existing.IPv4Prefixes = append(existing.IPv4Prefixes, dev.IPv4Prefixes...)
			existing.IPv6Prefixes = append(existing.IPv6Prefixes, dev.IPv6Prefixes...)
			dev = existing
		} else {
			byCircuit[dev.CircuitID] = dev
		}
		for _, p := range dev.IPv4Prefixes {
			trie.Insert(p, dev)
		}
		for _, p := range dev.IPv6Prefixes {
			trie.Insert(p, dev)
		}
	}

	return &Table{byCircuit: byCircuit, trie: trie}, nil
}

// Reload loads path and, on success, swaps it in as Active. On
// failure the previous snapshot remains active.
func Reload(path string) error {
	t, err := Load(path)
	if err != nil {
		return err
	}
	active.Store(t)
	return nil
}

func parseRow(record []string) (*Device, error) {
	circuitID := strings.TrimSpace(record[0])
	circuitName := strings.TrimSpace(record[1])
	deviceID := strings.TrimSpace(record[2])
	deviceName := strings.TrimSpace(record[3])
	parentNode := strings.TrimSpace(record[4])
	mac := strings.TrimSpace(record[5])
	ipv4CSV := strings.TrimSpace(record[6])
	ipv6CSV := strings.TrimSpace(record[7])

	minDown, err := parseUint32(record[8])
	if err != nil {
		return nil, err
	}
	minUp, err := parseUint32(record[9])
	if err != nil {
		return nil, err
	}
	maxDown, err := parseUint32(record[10])
	if err != nil {
		return nil, err
	}
	maxUp, err := parseUint32(record[11])
	if err != nil {
		return nil, err
	}
	comment := strings.TrimSpace(record[12])

	if circuitID == "" {
		return nil, fmt.Errorf("shapeddevices: missing circuit_id")
	}

	dev := &Device{
		CircuitID:   circuitID,
		DeviceID:    deviceID,
		CircuitName: circuitName,
		DeviceName:  deviceName,
		ParentNode:  parentNode,
		MAC:         mac,
		MinDownMbps: minDown,
		MinUpMbps:   minUp,
		MaxDownMbps: maxDown,
		MaxUpMbps:   maxUp,
		Comment:     comment,
	}
	dev.IPv4Prefixes = parsePrefixList(ipv4CSV)
	dev.IPv6Prefixes = parsePrefixList(ipv6CSV)
	return dev, nil
}

func parseUint32(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("shapeddevices: bad integer %q: %w", s, err)
	}
	return uint32(v), nil
}

// parsePrefixList splits a semicolon-separated list of addresses or
// CIDRs, bare addresses being treated as /32 or /128.
func parsePrefixList(s string) []netip.Prefix {
	if s == "" {
		return nil
	}
	var out []netip.Prefix
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				continue
			}
			bits := 32
			if addr.Is6() && !addr.Is4In6() {
				bits = 128
			}
			part = fmt.Sprintf("%s/%d", part, bits)
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			continue
		}
		out = append(out, p.Masked())
	}
	return out
}
