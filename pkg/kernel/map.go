// Package kernel is the only code in the daemon that touches pinned
// eBPF maps. It never classifies packets itself; it reads and writes
// the counters, flow table, and IP→class lookups the kernel program
// already maintains.
package kernel

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cilium/ebpf"

	"github.com/openqos/shaperd/pkg/log"
)

// possibleCPUsOnce caches the per-CPU slot count read from
// /sys/devices/system/cpu/possible.
var (
	possibleCPUsOnce sync.Once
	possibleCPUs     int
	possibleCPUsErr  error
)

// PossibleCPUs returns the number of per-CPU value slots the kernel
// reserves for a PERCPU map, read from
// /sys/devices/system/cpu/possible (a range like "0-7").
func PossibleCPUs() (int, error) {
	possibleCPUsOnce.Do(func() {
		possibleCPUs, possibleCPUsErr = readPossibleCPUs("/sys/devices/system/cpu/possible")
	})
	return possibleCPUs, possibleCPUsErr
}

func readPossibleCPUs(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("kernel: reading possible CPUs: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("kernel: %s is empty", path)
	}
	line := strings.TrimSpace(scanner.Text())
	return parsePossibleCPUsLine(line)
}

func parsePossibleCPUsLine(line string) (int, error) {
	total := 0
	for _, part := range strings.Split(line, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '-'); i >= 0 {
			lo, err1 := strconv.Atoi(part[:i])
			hi, err2 := strconv.Atoi(part[i+1:])
			if err1 != nil || err2 != nil {
				return 0, fmt.Errorf("kernel: malformed CPU range %q", part)
			}
			total += hi - lo + 1
		} else {
			total++
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("kernel: no CPUs parsed from %q", line)
	}
	return total, nil
}

// PinnedMap is a thin wrapper over a pinned eBPF map, providing
// per-CPU iterate, single-entry
// mutation, and bulk clear. Keys and values are raw byte slices sized
// to the map's own key and value sizes.
type PinnedMap struct {
	path string
	m    *ebpf.Map
}

// OpenPinned opens the map pinned at path. Callers should treat a
// non-nil error here as fatal at startup unless the map is optional.
func OpenPinned(path string) (*PinnedMap, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, fmt.Errorf("kernel: opening pinned map %s: %w", path, err)
	}
	return &PinnedMap{path: path, m: m}, nil
}

// Close releases the map's file descriptor deterministically.
func (p *PinnedMap) Close() error {
	return p.m.Close()
}

// PerCPUEntry is one key plus its raw per-CPU values, as yielded by
// Iterate. Ordering across keys is unspecified.
type PerCPUEntry struct {
	Key    []byte
	Values [][]byte
}

// Iterate walks every entry in a PERCPU map, invoking visit once per
// key with the raw bytes for every CPU slot. An iteration error ends
// the walk; it is logged, the entries already visited are kept, and
// Iterate still returns nil.
func (p *PinnedMap) Iterate(visit func(entry PerCPUEntry)) error {
	keySize := int(p.m.KeySize())
	it := p.m.Iterate()
	key := make([]byte, keySize)
	var perCPUValues [][]byte
	for it.Next(&key, &perCPUValues) {
		values := make([][]byte, len(perCPUValues))
		for i, v := range perCPUValues {
			cp := make([]byte, len(v))
			copy(cp, v)
			values[i] = cp
		}
		keyCopy := make([]byte, len(key))
		copy(keyCopy, key)
		visit(PerCPUEntry{Key: keyCopy, Values: values})
	}
	if err := it.Err(); err != nil {
		log.With("kernel").Warn().Err(err).Str("map", p.path).Msg("per-CPU map iteration ended with an error; partial results kept")
	}
	return nil
}

// Upsert inserts or overwrites a single key/value pair.
func (p *PinnedMap) Upsert(key, value []byte) error {
	if err := p.m.Put(key, value); err != nil {
		return fmt.Errorf("kernel: put on %s: %w", p.path, err)
	}
	return nil
}

// Delete removes a single key. A missing key is not an error.
func (p *PinnedMap) Delete(key []byte) error {
	if err := p.m.Delete(key); err != nil && err != ebpf.ErrKeyNotExist {
		return fmt.Errorf("kernel: delete on %s: %w", p.path, err)
	}
	return nil
}

// Lookup fetches a single value, reporting ok=false if absent.
func (p *PinnedMap) Lookup(key []byte, out []byte) (ok bool, err error) {
	if err := p.m.Lookup(key, &out); err != nil {
		if err == ebpf.ErrKeyNotExist {
			return false, nil
		}
		return false, fmt.Errorf("kernel: lookup on %s: %w", p.path, err)
	}
	return true, nil
}

// Clear deletes every entry in the map. The Bus Server's clear_ip_flow
// request uses it to empty the IP→class map.
func (p *PinnedMap) Clear() error {
	var keys [][]byte
	it := p.m.Iterate()
	keySize := int(p.m.KeySize())
	key := make([]byte, keySize)
	var val []byte
	for it.Next(&key, &val) {
		k := make([]byte, len(key))
		copy(k, key)
		keys = append(keys, k)
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("kernel: clear iteration on %s: %w", p.path, err)
	}
	for _, k := range keys {
		if err := p.m.Delete(k); err != nil && err != ebpf.ErrKeyNotExist {
			return fmt.Errorf("kernel: clear delete on %s: %w", p.path, err)
		}
	}
	return nil
}
