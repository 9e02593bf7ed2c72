package flows

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"math/big"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaissmai/bart"
)

// ASNInfo is the ASN id → (name, country) side table, separate from
// the two IP-keyed LPM tries.
type ASNInfo struct {
	Name    string
	Country string
}

// ASNTable holds the two LPM tries (IP→ASN id, IP→country) plus the
// ASN id→info map, loaded from the gzip-compressed ip2asn-combined.tsv.
type ASNTable struct {
	asnTrie     *bart.Table[uint32]
	countryTrie *bart.Table[string]
	info        map[uint32]ASNInfo
}

// LookupASN returns the ASN id owning addr, if known.
func (t *ASNTable) LookupASN(addr netip.Addr) (uint32, bool) {
	return t.asnTrie.Lookup(addr)
}

// LookupCountry returns the ISO-3166 country code for addr, if known.
func (t *ASNTable) LookupCountry(addr netip.Addr) (string, bool) {
	return t.countryTrie.Lookup(addr)
}

// Info returns the (name, country) pair for an ASN id.
func (t *ASNTable) Info(asn uint32) (ASNInfo, bool) {
	i, ok := t.info[asn]
	return i, ok
}

var activeASN atomic.Pointer[ASNTable]

func init() {
	empty := &ASNTable{asnTrie: &bart.Table[uint32]{}, countryTrie: &bart.Table[string]{}, info: map[uint32]ASNInfo{}}
	activeASN.Store(empty)
}

// ActiveASNTable returns the current ASN/country snapshot.
func ActiveASNTable() *ASNTable {
	return activeASN.Load()
}

// SetActiveASNTable swaps in t as the active snapshot, for the initial
// load at startup (StartRefresher only swaps on its own 24h ticks).
func SetActiveASNTable(t *ASNTable) {
	activeASN.Store(t)
}

// LoadASNTableGzipTSV parses a gzip-compressed, tab-separated
// ip2asn-combined.tsv: range_start, range_end, asn, country, name.
func LoadASNTableGzipTSV(path string) (*ASNTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("flows: opening %s: %w", path, err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("flows: gzip %s: %w", path, err)
	}
	defer gz.Close()

	asnTrie := &bart.Table[uint32]{}
	countryTrie := &bart.Table[string]{}
	info := make(map[uint32]ASNInfo)

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			continue
		}
		startIP, err1 := netip.ParseAddr(fields[0])
		endIP, err2 := netip.ParseAddr(fields[1])
		asn, err3 := strconv.ParseUint(fields[2], 10, 32)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		country := strings.TrimSpace(fields[3])
		name := strings.TrimSpace(fields[4])
		if asn == 0 {
			continue
		}
		for _, p := range rangeToPrefixes(startIP, endIP) {
			asnTrie.Insert(p, uint32(asn))
			if country != "" {
				countryTrie.Insert(p, country)
			}
		}
		info[uint32(asn)] = ASNInfo{Name: name, Country: country}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("flows: reading %s: %w", path, err)
	}

	return &ASNTable{asnTrie: asnTrie, countryTrie: countryTrie, info: info}, nil
}

// rangeToPrefixes covers [start,end] with the minimal set of CIDR
// prefixes, using the standard greedy algorithm: repeatedly take the
// largest block aligned at the current start address that still fits
// within the remaining range.
func rangeToPrefixes(start, end netip.Addr) []netip.Prefix {
	if start.Is4() != end.Is4() {
		return nil
	}
	bits := 32
	if start.Is6() {
		bits = 128
	}
	lo := new(big.Int).SetBytes(start.AsSlice())
	hi := new(big.Int).SetBytes(end.AsSlice())
	if lo.Cmp(hi) > 0 {
		return nil
	}

	var out []netip.Prefix
	one := big.NewInt(1)
	for lo.Cmp(hi) <= 0 {
		// Largest power-of-two block size aligned at lo and not
		// exceeding the remaining range.
		maxShift := trailingZeroBits(lo, bits)
		for maxShift > 0 {
			blockSize := new(big.Int).Lsh(one, uint(maxShift))
			blockEnd := new(big.Int).Add(lo, blockSize)
			blockEnd.Sub(blockEnd, one)
			if blockEnd.Cmp(hi) <= 0 {
				break
			}
			maxShift--
		}
		prefixLen := bits - maxShift
		addrBytes := make([]byte, bits/8)
		lo.FillBytes(addrBytes)
		addr, ok := netip.AddrFromSlice(addrBytes)
		if !ok {
			break
		}
		out = append(out, netip.PrefixFrom(addr, prefixLen))

		blockSize := new(big.Int).Lsh(one, uint(maxShift))
		lo.Add(lo, blockSize)
	}
	return out
}

// trailingZeroBits returns the number of trailing zero bits in v,
// capped at width.
func trailingZeroBits(v *big.Int, width int) int {
	if v.Sign() == 0 {
		return width
	}
	n := 0
	t := new(big.Int).Set(v)
	for n < width && t.Bit(0) == 0 {
		t.Rsh(t, 1)
		n++
	}
	return n
}

// refreshInterval is how often the on-disk ASN table is re-read.
const refreshInterval = 24 * time.Hour

// StartRefresher launches a goroutine that reloads path every 24h,
// logging and retaining the previous table on failure. Returns a stop
// function.
func StartRefresher(path string, onError func(error)) (stop func(), wg *sync.WaitGroup) {
	stopCh := make(chan struct{})
	wg = &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				t, err := LoadASNTableGzipTSV(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				activeASN.Store(t)
			}
		}
	}()
	return func() { close(stopCh) }, wg
}
