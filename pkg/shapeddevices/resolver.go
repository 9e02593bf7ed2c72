package shapeddevices

import (
	"github.com/openqos/shaperd/pkg/ipaddr"
)

// AncestorLookup resolves a parent-node name to its ancestor-index
// chain in the current Network Tree snapshot. Implemented by
// pkg/nettree; declared here to avoid an import cycle (nettree never
// needs to import shapeddevices).
type AncestorLookup func(parentNode string) (ancestorIndexes []int, ok bool)

// Resolver adapts a shaped-device Table plus a tree ancestor lookup
// into the throughput.CircuitResolver shape (structurally, not by
// import; see pkg/throughput.CircuitResolver): resolve circuit
// identity via the LPM trie, hand back the circuit id and its
// ancestor-index chain for the tracker to cache.
type Resolver struct {
	Ancestors AncestorLookup
}

// Resolve implements pkg/throughput.CircuitResolver.
func (r Resolver) Resolve(ip ipaddr.Key) (circuitID string, ancestorIndexes []int, ok bool) {
	addr := ip.Addr()
	if !addr.IsValid() {
		return "", nil, false
	}
	dev, found := Active().Lookup(addr)
	if !found {
		return "", nil, false
	}
	if r.Ancestors == nil {
		return dev.CircuitID, nil, true
	}
	ancestors, ok := r.Ancestors(dev.ParentNode)
	if !ok {
		return dev.CircuitID, nil, true
	}
	return dev.CircuitID, ancestors, true
}
