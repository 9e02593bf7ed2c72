// Package circuithash computes the opaque i64 identity bakery.State is
// keyed by from a circuit id string. The Bakery itself never
// synthesizes this hash from a class id
// or name, so every caller that activates a circuit (the Throughput
// Tracker's wiring) and every reader that looks one
// up again (the Bus Server's RawQueueByCircuit, pkg/server's HTTP
// debug route) must derive the identical value, so the derivation
// lives in exactly one place rather than being copied at each call
// site.
package circuithash

import "hash/fnv"

// Hash returns the FNV-64a hash of circuitID, the value passed as
// bakery.Command.CircuitHash throughout the daemon.
func Hash(circuitID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(circuitID))
	return int64(h.Sum64())
}
