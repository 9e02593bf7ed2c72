// Package flows implements per-5-tuple flow tracking enriched with
// ASN/country lookups, a bounded recent-
// flows ring, and Top-N / per-ASN timeline queries.
package flows

import (
	"github.com/openqos/shaperd/pkg/ipaddr"
)

// Protocol is the IP protocol number (6=TCP, 17=UDP, 1=ICMP, ...).
type Protocol uint8

// Key is a flow's identity: the 5-tuple.
type Key struct {
	RemoteIP ipaddr.Key
	LocalIP  ipaddr.Key
	SrcPort  uint16
	DstPort  uint16
	Proto    Protocol
}

// EndStatus tags a flow's lifecycle state.
type EndStatus int

const (
	StatusAlive EndStatus = iota
	StatusFIN
	StatusRST
)

// RTTRing4 is the 4-slot per-direction RTT ring kept per flow
// (distinct from the 60-slot per-IP ring in pkg/throughput).
type RTTRing4 struct {
	samples [4]uint16
	next    int
}

func (r *RTTRing4) Add(sampleFixedMs uint16) {
	r.samples[r.next] = sampleFixedMs
	r.next = (r.next + 1) % len(r.samples)
}

// Median returns the median of the ring's non-zero samples.
func (r *RTTRing4) Median() (uint16, bool) {
	var vals []uint16
	for _, s := range r.samples {
		if s != 0 {
			vals = append(vals, s)
		}
	}
	if len(vals) == 0 {
		return 0, false
	}
	// Small fixed-size ring: insertion sort is simpler than importing
	// sort for four elements.
	for i := 1; i < len(vals); i++ {
		v := vals[i]
		j := i - 1
		for j >= 0 && vals[j] > v {
			vals[j+1] = vals[j]
			j--
		}
		vals[j+1] = v
	}
	return vals[len(vals)/2], true
}

// Data is the user-space mirror of one kernel flow, enriched as
// packets arrive.
type Data struct {
	Key Key

	StartBootNanos    uint64
	LastSeenBootNanos  uint64
	BytesDown, BytesUp uint64
	PacketsDown, PacketsUp uint64

	RateEstimateDown, RateEstimateUp float64

	TCPSeq, TCPAck           uint32
	RetransmitsDown, RetransmitsUp uint64
	TSValEcho, TSEcrEcho     uint32

	RTTDown, RTTUp RTTRing4

	Status   EndStatus
	TOS      uint8
	TCPFlags uint8

	ASN     uint32
	Country string
}

// RateDown/RateUp expose the estimator's current rate for Top-N by-rate
// queries.
func (d *Data) RateDown() float64 { return d.RateEstimateDown }
func (d *Data) RateUp() float64   { return d.RateEstimateUp }
