package flows

import "time"

// TimelineEntry is one flow's contribution to a per-ASN timeline query.
type TimelineEntry struct {
	Flow           *Data
	StartUnixNanos int64
	EndUnixNanos   int64
	DurationNanos  int64
	MedianRTTDown  uint16
	MedianRTTUp    uint16
}

// Timeline answers the per-ASN flow timeline query:
// filter recent flows where asn == q && (last_seen - start_time) > 2s;
// convert boot-relative timestamps to unix time via
// unix_now() - boot_uptime + flow_start_boot_ns, and attach each
// direction's median RTT.
//
// now and bootUptime together pin "boot time" as now.Add(-bootUptime).
func (r *RecentFlows) Timeline(asn uint32, now time.Time, bootUptime time.Duration) []TimelineEntry {
	const minDuration = 2 * time.Second
	bootTimeUnixNanos := now.Add(-bootUptime).UnixNano()

	var out []TimelineEntry
	for _, d := range r.Snapshot() {
		if d.ASN != asn {
			continue
		}
		duration := time.Duration(d.LastSeenBootNanos-d.StartBootNanos) * time.Nanosecond
		if duration <= minDuration {
			continue
		}
		startUnix := bootTimeUnixNanos + int64(d.StartBootNanos)
		endUnix := bootTimeUnixNanos + int64(d.LastSeenBootNanos)
		rttDown, _ := d.RTTDown.Median()
		rttUp, _ := d.RTTUp.Median()
		out = append(out, TimelineEntry{
			Flow:           d,
			StartUnixNanos: startUnix,
			EndUnixNanos:   endUnix,
			DurationNanos:  endUnix - startUnix,
			MedianRTTDown:  rttDown,
			MedianRTTUp:    rttUp,
		})
	}
	return out
}
