package flows

import "sort"

// Metric selects the sort key for a Top-N query.
type Metric int

const (
	MetricBytesDown Metric = iota
	MetricBytesUp
	MetricRateDown
	MetricRateUp
	MetricRetransmitsDown
	MetricRetransmitsUp
	MetricWorstRTT
)

func metricValue(d *Data, m Metric) float64 {
	switch m {
	case MetricBytesDown:
		return float64(d.BytesDown)
	case MetricBytesUp:
		return float64(d.BytesUp)
	case MetricRateDown:
		return d.RateEstimateDown
	case MetricRateUp:
		return d.RateEstimateUp
	case MetricRetransmitsDown:
		return float64(d.RetransmitsDown)
	case MetricRetransmitsUp:
		return float64(d.RetransmitsUp)
	case MetricWorstRTT:
		down, okD := d.RTTDown.Median()
		up, okU := d.RTTUp.Median()
		worst := down
		if okU && (!okD || up > down) {
			worst = up
		}
		return float64(worst)
	default:
		return 0
	}
}

// TopN returns the [start,end) page of flows sorted descending by
// metric.
func (r *RecentFlows) TopN(metric Metric, start, end int) []*Data {
	all := r.Snapshot()
	sort.SliceStable(all, func(i, j int) bool {
		return metricValue(all[i], metric) > metricValue(all[j], metric)
	})
	if start < 0 {
		start = 0
	}
	if start >= len(all) {
		return nil
	}
	if end > len(all) {
		end = len(all)
	}
	if end < start {
		return nil
	}
	out := make([]*Data, end-start)
	copy(out, all[start:end])
	return out
}
