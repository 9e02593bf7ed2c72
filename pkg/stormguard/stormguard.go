// Package stormguard implements the Stormguard capacity controller: a
// 1 Hz closed loop that nudges a site's
// HTB ceiling up or down based on saturation, retransmit trend, and
// RTT trend.
package stormguard

// Saturation classifies current/max throughput.
type Saturation int

const (
	SaturationLow Saturation = iota
	SaturationMedium
	SaturationHigh
)

func classifySaturation(ratio float64) Saturation {
	switch {
	case ratio < 0.5:
		return SaturationLow
	case ratio < 0.85:
		return SaturationMedium
	default:
		return SaturationHigh
	}
}

// Trend classifies a recent/moving-average ratio, used for both the
// retransmit trend and (with different thresholds) the RTT trend.
type Trend int

const (
	TrendFallingFast Trend = iota
	TrendFalling
	TrendStable
	TrendRising
	TrendRisingFast
)

func classifyRetransmitTrend(ratio float64) Trend {
	switch {
	case ratio < 0.4:
		return TrendFallingFast
	case ratio < 0.8:
		return TrendFalling
	case ratio <= 1.2:
		return TrendStable
	case ratio <= 1.8:
		return TrendRising
	default:
		return TrendRisingFast
	}
}

// classifyRTTTrend classifies with ±20% thresholds, tighter than the
// retransmit bands since RTT moves less under normal load.
func classifyRTTTrend(ratio float64) Trend {
	switch {
	case ratio < 0.8:
		return TrendFalling
	case ratio <= 1.2:
		return TrendStable
	default:
		return TrendRising
	}
}

// Decision is the outcome of one tick's evaluation for one site.
type Decision struct {
	Saturation       Saturation
	RetransmitTrend  Trend
	RTTTrend         Trend
	CanIncrease      bool
	MustDecrease     bool
}

// Evaluate runs the per-site decision function.
// rttTrendMagnitude is |rtt_trend_ratio - 1|, used by the must-decrease
// rule's "magnitude >= 0.4" clause.
func Evaluate(currentThroughput, maxThroughput, recentRetransmitAvg, maRetransmitAvg, recentRTTAvg, maRTTAvg float64) Decision {
	var satRatio float64
	if maxThroughput > 0 {
		satRatio = currentThroughput / maxThroughput
	}
	sat := classifySaturation(satRatio)

	var retransRatio float64
	if maRetransmitAvg > 0 {
		retransRatio = recentRetransmitAvg / maRetransmitAvg
	}
	retransTrend := classifyRetransmitTrend(retransRatio)

	var rttRatio float64 = 1
	if maRTTAvg > 0 {
		rttRatio = recentRTTAvg / maRTTAvg
	}
	rttTrend := classifyRTTTrend(rttRatio)
	rttMagnitude := rttRatio - 1
	if rttMagnitude < 0 {
		rttMagnitude = -rttMagnitude
	}

	canIncrease := sat == SaturationHigh &&
		(retransTrend == TrendStable || retransTrend == TrendFalling || retransTrend == TrendFallingFast) &&
		(rttTrend == TrendStable || rttTrend == TrendFalling)

	mustDecrease := retransTrend == TrendRisingFast ||
		(sat >= SaturationMedium && rttTrend == TrendRising && rttMagnitude >= 0.4)

	return Decision{
		Saturation:      sat,
		RetransmitTrend: retransTrend,
		RTTTrend:        rttTrend,
		CanIncrease:     canIncrease,
		MustDecrease:    mustDecrease,
	}
}

// stepPercent is the per-tick adjustment: at most one 5% move per site.
const stepPercent = 0.05

// NextCeil applies at most one adjustment per tick, clamped to
// [minMbps, maxMbps]. ok is false when no
// adjustment should be made this tick.
func NextCeil(d Decision, currentCeil, minMbps, maxMbps float64) (newCeil float64, ok bool) {
	switch {
	case d.MustDecrease:
		newCeil = currentCeil * (1 - stepPercent)
	case d.CanIncrease:
		newCeil = currentCeil * (1 + stepPercent)
	default:
		return currentCeil, false
	}
	if newCeil < minMbps {
		newCeil = minMbps
	}
	if newCeil > maxMbps {
		newCeil = maxMbps
	}
	return newCeil, true
}
