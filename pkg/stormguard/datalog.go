package stormguard

import (
	"encoding/csv"
	"io"
	"strconv"
	"sync"
	"time"
)

// Row is one tick's CSV datalog entry for one site.
type Row struct {
	SiteHash        int64
	ThroughputMbps  float64
	Retransmits     float64
	RTTMs           float64
	Saturation      Saturation
	RetransmitTrend Trend
	RTTTrend        Trend
	Adjusted        bool
	CeilDownMbps    float64
	CeilUpMbps      float64
}

var datalogHeader = []string{
	"unix_time", "site_hash", "throughput_mbps", "retransmits", "rtt_ms",
	"saturation", "retransmit_trend", "rtt_trend", "adjusted", "ceil_down_mbps", "ceil_up_mbps",
}

// DataLog is a flat CSV append log, one row per watched-site tick.
// Using encoding/csv rather than a third-party writer: no CSV library
// appears anywhere in the example pack, and the format here is a
// simple flat row with no quoting edge cases.
type DataLog struct {
	mu     sync.Mutex
	w      *csv.Writer
	now    func() time.Time
	header bool
}

// NewDataLog wraps an already-open append destination (typically a
// rotated log file under the configured lqos_directory).
func NewDataLog(w io.Writer) *DataLog {
	return &DataLog{w: csv.NewWriter(w), now: time.Now}
}

// Write appends one row, flushing after every write since Stormguard
// ticks at 1 Hz and the volume never justifies batching.
func (d *DataLog) Write(r Row) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.header {
		_ = d.w.Write(datalogHeader)
		d.header = true
	}
	_ = d.w.Write([]string{
		strconv.FormatInt(d.now().Unix(), 10),
		strconv.FormatInt(r.SiteHash, 10),
		strconv.FormatFloat(r.ThroughputMbps, 'f', 2, 64),
		strconv.FormatFloat(r.Retransmits, 'f', 2, 64),
		strconv.FormatFloat(r.RTTMs, 'f', 2, 64),
		strconv.Itoa(int(r.Saturation)),
		strconv.Itoa(int(r.RetransmitTrend)),
		strconv.Itoa(int(r.RTTTrend)),
		strconv.FormatBool(r.Adjusted),
		strconv.FormatFloat(r.CeilDownMbps, 'f', 2, 64),
		strconv.FormatFloat(r.CeilUpMbps, 'f', 2, 64),
	})
	d.w.Flush()
}
