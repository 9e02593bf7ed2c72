package flows

import (
	"testing"
	"time"
)

func TestTopNOrderingAndPagination(t *testing.T) {
	r := NewRecentFlows()
	now := time.Unix(1000, 0)
	for i := 1; i <= 25; i++ {
		d := &Data{
			Key:       Key{SrcPort: uint16(i), DstPort: 443, Proto: 6},
			BytesDown: uint64(i * 100),
		}
		r.Upsert(d, now)
	}

	top := r.TopN(MetricBytesDown, 0, 10)
	if len(top) != 10 {
		t.Fatalf("expected 10 results, got %d", len(top))
	}
	if top[0].BytesDown != 2500 || top[9].BytesDown != 1600 {
		t.Fatalf("expected descending 2500..1600, got %d..%d", top[0].BytesDown, top[9].BytesDown)
	}

	page2 := r.TopN(MetricBytesDown, 10, 20)
	if len(page2) != 10 {
		t.Fatalf("expected 10 results, got %d", len(page2))
	}
	if page2[0].BytesDown != 1500 || page2[9].BytesDown != 600 {
		t.Fatalf("expected descending 1500..600, got %d..%d", page2[0].BytesDown, page2[9].BytesDown)
	}
}

func TestEvictIdleDropsStaleFlows(t *testing.T) {
	r := NewRecentFlows()
	base := time.Unix(1000, 0)
	r.Upsert(&Data{Key: Key{SrcPort: 1}}, base)
	r.Upsert(&Data{Key: Key{SrcPort: 2}}, base.Add(4*time.Minute))

	r.EvictIdle(base.Add(6 * time.Minute))
	if r.Len() != 1 {
		t.Fatalf("expected 1 surviving flow, got %d", r.Len())
	}
}

func TestTimelineUnixConversion(t *testing.T) {
	r := NewRecentFlows()
	now := time.Unix(2000, 0)
	uptime := 20 * time.Second
	d := &Data{
		Key:               Key{SrcPort: 1},
		ASN:               64500,
		StartBootNanos:    uint64(10 * time.Second),
		LastSeenBootNanos: uint64(14 * time.Second),
	}
	r.Upsert(d, now)

	entries := r.Timeline(64500, now, uptime)
	if len(entries) != 1 {
		t.Fatalf("expected 1 timeline entry, got %d", len(entries))
	}
	e := entries[0]
	bootTimeUnix := now.Add(-uptime).UnixNano()
	wantStart := bootTimeUnix + int64(10*time.Second)
	wantEnd := bootTimeUnix + int64(14*time.Second)
	if e.StartUnixNanos != wantStart {
		t.Fatalf("expected start %d, got %d", wantStart, e.StartUnixNanos)
	}
	if e.EndUnixNanos != wantEnd {
		t.Fatalf("expected end %d, got %d", wantEnd, e.EndUnixNanos)
	}
	if e.DurationNanos != int64(4*time.Second) {
		t.Fatalf("expected duration 4s, got %dns", e.DurationNanos)
	}
}

func TestTimelineExcludesShortFlows(t *testing.T) {
	r := NewRecentFlows()
	now := time.Unix(2000, 0)
	d := &Data{
		Key:               Key{SrcPort: 2},
		ASN:               100,
		StartBootNanos:    uint64(10 * time.Second),
		LastSeenBootNanos: uint64(11 * time.Second), // 1s, below the 2s floor
	}
	r.Upsert(d, now)
	entries := r.Timeline(100, now, 0)
	if len(entries) != 0 {
		t.Fatalf("expected short-lived flow to be excluded, got %d entries", len(entries))
	}
}
