package kernel

import (
	"encoding/binary"
	"testing"
)

func encodeTestEvent(ev PerfEvent) []byte {
	raw := make([]byte, heimdallEventSize)
	off := 0
	binary.LittleEndian.PutUint64(raw[off:], ev.TimestampBootNanos)
	off += 8
	copy(raw[off:off+16], ev.Src[:])
	off += 16
	copy(raw[off:off+16], ev.Dst[:])
	off += 16
	binary.LittleEndian.PutUint16(raw[off:], ev.SrcPort)
	off += 2
	binary.LittleEndian.PutUint16(raw[off:], ev.DstPort)
	off += 2
	raw[off] = ev.IPProtocol
	off++
	raw[off] = ev.TOS
	off++
	binary.LittleEndian.PutUint32(raw[off:], ev.Size)
	off += 4
	raw[off] = ev.TCPFlags
	off++
	binary.LittleEndian.PutUint16(raw[off:], ev.TCPWindow)
	off += 2
	binary.LittleEndian.PutUint32(raw[off:], ev.TCPTSVal)
	off += 4
	binary.LittleEndian.PutUint32(raw[off:], ev.TCPTSEcr)
	return raw
}

func TestDecodePerfEventRoundTrip(t *testing.T) {
	want := PerfEvent{
		TimestampBootNanos: 123456789,
		SrcPort:            443,
		DstPort:            51000,
		IPProtocol:         6,
		TOS:                0,
		Size:               1500,
		TCPFlags:           1 << 4, // ACK
		TCPWindow:          65535,
		TCPTSVal:           1000,
		TCPTSEcr:           900,
	}
	want.Src[15] = 1
	want.Dst[15] = 2

	raw := encodeTestEvent(want)
	got, ok := decodePerfEvent(raw)
	if !ok {
		t.Fatal("expected decode success")
	}
	if got != want {
		t.Fatalf("decoded event mismatch: got %+v, want %+v", got, want)
	}
}

func TestDecodePerfEventTooShort(t *testing.T) {
	_, ok := decodePerfEvent(make([]byte, heimdallEventSize-1))
	if ok {
		t.Fatal("expected decode failure for short record")
	}
}
