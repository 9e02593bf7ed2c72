package bus

import "testing"

// TestSessionRoundTrip: encoding then decoding a session carrying
// every request variant yields the original list.
func TestSessionRoundTrip(t *testing.T) {
	session := Session{
		AuthCookie: AuthCookie,
		Persist:    true,
		Requests: []Request{
			{Kind: ReqPing},
			{Kind: ReqCurrentThroughput},
			{Kind: ReqTopDownloaders, Start: 0, End: 10},
			{Kind: ReqWorstRTT, Start: 0, End: 10},
			{Kind: ReqWorstRetransmits, Start: 0, End: 10},
			{Kind: ReqFlowsAll},
			{Kind: ReqFlowsByCircuit, CircuitID: "C1"},
			{Kind: ReqFlowsByASN, ASN: 64500},
			{Kind: ReqFlowsTopN, Metric: "bytes_down", Start: 0, End: 10},
			{Kind: ReqTreeFull},
			{Kind: ReqTreeSubtree, NodeName: "site-a"},
			{Kind: ReqMapIPToClass, IPAddress: "192.0.2.1", TCHandle: 0x10064, CPU: 2, Upload: true},
			{Kind: ReqDelIPFlow, IPAddress: "192.0.2.1"},
			{Kind: ReqClearIPFlow},
			{Kind: ReqListIPFlow},
			{Kind: ReqRawQueueByCircuit, CircuitID: "C1"},
			{Kind: ReqReloadTopology},
			{Kind: ReqBakeryStats},
			{Kind: ReqStormguardStats},
			{Kind: ReqFlushHotCache},
			{Kind: ReqAllUnknownIPs},
			{Kind: ReqHostCounts},
			{Kind: ReqIssues},
		},
	}

	raw, err := EncodeSession(session)
	if err != nil {
		t.Fatalf("EncodeSession: %v", err)
	}
	decoded, err := DecodeSession(raw)
	if err != nil {
		t.Fatalf("DecodeSession: %v", err)
	}

	if decoded.AuthCookie != session.AuthCookie || decoded.Persist != session.Persist {
		t.Fatalf("session envelope mismatch: got %+v", decoded)
	}
	if len(decoded.Requests) != len(session.Requests) {
		t.Fatalf("expected %d requests, got %d", len(session.Requests), len(decoded.Requests))
	}
	for i, want := range session.Requests {
		got := decoded.Requests[i]
		if got != want {
			t.Fatalf("request %d mismatch: want %+v, got %+v", i, want, got)
		}
	}
}

func TestReplyRoundTrip(t *testing.T) {
	reply := Reply{
		AuthCookie: AuthCookie,
		Responses: []Response{
			{Kind: ReqPing, Ack: true},
			{Kind: ReqCurrentThroughput, Throughput: &ThroughputPayload{BitsPerSecondDown: 1000}},
			{Kind: ReqHostCounts, HostCounts: &HostCountsPayload{Shaped: 3, Unknown: 1}},
		},
	}
	raw, err := EncodeReply(reply)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	decoded, err := DecodeReply(raw)
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if len(decoded.Responses) != len(reply.Responses) {
		t.Fatalf("expected %d responses, got %d", len(reply.Responses), len(decoded.Responses))
	}
	if decoded.Responses[1].Throughput == nil || decoded.Responses[1].Throughput.BitsPerSecondDown != 1000 {
		t.Fatalf("throughput payload did not round-trip: %+v", decoded.Responses[1])
	}
	if decoded.Responses[2].HostCounts == nil || decoded.Responses[2].HostCounts.Shaped != 3 {
		t.Fatalf("host counts payload did not round-trip: %+v", decoded.Responses[2])
	}
}
