package wspubsub

import "testing"

// TestHasSubscribersStartsEmpty confirms a fresh Hub reports no
// subscribers on any channel, so the dispatcher skips every producer
// on its first tick before any client connects.
func TestHasSubscribersStartsEmpty(t *testing.T) {
	hub := NewHub()
	for _, ch := range AllChannels {
		if hub.HasSubscribers(ch) {
			t.Fatalf("expected channel %s to start with no subscribers", ch)
		}
	}
}

// TestSubscribeUnsubscribe exercises the add/remove bookkeeping
// directly against the topic map without a real websocket connection.
func TestSubscribeUnsubscribe(t *testing.T) {
	hub := NewHub()
	sub := &subscriber{id: hub.nextID.Add(1)}

	hub.Subscribe(ChannelThroughput, sub)
	if !hub.HasSubscribers(ChannelThroughput) {
		t.Fatalf("expected a subscriber after Subscribe")
	}

	hub.Unsubscribe(ChannelThroughput, sub.id)
	if hub.HasSubscribers(ChannelThroughput) {
		t.Fatalf("expected no subscribers after Unsubscribe")
	}
}

// TestUnsubscribeAllClearsEveryChannel exercises the disconnect path
// used when a multiplexed client's socket closes mid-subscription.
func TestUnsubscribeAllClearsEveryChannel(t *testing.T) {
	hub := NewHub()
	sub := &subscriber{id: hub.nextID.Add(1)}
	hub.Subscribe(ChannelThroughput, sub)
	hub.Subscribe(ChannelCpu, sub)

	hub.UnsubscribeAll(sub.id)

	if hub.HasSubscribers(ChannelThroughput) || hub.HasSubscribers(ChannelCpu) {
		t.Fatalf("expected every channel cleared after UnsubscribeAll")
	}
}

// TestPublishSkipsWithNoSubscribers confirms Publish on an unsubscribed
// channel never touches a nil conn (it would panic on conn.WriteMessage
// otherwise).
func TestPublishSkipsWithNoSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Publish(ChannelThroughput, "throughput", map[string]int{"x": 1})
}

// TestCadenceGrouping spot-checks the three cadence buckets, so a
// future channel addition is forced to pick one.
func TestCadenceGrouping(t *testing.T) {
	cases := map[Channel]Cadence{
		ChannelCpu:             Cadence5s,
		ChannelRam:             Cadence5s,
		ChannelBakeryStatus:    Cadence2s,
		ChannelStormguardStatus: Cadence2s,
		ChannelThroughput:      Cadence1s,
		ChannelNetworkTree:     Cadence1s,
	}
	for ch, want := range cases {
		if got := cadenceOf(ch); got != want {
			t.Fatalf("channel %s: expected cadence %d, got %d", ch, want, got)
		}
	}
}
