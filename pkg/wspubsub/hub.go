package wspubsub

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	ws "github.com/gofiber/contrib/websocket"

	"github.com/openqos/shaperd/pkg/log"
)

// event is the `{event, data}` envelope every multiplexed channel
// message travels in.
type event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// subscriber is one multiplexed client connection. It is shared across
// every topic the client has subscribed to, so writes go through mu to
// keep two concurrently-firing channels from interleaving frames.
type subscriber struct {
	id   uint64
	conn *ws.Conn
	mu   sync.Mutex
}

func (s *subscriber) send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(ws.TextMessage, payload)
}

// topic holds every subscriber currently watching one channel.
type topic struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
}

func newTopic() *topic { return &topic{subs: make(map[uint64]*subscriber)} }

func (t *topic) add(s *subscriber) {
	t.mu.Lock()
	t.subs[s.id] = s
	t.mu.Unlock()
}

func (t *topic) remove(id uint64) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}

func (t *topic) hasSubscribers() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs) > 0
}

func (t *topic) snapshot() []*subscriber {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	return out
}

// Hub fans out producer output to every live subscriber of each named
// channel. A tick's message is only built and sent
// for a channel with at least one living subscriber.
type Hub struct {
	topics map[Channel]*topic
	nextID atomic.Uint64

	// privateSources backs the four private-channel variants, set once
	// via SetPrivateSources during wiring.
	privateSources *Sources
}

// NewHub constructs a Hub with one empty topic per AllChannels entry.
func NewHub() *Hub {
	h := &Hub{topics: make(map[Channel]*topic, len(AllChannels))}
	for _, ch := range AllChannels {
		h.topics[ch] = newTopic()
	}
	return h
}

// SetPrivateSources wires the subsystems private-channel requests read
// from. Must be called before Register if private channels are used.
func (h *Hub) SetPrivateSources(s *Sources) {
	h.privateSources = s
}

// newSubscriber allocates a subscriber id for conn. serveMultiplexed
// calls it once per connection and reuses the subscriber across
// multiple Subscribe calls as control messages arrive.
func (h *Hub) newSubscriber(conn *ws.Conn) *subscriber {
	return &subscriber{id: h.nextID.Add(1), conn: conn}
}

// Subscribe adds s to ch's topic. A no-op if ch is unknown.
func (h *Hub) Subscribe(ch Channel, s *subscriber) {
	if t, ok := h.topics[ch]; ok {
		t.add(s)
	}
}

// Unsubscribe removes s from ch's topic.
func (h *Hub) Unsubscribe(ch Channel, id uint64) {
	if t, ok := h.topics[ch]; ok {
		t.remove(id)
	}
}

// UnsubscribeAll removes a disconnecting client from every channel.
func (h *Hub) UnsubscribeAll(id uint64) {
	for _, t := range h.topics {
		t.remove(id)
	}
}

// HasSubscribers reports whether ch currently has at least one live
// subscriber, letting the dispatcher skip producing a tick's payload
// entirely when nobody is listening.
func (h *Hub) HasSubscribers(ch Channel) bool {
	t, ok := h.topics[ch]
	return ok && t.hasSubscribers()
}

// Publish marshals {event, data} once and sends it to every live
// subscriber of ch, pruning any whose write fails.
func (h *Hub) Publish(ch Channel, eventName string, data any) {
	t, ok := h.topics[ch]
	if !ok {
		return
	}
	subs := t.snapshot()
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(event{Event: eventName, Data: data})
	if err != nil {
		log.With("wspubsub").Warn().Err(err).Str("channel", string(ch)).Msg("marshaling channel payload")
		return
	}
	for _, s := range subs {
		if err := s.send(payload); err != nil {
			t.remove(s.id)
		}
	}
}
