package wspubsub

import (
	"context"
	"encoding/json"
	"net/netip"
	"time"

	ws "github.com/gofiber/contrib/websocket"

	"github.com/openqos/shaperd/pkg/flows"
	"github.com/openqos/shaperd/pkg/history"
	"github.com/openqos/shaperd/pkg/ipaddr"
	"github.com/openqos/shaperd/pkg/lifecycle"
	"github.com/openqos/shaperd/pkg/log"
	"github.com/openqos/shaperd/pkg/parser"
	"github.com/openqos/shaperd/pkg/shapeddevices"
	"github.com/openqos/shaperd/pkg/throughput"
	"github.com/openqos/shaperd/pkg/types"
)

// privateTick is how often a dedicated per-client task recomputes its
// one subscriber's payload; 1s matches the per-IP/flow group.
const privateTick = 1 * time.Second

// privateRequest is the single control frame a private-channel client
// sends right after connecting, naming which variant it wants and the
// parameters that narrow it to one circuit/IP/interface.
type privateRequest struct {
	Channel   PrivateChannel `json:"channel"`
	CircuitID string         `json:"circuit_id,omitempty"`
	IP        string         `json:"ip,omitempty"`
	Interface string         `json:"interface,omitempty"`
	Handle    string         `json:"handle,omitempty"`
}

// servePrivate reads one privateRequest, then streams only that
// client's data until the socket closes.
func servePrivate(hub *Hub, c *ws.Conn) {
	defer lifecycle.RecoverAndLog("wspubsub")
	defer c.Close()

	_, raw, err := c.ReadMessage()
	if err != nil {
		return
	}
	var req privateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		log.With("wspubsub").Debug().Err(err).Msg("malformed private channel request")
		return
	}

	sources := hub.privateSources
	if sources == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Detect the peer closing the socket without blocking the ticker:
	// a background reader that exits (any error, including a normal
	// close frame) cancels ctx.
	go func() {
		defer lifecycle.RecoverAndLog("wspubsub")
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(privateTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, ok := privatePayload(ctx, sources, req)
			if !ok {
				continue
			}
			data, err := json.Marshal(event{Event: string(req.Channel), Data: payload})
			if err != nil {
				continue
			}
			if err := c.WriteMessage(ws.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func privatePayload(ctx context.Context, s *Sources, req privateRequest) (any, bool) {
	switch req.Channel {
	case PrivateCircuitWatcher:
		return circuitWatcherPayload(s, req.CircuitID)
	case PrivatePingMonitor:
		return pingMonitorPayload(s, req.IP)
	case PrivateFlowsByCircuit:
		return flowsByCircuitPayload(s, req.CircuitID)
	case PrivateCakeWatcher:
		return cakeWatcherPayload(ctx, s, req.Interface, req.Handle)
	default:
		return nil, false
	}
}

func circuitWatcherPayload(s *Sources, circuitID string) (any, bool) {
	if s.Tracker == nil || circuitID == "" {
		return nil, false
	}
	var rows []throughput.IPCounter
	s.Tracker.Store.Range(func(c *throughput.IPCounter) {
		if c.CircuitID == circuitID {
			rows = append(rows, *c)
		}
	})
	return rows, true
}

func pingMonitorPayload(s *Sources, ipStr string) (any, bool) {
	if s.Tracker == nil || ipStr == "" {
		return nil, false
	}
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return nil, false
	}
	c, ok := s.Tracker.Store.Get(ipaddr.FromAddr(addr))
	if !ok {
		return nil, false
	}
	fixedMs, ok := c.RTT.Median()
	if !ok {
		return nil, false
	}
	return struct {
		IP         string `json:"ip"`
		RTTFixedMs uint16 `json:"rtt_fixed_ms"`
	}{IP: ipStr, RTTFixedMs: fixedMs}, true
}

func flowsByCircuitPayload(s *Sources, circuitID string) (any, bool) {
	if s.Flows == nil || circuitID == "" {
		return nil, false
	}
	dev, ok := shapeddevices.Active().ResolveByCircuit(circuitID)
	if !ok {
		return nil, false
	}
	var rows []*flows.Data
	for _, d := range s.Flows.Snapshot() {
		addr := d.Key.RemoteIP.Addr()
		for _, p := range dev.IPv4Prefixes {
			if p.Contains(addr) {
				rows = append(rows, d)
			}
		}
		for _, p := range dev.IPv6Prefixes {
			if p.Contains(addr) {
				rows = append(rows, d)
			}
		}
	}
	return rows, true
}

// cakeWatcherPayload answers the CakeWatcher private channel: the live
// tc-reported qdisc instance for one interface/handle, plus its recent
// throughput/delay trend if a history store is wired (s.CakeHist),
// giving the drill-down client a sparkline alongside the instant stat.
func cakeWatcherPayload(ctx context.Context, s *Sources, iface, handle string) (any, bool) {
	if iface == "" {
		return nil, false
	}
	stats, err := parser.CollectStats(ctx)
	if err != nil {
		return nil, false
	}
	if s.CakeHist != nil {
		s.CakeHist.Record(stats, privateTick)
	}
	if handle != "" {
		if cs, ok := parser.FindByHandle(stats, iface, handle, 0); ok {
			return cakeWatcherResponse(s, iface, cs), true
		}
		return nil, false
	}
	for _, st := range stats {
		if st.Interface == iface {
			return cakeWatcherResponse(s, iface, st), true
		}
	}
	return nil, false
}

func cakeWatcherResponse(s *Sources, iface string, st types.CakeStats) any {
	payload := struct {
		Stats   interface{}             `json:"stats"`
		History []history.HistorySample `json:"history,omitempty"`
	}{Stats: st}
	if s.CakeHist != nil {
		payload.History = s.CakeHist.Snapshot()[iface]
	}
	return payload
}
