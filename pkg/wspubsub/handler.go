package wspubsub

import (
	"encoding/json"

	ws "github.com/gofiber/contrib/websocket"
	fiber "github.com/gofiber/fiber/v3"

	"github.com/openqos/shaperd/pkg/lifecycle"
	"github.com/openqos/shaperd/pkg/log"
)

// controlMessage is a client's inbound JSON control frame on the
// multiplexed `/ws` endpoint: `{subscribe: channel}` or
// `{unsubscribe: channel}`.
type controlMessage struct {
	Subscribe   Channel `json:"subscribe,omitempty"`
	Unsubscribe Channel `json:"unsubscribe,omitempty"`
}

// Register wires the multiplexed and private WebSocket routes onto
// app, guarded by the upgrade-check middleware pattern
// gofiber/contrib/websocket documents.
func Register(app *fiber.App, hub *Hub) {
	upgradeOnly := func(c fiber.Ctx) error {
		if ws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}

	app.Use("/ws", upgradeOnly)
	app.Get("/ws", ws.New(func(c *ws.Conn) {
		serveMultiplexed(hub, c)
	}))

	app.Use("/ws/private", upgradeOnly)
	app.Get("/ws/private", ws.New(func(c *ws.Conn) {
		servePrivate(hub, c)
	}))
}

// serveMultiplexed is the `/ws` endpoint's per-connection loop: read
// control messages, adjust this client's channel subscriptions, until
// the socket closes.
func serveMultiplexed(hub *Hub, c *ws.Conn) {
	defer lifecycle.RecoverAndLog("wspubsub")
	defer c.Close()

	sub := hub.newSubscriber(c)
	defer hub.UnsubscribeAll(sub.id)

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.With("wspubsub").Debug().Err(err).Msg("ignoring malformed control message")
			continue
		}
		if msg.Subscribe != "" {
			hub.Subscribe(msg.Subscribe, sub)
		}
		if msg.Unsubscribe != "" {
			hub.Unsubscribe(msg.Unsubscribe, sub.id)
		}
	}
}
