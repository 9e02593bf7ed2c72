// Package server hosts the daemon's HTTP surface: the multiplexed
// and private WebSocket Pub/Sub endpoints plus a small set of
// debug/health routes, on a Fiber v3 + recover middleware stack.
package server

import (
	"context"

	fiber "github.com/gofiber/fiber/v3"
	recovermiddleware "github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/openqos/shaperd/pkg/bakery"
	"github.com/openqos/shaperd/pkg/circuithash"
	"github.com/openqos/shaperd/pkg/log"
	"github.com/openqos/shaperd/pkg/parser"
	"github.com/openqos/shaperd/pkg/wspubsub"
)

// Server wraps the Fiber app hosting /ws, /ws/private and a couple of
// operator-facing debug routes.
type Server struct {
	app *fiber.App
	// Bakery, when non-nil, backs the /api/raw-queue/:circuit debug
	// route with a live tc-stats lookup for the circuit's leaf queue.
	Bakery *bakery.Owner
}

// New builds the Fiber app and registers every route. hub must already
// have its Sources wired (see wspubsub.Hub.SetPrivateSources) before
// the dispatcher starts ticking.
func New(hub *wspubsub.Hub, bk *bakery.Owner) *Server {
	app := fiber.New(fiber.Config{
		ServerHeader: "shaperd",
	})
	app.Use(recovermiddleware.New())

	s := &Server{app: app, Bakery: bk}
	app.Get("/healthz", s.handleHealthz)
	app.Get("/api/raw-queue/:circuit", s.handleRawQueue)

	wspubsub.Register(app, hub)

	return s
}

// Run serves addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		_ = s.app.Shutdown()
	}()
	log.Logger.Info().Str("addr", addr).Msg("http listening")
	return s.app.Listen(addr)
}

func (s *Server) handleHealthz(c fiber.Ctx) error {
	return c.SendString("ok")
}

// handleRawQueue answers the same "raw-queue fetch by circuit id"
// query the bus exposes, over plain HTTP for browser
// debugging: resolve the circuit's interface/class via the Bakery's
// model, then scrape the matching tc qdisc instance.
func (s *Server) handleRawQueue(c fiber.Ctx) error {
	if s.Bakery == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "bakery not wired")
	}
	circuitID := c.Params("circuit")
	hash := circuithash.Hash(circuitID)
	cq, ok := s.Bakery.State().Circuits[hash]
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "unknown circuit id")
	}
	all, err := parser.CollectStats(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	cs, ok := parser.FindByHandle(all, cq.Interface, cq.ClassID.String(), hash)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "no matching qdisc instance")
	}
	return c.JSON(cs)
}
