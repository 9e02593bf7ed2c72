package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/openqos/shaperd/pkg/log"
)

// Shutdown wires SIGTERM/SIGINT to release a process lock and remove
// the bus socket before the process exits. A panic recovered by
// RecoverAndLog is only logged and does not trigger this cleanup.
type Shutdown struct {
	ctx    context.Context
	cancel context.CancelFunc

	lock       *Lock
	socketPath string
}

// NewShutdown installs the signal handler and returns a Shutdown whose
// Context is cancelled on SIGTERM/SIGINT. Call Cleanup once, after the
// context is done, to remove the lock file and bus socket.
func NewShutdown(lock *Lock, socketPath string) *Shutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return &Shutdown{ctx: ctx, cancel: cancel, lock: lock, socketPath: socketPath}
}

// Context is cancelled when a shutdown signal arrives; every
// long-running component (Bus Server, WebSocket tickers, Bakery owner,
// Stormguard, Submission Pipeline) should select on it.
func (s *Shutdown) Context() context.Context {
	return s.ctx
}

// Cleanup releases the process lock and removes the bus socket. Idempotent.
func (s *Shutdown) Cleanup() {
	s.cancel()
	if s.lock != nil {
		s.lock.Release()
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			log.With("lifecycle").Warn().Err(err).Str("path", s.socketPath).Msg("failed to remove bus socket")
		}
	}
}

// RecoverAndLog wraps a goroutine body so a panic is captured, logged
// with the supplied component name, and does not unwind the runtime.
func RecoverAndLog(component string) {
	if r := recover(); r != nil {
		log.With(component).Error().Interface("panic", r).Msg("recovered panic")
	}
}
