package bus

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/openqos/shaperd/pkg/lifecycle"
	"github.com/openqos/shaperd/pkg/log"
)

// headerSize is the 2-byte version + 8-byte length frame prefix.
const headerSize = 2 + 8

// maxFrameBytes bounds a single request/reply frame, guarding against
// a malformed or hostile peer claiming an unbounded payload length.
const maxFrameBytes = 16 << 20

// Server is the UNIX-socket accept loop: one goroutine per connection,
// persistent sessions honored via Session.Persist, socket permissions
// relaxed for unprivileged local clients, and stale-socket cleanup at
// startup.
type Server struct {
	path     string
	handlers *Handlers
	listener net.Listener
}

// NewServer removes any stale socket at path, listens, and chmods the
// socket 0666 so unprivileged local clients can connect.
func NewServer(path string, handlers *Handlers) (*Server, error) {
	if err := lifecycle.RemoveStaleSocket(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("bus: creating socket directory: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bus: listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("bus: chmod %s: %w", path, err)
	}
	return &Server{path: path, handlers: handlers, listener: ln}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each connection runs in its own goroutine; a handler panic
// is recovered and logged rather than taking down the accept loop.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.With("bus").Warn().Err(err).Msg("accept failed")
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

// Close shuts down the listener without waiting for in-flight
// connections to drain.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer lifecycle.RecoverAndLog("bus")
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		session, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				log.With("bus").Warn().Err(err).Msg("reading bus request frame")
			}
			return
		}

		reply := Reply{AuthCookie: session.AuthCookie, Responses: make([]Response, len(session.Requests))}
		for i, req := range session.Requests {
			reply.Responses[i] = s.handlers.Handle(ctx, req)
		}

		if err := writeFrame(conn, reply); err != nil {
			log.With("bus").Warn().Err(err).Msg("writing bus reply frame")
			return
		}
		if !session.Persist {
			return
		}
	}
}

// readFrame reads one length-prefixed CBOR session from r.
func readFrame(r *bufio.Reader) (Session, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Session{}, err
	}
	version := binary.BigEndian.Uint16(header[0:2])
	if version != ProtocolVersion {
		return Session{}, fmt.Errorf("bus: unsupported protocol version %d", version)
	}
	length := binary.BigEndian.Uint64(header[2:10])
	if length > maxFrameBytes {
		return Session{}, fmt.Errorf("bus: frame of %d bytes exceeds the %d byte limit", length, maxFrameBytes)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Session{}, err
	}
	return DecodeSession(payload)
}

// writeFrame writes one length-prefixed CBOR reply to w.
func writeFrame(w io.Writer, reply Reply) error {
	payload, err := EncodeReply(reply)
	if err != nil {
		return err
	}
	var header [headerSize]byte
	binary.BigEndian.PutUint16(header[0:2], ProtocolVersion)
	binary.BigEndian.PutUint64(header[2:10], uint64(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}
