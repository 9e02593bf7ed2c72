package bus

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func startTestServer(t *testing.T, h *Handlers) (socketPath string, stop func()) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.sock")

	srv, err := NewServer(path, h)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	return path, func() {
		cancel()
		srv.Close()
		<-done
	}
}

// writeSession writes a length-prefixed CBOR session frame, the
// client-side mirror of server.go's writeFrame for replies.
func writeSession(w io.Writer, s Session) error {
	payload, err := EncodeSession(s)
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

// readReply reads a length-prefixed CBOR reply frame, the client-side
// mirror of server.go's readFrame for sessions.
func readReply(r *bufio.Reader) (Reply, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Reply{}, err
	}
	length := binary.BigEndian.Uint64(header[2:10])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Reply{}, err
	}
	return DecodeReply(payload)
}

// TestPingRoundTrip opens a single request/reply exchange and closes.
func TestPingRoundTrip(t *testing.T) {
	path, stop := startTestServer(t, &Handlers{})
	defer stop()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	session := Session{AuthCookie: AuthCookie, Requests: []Request{{Kind: ReqPing}}}
	if err := writeSession(conn, session); err != nil {
		t.Fatalf("writeSession: %v", err)
	}
	reply, err := readReply(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("readReply: %v", err)
	}
	if len(reply.Responses) != 1 || !reply.Responses[0].Ack {
		t.Fatalf("expected a single acked ping response, got %+v", reply)
	}
}

// TestPersistentSession: two framed requests
// on the same connection with persist=true get two replies in order,
// without the server closing the connection between them.
func TestPersistentSession(t *testing.T) {
	path, stop := startTestServer(t, &Handlers{})
	defer stop()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)

	first := Session{AuthCookie: AuthCookie, Persist: true, Requests: []Request{{Kind: ReqPing}}}
	if err := writeSession(conn, first); err != nil {
		t.Fatalf("writeSession 1: %v", err)
	}
	reply1, err := readReply(r)
	if err != nil {
		t.Fatalf("readReply 1: %v", err)
	}
	if !reply1.Responses[0].Ack {
		t.Fatalf("expected first reply acked")
	}

	second := Session{AuthCookie: AuthCookie, Requests: []Request{{Kind: ReqPing}}}
	if err := writeSession(conn, second); err != nil {
		t.Fatalf("writeSession 2: %v", err)
	}
	reply2, err := readReply(r)
	if err != nil {
		t.Fatalf("readReply 2: %v", err)
	}
	if !reply2.Responses[0].Ack {
		t.Fatalf("expected second reply acked")
	}
}
