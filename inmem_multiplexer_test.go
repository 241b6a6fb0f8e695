package streamquery

import (
	"context"
	"net"
	"sync"
	"time"
)

// inmemSubstream adapts a net.Conn (one half of a net.Pipe) to Substream.
type inmemSubstream struct {
	net.Conn
}

func (s *inmemSubstream) SetDeadline(t time.Time) error {
	return s.Conn.SetDeadline(t)
}

// inmemMultiplexer is a minimal Multiplexer used by the test suite to stand
// in for a real swarm-provided connection multiplexer: OpenStream on one
// side delivers a fresh net.Pipe half to the peer's AcceptStream. It is not
// a protocol-accurate single-connection multiplexer (each substream gets
// its own net.Pipe rather than sharing one byte stream), which is fine for
// exercising ConnectionHandler and Behaviour end to end.
type inmemMultiplexer struct {
	accept chan Substream
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	peer   *inmemMultiplexer
}

// newInmemMultiplexerPair returns two linked multiplexers representing the
// two ends of one connection.
func newInmemMultiplexerPair() (a, b *inmemMultiplexer) {
	a = &inmemMultiplexer{accept: make(chan Substream, 64), done: make(chan struct{})}
	b = &inmemMultiplexer{accept: make(chan Substream, 64), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (m *inmemMultiplexer) OpenStream(ctx context.Context) (Substream, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, net.ErrClosed
	}
	peer := m.peer
	m.mu.Unlock()

	local, remote := net.Pipe()

	select {
	case peer.accept <- &inmemSubstream{remote}:
	case <-ctx.Done():
		_ = local.Close()
		_ = remote.Close()
		return nil, ctx.Err()
	case <-peer.done:
		_ = local.Close()
		_ = remote.Close()
		return nil, net.ErrClosed
	}
	return &inmemSubstream{local}, nil
}

func (m *inmemMultiplexer) AcceptStream() (Substream, error) {
	select {
	case s := <-m.accept:
		return s, nil
	case <-m.done:
		return nil, net.ErrClosed
	}
}

func (m *inmemMultiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
	return nil
}
