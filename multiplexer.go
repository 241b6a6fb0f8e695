package streamquery

import (
	"context"
	"io"
	"time"
)

// Substream is a single logically independent bidirectional byte stream
// multiplexed over one connection. It is the minimal surface this module
// needs from whatever real substream type the underlying swarm uses.
type Substream interface {
	io.ReadWriteCloser
	// SetDeadline bounds the next read or write; used to enforce
	// substream_timeout during negotiation.
	SetDeadline(t time.Time) error
}

// Multiplexer is this module's stand-in for "the swarm" at one connection's
// granularity: negotiating and handing over substreams. Modeled directly on
// smux.Session's public surface (OpenStream / AcceptStream / Close), since
// a real swarm's per-connection multiplexer looks the same from here.
//
// A production Multiplexer would typically be backed by something very
// close to smux.Session itself, wrapped in per-protocol negotiation.
type Multiplexer interface {
	// OpenStream negotiates a new outbound substream. It blocks until the
	// substream is ready or ctx is done.
	OpenStream(ctx context.Context) (Substream, error)
	// AcceptStream blocks until an inbound substream has been negotiated or
	// the Multiplexer is closed, in which case it returns an error.
	AcceptStream() (Substream, error)
	// Close tears down every open substream and the underlying connection.
	Close() error
}
