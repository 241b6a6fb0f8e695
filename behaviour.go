package streamquery

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// route is the behaviour-side session record: the (peer, connection) a
// session id is bound to. An id is present in the routing table if and
// only if the session is currently live or in the process of being
// created.
type route struct {
	peer PeerID
	conn ConnectionID
}

// Behaviour is the per-node, cross-connection registry and the entry point
// application code calls into. It translates session ids to (peer,
// connection) pairs, dispatches commands to the relevant ConnectionHandler,
// and re-emits handler events upward with the wider BehaviourError
// taxonomy.
type Behaviour[Q, D any] struct {
	config *Config
	codecQ Codec[Q]
	codecD Codec[D]
	log    *logrus.Entry

	inboundAlloc  *inboundIDAllocator
	outboundAlloc *outboundIDAllocator

	mu          sync.Mutex
	connections map[PeerID]map[ConnectionID]struct{}
	routes      map[SessionID]route
	handlers    map[ConnectionID]*ConnectionHandler[Q, D]

	events chan Event[Q, D, *BehaviourError]
}

// NewBehaviour constructs a Behaviour. config is validated with
// VerifyConfig; an invalid config panics, matching smux.Server/Client's
// contract of only ever handing out a validated *Config internally
// (VerifyConfig is exported here too, for callers who want to check first).
func NewBehaviour[Q, D any](config *Config, codecQ Codec[Q], codecD Codec[D]) *Behaviour[Q, D] {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		panic(err)
	}
	return &Behaviour[Q, D]{
		config:        config,
		codecQ:        codecQ,
		codecD:        codecD,
		log:           config.logger(),
		inboundAlloc:  newInboundIDAllocator(),
		outboundAlloc: newOutboundIDAllocator(),
		connections:   make(map[PeerID]map[ConnectionID]struct{}),
		routes:        make(map[SessionID]route),
		handlers:      make(map[ConnectionID]*ConnectionHandler[Q, D]),
		events:        make(chan Event[Q, D, *BehaviourError], 1024),
	}
}

// Events returns the channel the application drains for upward events. The
// stream is FIFO with respect to the order handler events and
// ConnectionClosed translations were produced.
func (b *Behaviour[Q, D]) Events() <-chan Event[Q, D, *BehaviourError] {
	return b.events
}

// RegisterConnection is the integration point a swarm adapter calls on
// ConnectionEstablished: it constructs and starts the ConnectionHandler
// that will own mux's substreams for the lifetime of this connection.
func (b *Behaviour[Q, D]) RegisterConnection(peer PeerID, conn ConnectionID, mux Multiplexer) *ConnectionHandler[Q, D] {
	handler := NewConnectionHandler[Q, D](peer, conn, mux, b.config, b.codecQ, b.codecD, b.inboundAlloc, b)

	b.mu.Lock()
	conns, ok := b.connections[peer]
	if !ok {
		conns = make(map[ConnectionID]struct{})
		b.connections[peer] = conns
	}
	conns[conn] = struct{}{}
	b.handlers[conn] = handler
	b.mu.Unlock()

	handler.Start()
	return handler
}

// UnregisterConnection is the integration point a swarm adapter calls on
// ConnectionClosed: every session still routed through (peer, conn) is
// failed with ConnectionClosed, and the handler is released.
func (b *Behaviour[Q, D]) UnregisterConnection(peer PeerID, conn ConnectionID) {
	b.mu.Lock()
	if conns, ok := b.connections[peer]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(b.connections, peer)
		}
	}
	handler := b.handlers[conn]
	delete(b.handlers, conn)

	var failed []SessionID
	for id, rt := range b.routes {
		if rt.peer == peer && rt.conn == conn {
			failed = append(failed, id)
			delete(b.routes, id)
		}
	}
	b.mu.Unlock()

	for _, id := range failed {
		b.push(SessionFailedEvent[Q, D, *BehaviourError](id, connectionClosedError()))
	}

	if handler != nil {
		_ = handler.Close()
	}
}

// SendQuery opens a new outbound session against peer, returning
// ErrPeerNotConnected if no connection is currently established.
func (b *Behaviour[Q, D]) SendQuery(query Q, peer PeerID) (OutboundSessionID, error) {
	b.mu.Lock()
	conns, ok := b.connections[peer]
	if !ok || len(conns) == 0 {
		b.mu.Unlock()
		return 0, ErrPeerNotConnected
	}
	var conn ConnectionID
	for c := range conns {
		conn = c
		break
	}
	handler := b.handlers[conn]
	id := b.outboundAlloc.allocate()
	b.routes[Outbound(id)] = route{peer: peer, conn: conn}
	b.mu.Unlock()

	if b.config.RateLimit != nil {
		go func() {
			if err := b.config.RateLimit.Wait(context.Background()); err != nil {
				return
			}
			handler.CreateOutboundSession(query, id)
		}()
	} else {
		handler.CreateOutboundSession(query, id)
	}

	return id, nil
}

// SendData queues data onto the inbound session id for writing to the
// peer, in call order relative to other SendData calls on the same id.
func (b *Behaviour[Q, D]) SendData(data D, id InboundSessionID) error {
	b.mu.Lock()
	rt, ok := b.routes[Inbound(id)]
	handler := b.handlers[rt.conn]
	b.mu.Unlock()

	if !ok {
		return ErrSessionIDNotFound
	}
	handler.SendData(data, id)
	return nil
}

// CloseSession requests that id be closed. The routing entry is removed
// later, when the handler reports the session's terminal event, not here.
func (b *Behaviour[Q, D]) CloseSession(id SessionID) error {
	b.mu.Lock()
	rt, ok := b.routes[id]
	var handler *ConnectionHandler[Q, D]
	if ok {
		handler = b.handlers[rt.conn]
	}
	b.mu.Unlock()

	if !ok {
		return ErrSessionIDNotFound
	}
	handler.CloseSession(id)
	return nil
}

// emitHandlerEvent implements eventSink: it updates the routing table and
// forwards a widened copy of ev upward. A terminal event for an id whose
// binding is already gone means a prior terminal event for that same id
// already fired (exactly one is ever delivered per session); it is
// silently dropped rather than re-delivered.
func (b *Behaviour[Q, D]) emitHandlerEvent(conn ConnectionID, ev Event[Q, D, *HandlerError]) {
	b.mu.Lock()
	switch ev.Kind {
	case EventNewInboundSession:
		b.routes[Inbound(ev.InboundSessionID)] = route{peer: ev.PeerID, conn: conn}
	case EventSessionFailed, EventSessionClosedByRequest, EventSessionClosedByPeer:
		if _, ok := b.routes[ev.SessionID]; !ok {
			b.mu.Unlock()
			return
		}
		delete(b.routes, ev.SessionID)
	}
	b.mu.Unlock()

	b.push(widenEvent[Q, D](ev))
}

// widenEvent copies a handler-taxonomy event into the behaviour's wider
// error taxonomy; every field but Err carries over unchanged.
func widenEvent[Q, D any](ev Event[Q, D, *HandlerError]) Event[Q, D, *BehaviourError] {
	out := Event[Q, D, *BehaviourError]{
		Kind:              ev.Kind,
		Query:             ev.Query,
		InboundSessionID:  ev.InboundSessionID,
		PeerID:            ev.PeerID,
		OutboundSessionID: ev.OutboundSessionID,
		Data:              ev.Data,
		SessionID:         ev.SessionID,
	}
	if ev.Err != nil {
		out.Err = fromHandlerError(ev.Err)
	}
	return out
}

func (b *Behaviour[Q, D]) push(ev Event[Q, D, *BehaviourError]) {
	b.events <- ev
}

// Close releases every connection handler this Behaviour has registered.
// A Go-native addition so a process can shut a Behaviour down
// deterministically; not part of the three core request operations.
func (b *Behaviour[Q, D]) Close() error {
	b.mu.Lock()
	handlers := make([]*ConnectionHandler[Q, D], 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	var firstErr error
	for _, h := range handlers {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
