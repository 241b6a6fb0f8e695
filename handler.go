package streamquery

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// eventSink receives events translated upward from a ConnectionHandler. A
// Behaviour implements this to update its routing table before the event
// reaches the application.
type eventSink[Q, D any] interface {
	emitHandlerEvent(conn ConnectionID, ev Event[Q, D, *HandlerError])
}

// createOutboundSessionCmd asks the handler to open a substream carrying
// query as upgrade payload, tagged with the pre-allocated id.
type createOutboundSessionCmd[Q any] struct {
	query Q
	id    OutboundSessionID
}

// sendDataCmd asks the handler to queue data onto an inbound session.
type sendDataCmd[D any] struct {
	data      D
	inboundID InboundSessionID
}

// closeSessionCmd asks the handler to close a session, inbound or outbound.
type closeSessionCmd struct {
	id SessionID
}

// handlerCommand is the tagged union of the three events a ConnectionHandler
// consumes from its Behaviour.
type handlerCommand[Q, D any] struct {
	createOutbound *createOutboundSessionCmd[Q]
	sendData       *sendDataCmd[D]
	closeSession   *closeSessionCmd
}

type acceptedInbound[Q any] struct {
	query  Q
	stream Substream
	id     InboundSessionID
}

type outboundNegotiated[D any] struct {
	id     OutboundSessionID
	stream Substream
	err    *HandlerError
}

type inboundFinished struct {
	id     InboundSessionID
	reason FinishReason
}

type outboundEventMsg[D any] struct {
	id OutboundSessionID
	ev outboundEvent[D]
}

// ConnectionHandler owns the live inbound and outbound substreams of one
// connection to one peer. One instance exists per open connection; it is
// constructed by a Behaviour when the swarm establishes a connection, and
// driven entirely by its own run loop, which is the only goroutine allowed
// to mutate its maps.
type ConnectionHandler[Q, D any] struct {
	peer   PeerID
	connID ConnectionID
	mux    Multiplexer
	config *Config
	codecQ Codec[Q]
	codecD Codec[D]
	alloc  *inboundIDAllocator
	sink   eventSink[Q, D]
	log    *logrus.Entry

	group *errgroup.Group

	commands      chan handlerCommand[Q, D]
	acceptCh      chan acceptedInbound[Q]
	outboundNegCh chan outboundNegotiated[D]
	inboundDoneCh chan inboundFinished
	outboundEvCh  chan outboundEventMsg[D]
	closeSig      chan struct{}

	inbound     map[InboundSessionID]*inboundSession[D]
	outbound    map[OutboundSessionID]*outboundSession[D]
	markedToEnd map[InboundSessionID]bool
}

// NewConnectionHandler constructs a handler for one freshly established
// connection. Call Start to begin its accept loop and bookkeeping.
func NewConnectionHandler[Q, D any](
	peer PeerID,
	connID ConnectionID,
	mux Multiplexer,
	config *Config,
	codecQ Codec[Q],
	codecD Codec[D],
	alloc *inboundIDAllocator,
	sink eventSink[Q, D],
) *ConnectionHandler[Q, D] {
	h := &ConnectionHandler[Q, D]{
		peer:   peer,
		connID: connID,
		mux:    mux,
		config: config,
		codecQ: codecQ,
		codecD: codecD,
		alloc:  alloc,
		sink:   sink,
		log:    config.logger().WithField("peer_id", peer).WithField("connection_id", connID),

		group: &errgroup.Group{},

		commands:      make(chan handlerCommand[Q, D], 32),
		acceptCh:      make(chan acceptedInbound[Q], config.backlog()),
		outboundNegCh: make(chan outboundNegotiated[D], 32),
		inboundDoneCh: make(chan inboundFinished, 32),
		outboundEvCh:  make(chan outboundEventMsg[D], 32),
		closeSig:      make(chan struct{}),

		inbound:     make(map[InboundSessionID]*inboundSession[D]),
		outbound:    make(map[OutboundSessionID]*outboundSession[D]),
		markedToEnd: make(map[InboundSessionID]bool),
	}
	return h
}

// Start launches the handler's accept loop and bookkeeping loop. It returns
// immediately; the handler runs until Close is called or the Multiplexer
// fails.
func (h *ConnectionHandler[Q, D]) Start() {
	h.group.Go(func() error {
		h.acceptLoop()
		return nil
	})
	go h.run()
}

// CreateOutboundSession enqueues a request to open an outbound substream
// carrying query, tagged with id.
func (h *ConnectionHandler[Q, D]) CreateOutboundSession(query Q, id OutboundSessionID) {
	select {
	case h.commands <- handlerCommand[Q, D]{createOutbound: &createOutboundSessionCmd[Q]{query: query, id: id}}:
	case <-h.closeSig:
	}
}

// SendData enqueues data to be written on the inbound session id.
func (h *ConnectionHandler[Q, D]) SendData(data D, id InboundSessionID) {
	select {
	case h.commands <- handlerCommand[Q, D]{sendData: &sendDataCmd[D]{data: data, inboundID: id}}:
	case <-h.closeSig:
	}
}

// CloseSession enqueues a close request for id, inbound or outbound.
func (h *ConnectionHandler[Q, D]) CloseSession(id SessionID) {
	select {
	case h.commands <- handlerCommand[Q, D]{closeSession: &closeSessionCmd{id: id}}:
	case <-h.closeSig:
	}
}

// Close tears down the underlying Multiplexer and waits for every
// in-flight session goroutine this handler started to exit.
func (h *ConnectionHandler[Q, D]) Close() error {
	select {
	case <-h.closeSig:
		return nil
	default:
		close(h.closeSig)
	}
	err := h.mux.Close()
	_ = h.group.Wait()
	return err
}

// acceptLoop drives substream negotiation for inbound substreams: protocol
// name match, an ack byte, and the Query read. None of this produces an
// upward event on failure: a listen-side upgrade failure is never
// observable to the application.
func (h *ConnectionHandler[Q, D]) acceptLoop() {
	for {
		stream, err := h.mux.AcceptStream()
		if err != nil {
			return
		}
		h.group.Go(func() error {
			h.negotiateInbound(stream)
			return nil
		})
	}
}

func (h *ConnectionHandler[Q, D]) negotiateInbound(stream Substream) {
	_ = stream.SetDeadline(time.Now().Add(h.config.SubstreamTimeout))

	name, err := readProtocolName(stream)
	if err != nil {
		h.log.WithError(err).Debug("inbound negotiation: failed to read protocol name")
		_ = stream.Close()
		return
	}
	if name != h.config.ProtocolName {
		_, _ = stream.Write([]byte{0})
		_ = stream.Close()
		return
	}
	if _, err := stream.Write([]byte{1}); err != nil {
		_ = stream.Close()
		return
	}

	query, err := h.codecQ.Decode(stream)
	if err != nil {
		h.log.WithError(err).Debug("inbound negotiation: failed to decode query")
		_ = stream.Close()
		return
	}

	_ = stream.SetDeadline(time.Time{})
	id := h.alloc.allocate()

	select {
	case h.acceptCh <- acceptedInbound[Q]{query: query, stream: stream, id: id}:
	case <-h.closeSig:
		_ = stream.Close()
	}
}

// dialOutbound opens and negotiates an outbound substream, classifying
// every failure into the handler-local error taxonomy.
func (h *ConnectionHandler[Q, D]) dialOutbound(query Q, id OutboundSessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.SubstreamTimeout)
	defer cancel()

	stream, err := h.mux.OpenStream(ctx)
	if err != nil {
		var classified *HandlerError
		if errors.Is(err, context.DeadlineExceeded) {
			classified = timeoutError(h.config.SubstreamTimeout)
		} else {
			classified = ioError(err)
		}
		h.deliverOutboundNegotiated(outboundNegotiated[D]{id: id, err: classified})
		return
	}

	_ = stream.SetDeadline(time.Now().Add(h.config.SubstreamTimeout))

	if err := writeProtocolName(stream, h.config.ProtocolName); err != nil {
		_ = stream.Close()
		h.deliverOutboundNegotiated(outboundNegotiated[D]{id: id, err: ioError(err)})
		return
	}

	var ack [1]byte
	if _, err := io.ReadFull(stream, ack[:]); err != nil {
		_ = stream.Close()
		h.deliverOutboundNegotiated(outboundNegotiated[D]{id: id, err: ioError(err)})
		return
	}
	if ack[0] == 0 {
		_ = stream.Close()
		h.deliverOutboundNegotiated(outboundNegotiated[D]{id: id, err: remoteUnsupportedError(h.config.ProtocolName)})
		return
	}

	if err := h.codecQ.Encode(stream, query); err != nil {
		_ = stream.Close()
		h.deliverOutboundNegotiated(outboundNegotiated[D]{id: id, err: ioError(err)})
		return
	}

	_ = stream.SetDeadline(time.Time{})
	h.deliverOutboundNegotiated(outboundNegotiated[D]{id: id, stream: stream})
}

func (h *ConnectionHandler[Q, D]) deliverOutboundNegotiated(n outboundNegotiated[D]) {
	select {
	case h.outboundNegCh <- n:
	case <-h.closeSig:
		if n.stream != nil {
			_ = n.stream.Close()
		}
	}
}

// run is the single bookkeeping goroutine: it is the only place that reads
// or writes the inbound/outbound maps, so no locking is needed there.
func (h *ConnectionHandler[Q, D]) run() {
	for {
		select {
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		case a := <-h.acceptCh:
			h.handleAccepted(a)
		case n := <-h.outboundNegCh:
			h.handleOutboundNegotiated(n)
		case f := <-h.inboundDoneCh:
			h.handleInboundFinished(f)
		case m := <-h.outboundEvCh:
			h.handleOutboundEvent(m)
		case <-h.closeSig:
			h.shutdown()
			return
		}
	}
}

// shutdown unblocks every live session engine so their goroutines (tracked
// by h.group) can exit and Close's group.Wait returns. It runs on the
// bookkeeping goroutine, so touching the maps here needs no locking.
func (h *ConnectionHandler[Q, D]) shutdown() {
	for _, sess := range h.inbound {
		sess.StartClosing()
	}
	for _, sess := range h.outbound {
		sess.Close()
	}
}

func (h *ConnectionHandler[Q, D]) handleCommand(cmd handlerCommand[Q, D]) {
	switch {
	case cmd.createOutbound != nil:
		query, id := cmd.createOutbound.query, cmd.createOutbound.id
		h.group.Go(func() error {
			h.dialOutbound(query, id)
			return nil
		})
	case cmd.sendData != nil:
		id := cmd.sendData.inboundID
		sess, ok := h.inbound[id]
		if !ok || h.markedToEnd[id] {
			h.log.WithField("inbound_session_id", id).Debug("dropping send_data for unknown or closing inbound session")
			return
		}
		sess.AddMessageToQueue(cmd.sendData.data)
	case cmd.closeSession != nil:
		h.handleCloseSession(cmd.closeSession.id)
	}
}

func (h *ConnectionHandler[Q, D]) handleCloseSession(id SessionID) {
	if inboundID, ok := id.InboundID(); ok {
		sess, exists := h.inbound[inboundID]
		if !exists {
			return
		}
		h.markedToEnd[inboundID] = true
		sess.StartClosing()
		h.sink.emitHandlerEvent(h.connID, SessionClosedByRequestEvent[Q, D, *HandlerError](id))
		return
	}
	outboundID, _ := id.OutboundID()
	sess, exists := h.outbound[outboundID]
	if !exists {
		return
	}
	sess.Close()
	delete(h.outbound, outboundID)
	h.sink.emitHandlerEvent(h.connID, SessionClosedByRequestEvent[Q, D, *HandlerError](id))
}

func (h *ConnectionHandler[Q, D]) handleAccepted(a acceptedInbound[Q]) {
	sess := newInboundSession[D](a.id, a.stream, h.codecD, h.log)
	h.inbound[a.id] = sess

	h.group.Go(func() error {
		reason := <-sess.Done()
		select {
		case h.inboundDoneCh <- inboundFinished{id: a.id, reason: reason}:
		case <-h.closeSig:
		}
		return nil
	})

	h.sink.emitHandlerEvent(h.connID, NewInboundSessionEvent[Q, D, *HandlerError](a.query, a.id, h.peer))
}

func (h *ConnectionHandler[Q, D]) handleOutboundNegotiated(n outboundNegotiated[D]) {
	if n.err != nil {
		h.sink.emitHandlerEvent(h.connID, SessionFailedEvent[Q, D, *HandlerError](Outbound(n.id), n.err))
		return
	}

	sess := newOutboundSession[D](n.id, n.stream, h.codecD)
	h.outbound[n.id] = sess

	h.group.Go(func() error {
		for {
			var ev outboundEvent[D]
			select {
			case ev = <-sess.Events():
			case <-h.closeSig:
				return nil
			}
			select {
			case h.outboundEvCh <- outboundEventMsg[D]{id: n.id, ev: ev}:
			case <-h.closeSig:
				return nil
			}
			if ev.kind != outboundItem {
				return nil
			}
		}
	})
}

func (h *ConnectionHandler[Q, D]) handleInboundFinished(f inboundFinished) {
	_, alreadyClosedByRequest := h.markedToEnd[f.id]
	delete(h.inbound, f.id)
	delete(h.markedToEnd, f.id)
	// A local CloseSession already emitted SessionClosedByRequest for this
	// id; if the close-drain itself then hits a write error, that is not a
	// second reportable event for this id.
	if f.reason.Err != nil && !alreadyClosedByRequest {
		h.sink.emitHandlerEvent(h.connID, SessionFailedEvent[Q, D, *HandlerError](Inbound(f.id), ioError(f.reason.Err)))
	}
}

func (h *ConnectionHandler[Q, D]) handleOutboundEvent(m outboundEventMsg[D]) {
	// The session may already have been dropped by a local CloseSession,
	// which emits SessionClosedByRequest itself; anything the forwarder
	// goroutine still had in flight at that point is stale and must not
	// produce a second terminal event for the same id.
	if _, ok := h.outbound[m.id]; !ok {
		return
	}
	switch m.ev.kind {
	case outboundItem:
		h.sink.emitHandlerEvent(h.connID, ReceivedDataEvent[Q, D, *HandlerError](m.id, m.ev.data))
	case outboundEnd:
		delete(h.outbound, m.id)
		h.sink.emitHandlerEvent(h.connID, SessionClosedByPeerEvent[Q, D, *HandlerError](Outbound(m.id)))
	case outboundError:
		delete(h.outbound, m.id)
		h.sink.emitHandlerEvent(h.connID, SessionFailedEvent[Q, D, *HandlerError](Outbound(m.id), ioError(m.ev.err)))
	}
}
