package streamquery

// PeerID identifies a remote node. The swarm substrate that dials and
// authenticates peers is out of this module's scope; PeerID is treated as
// an opaque, comparable identifier minted by that substrate.
type PeerID string

// ConnectionID identifies one open connection to a peer. A peer may have
// more than one open connection at a time.
type ConnectionID uint64

// EventKind discriminates the Event tagged union.
type EventKind int

const (
	// EventNewInboundSession: the remote peer opened a new inbound session;
	// query is its Query payload.
	EventNewInboundSession EventKind = iota
	// EventReceivedData: a Data frame arrived on an outbound session.
	EventReceivedData
	// EventSessionFailed: a session ended due to an error.
	EventSessionFailed
	// EventSessionClosedByRequest: a session ended because the local
	// application called CloseSession.
	EventSessionClosedByRequest
	// EventSessionClosedByPeer: a session ended because the remote peer
	// closed its side (only observable for outbound sessions).
	EventSessionClosedByPeer
)

func (k EventKind) String() string {
	switch k {
	case EventNewInboundSession:
		return "NewInboundSession"
	case EventReceivedData:
		return "ReceivedData"
	case EventSessionFailed:
		return "SessionFailed"
	case EventSessionClosedByRequest:
		return "SessionClosedByRequest"
	case EventSessionClosedByPeer:
		return "SessionClosedByPeer"
	default:
		return "Unknown"
	}
}

// Event is the tagged union emitted upward by both the handler
// (Event[Q, D, *HandlerError]) and the behaviour
// (Event[Q, D, *BehaviourError]). Exactly the fields relevant to Kind are
// populated; the rest are zero.
type Event[Q any, D any, E any] struct {
	Kind EventKind

	// NewInboundSession fields.
	Query            Q
	InboundSessionID InboundSessionID
	PeerID           PeerID

	// ReceivedData fields.
	OutboundSessionID OutboundSessionID
	Data              D

	// SessionFailed / SessionClosedByRequest / SessionClosedByPeer fields.
	SessionID SessionID
	Err       E
}

// NewInboundSessionEvent builds an EventNewInboundSession.
func NewInboundSessionEvent[Q, D, E any](query Q, id InboundSessionID, peer PeerID) Event[Q, D, E] {
	return Event[Q, D, E]{Kind: EventNewInboundSession, Query: query, InboundSessionID: id, PeerID: peer}
}

// ReceivedDataEvent builds an EventReceivedData.
func ReceivedDataEvent[Q, D, E any](id OutboundSessionID, data D) Event[Q, D, E] {
	return Event[Q, D, E]{Kind: EventReceivedData, OutboundSessionID: id, Data: data}
}

// SessionFailedEvent builds an EventSessionFailed.
func SessionFailedEvent[Q, D, E any](id SessionID, err E) Event[Q, D, E] {
	return Event[Q, D, E]{Kind: EventSessionFailed, SessionID: id, Err: err}
}

// SessionClosedByRequestEvent builds an EventSessionClosedByRequest.
func SessionClosedByRequestEvent[Q, D, E any](id SessionID) Event[Q, D, E] {
	return Event[Q, D, E]{Kind: EventSessionClosedByRequest, SessionID: id}
}

// SessionClosedByPeerEvent builds an EventSessionClosedByPeer.
func SessionClosedByPeerEvent[Q, D, E any](id SessionID) Event[Q, D, E] {
	return Event[Q, D, E]{Kind: EventSessionClosedByPeer, SessionID: id}
}
