package streamquery

import (
	"fmt"
	"sync/atomic"
)

// InboundSessionID identifies a session the remote peer opened against us.
// Values are allocated from a single counter shared by every connection of
// the local node, so an id alone carries global meaning.
type InboundSessionID uint64

// OutboundSessionID identifies a session the local node opened. Values are
// allocated by a single Behaviour and are only meaningful together with the
// Behaviour that minted them.
type OutboundSessionID uint64

// SessionID is a tagged union over the two disjoint id spaces, used wherever
// either may appear (events, routing lookups, close requests).
type SessionID struct {
	inbound   InboundSessionID
	outbound  OutboundSessionID
	isInbound bool
}

// Inbound wraps an InboundSessionID as a SessionID.
func Inbound(id InboundSessionID) SessionID {
	return SessionID{inbound: id, isInbound: true}
}

// Outbound wraps an OutboundSessionID as a SessionID.
func Outbound(id OutboundSessionID) SessionID {
	return SessionID{outbound: id, isInbound: false}
}

// IsInbound reports whether this id refers to an inbound session.
func (s SessionID) IsInbound() bool { return s.isInbound }

// InboundID returns the wrapped id and true if this is an inbound id.
func (s SessionID) InboundID() (InboundSessionID, bool) {
	return s.inbound, s.isInbound
}

// OutboundID returns the wrapped id and true if this is an outbound id.
func (s SessionID) OutboundID() (OutboundSessionID, bool) {
	return s.outbound, !s.isInbound
}

func (s SessionID) String() string {
	if s.isInbound {
		return fmt.Sprintf("inbound(%d)", s.inbound)
	}
	return fmt.Sprintf("outbound(%d)", s.outbound)
}

// inboundIDAllocator is a node-wide, monotonic counter for inbound session
// ids. Each Behaviour creates one and shares it into every
// ConnectionHandler it registers, so a freshly accepted inbound substream
// can obtain a
// fresh id without coordinating with the Behaviour. Modified only by atomic
// fetch-add; ids never recycle.
type inboundIDAllocator struct {
	next atomic.Uint64
}

// newInboundIDAllocator constructs a fresh allocator starting at id 0.
func newInboundIDAllocator() *inboundIDAllocator {
	return &inboundIDAllocator{}
}

// allocate returns the next InboundSessionID.
func (a *inboundIDAllocator) allocate() InboundSessionID {
	return InboundSessionID(a.next.Add(1) - 1)
}

// outboundIDAllocator is a Behaviour-local monotonic counter for outbound
// session ids. Unlike the inbound allocator it is not shared across
// Behaviours; a Behaviour's public methods may be called concurrently by
// application code, so allocation is still atomic internally.
type outboundIDAllocator struct {
	next atomic.Uint64
}

func newOutboundIDAllocator() *outboundIDAllocator {
	return &outboundIDAllocator{}
}

func (a *outboundIDAllocator) allocate() OutboundSessionID {
	return OutboundSessionID(a.next.Add(1) - 1)
}
