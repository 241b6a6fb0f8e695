package streamquery

import (
	"testing"
	"time"
)

type fakeSink[Q, D any] struct {
	events chan Event[Q, D, *HandlerError]
}

func newFakeSink[Q, D any]() *fakeSink[Q, D] {
	return &fakeSink[Q, D]{events: make(chan Event[Q, D, *HandlerError], 32)}
}

func (s *fakeSink[Q, D]) emitHandlerEvent(conn ConnectionID, ev Event[Q, D, *HandlerError]) {
	s.events <- ev
}

func newTestHandlerPair(t *testing.T, protoA, protoB string) (*ConnectionHandler[testQuery, testData], *fakeSink[testQuery, testData], *ConnectionHandler[testQuery, testData], *fakeSink[testQuery, testData]) {
	t.Helper()
	muxA, muxB := newInmemMultiplexerPair()
	alloc := newInboundIDAllocator()

	cfgA := testConfig(protoA)
	cfgB := testConfig(protoB)

	sinkA := newFakeSink[testQuery, testData]()
	sinkB := newFakeSink[testQuery, testData]()

	hA := NewConnectionHandler[testQuery, testData]("peer-b", 1, muxA, cfgA, JSONCodec[testQuery]{}, JSONCodec[testData]{}, alloc, sinkA)
	hB := NewConnectionHandler[testQuery, testData]("peer-a", 1, muxB, cfgB, JSONCodec[testQuery]{}, JSONCodec[testData]{}, newInboundIDAllocator(), sinkB)

	hA.Start()
	hB.Start()
	t.Cleanup(func() {
		_ = hA.Close()
		_ = hB.Close()
	})
	return hA, sinkA, hB, sinkB
}

func recvHandlerEvent(t *testing.T, ch <-chan Event[testQuery, testData, *HandlerError], who string) Event[testQuery, testData, *HandlerError] {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("%s: timed out waiting for a handler event", who)
		var zero Event[testQuery, testData, *HandlerError]
		return zero
	}
}

func assertNoHandlerEvent(t *testing.T, ch <-chan Event[testQuery, testData, *HandlerError], who string) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("%s: unexpected event %+v", who, ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandlerAcceptAndCloseRoundTrip(t *testing.T) {
	hA, sinkA, _, sinkB := newTestHandlerPair(t, "/sq/1", "/sq/1")

	hA.CreateOutboundSession(testQuery{Topic: "Q"}, OutboundSessionID(1))

	ev := recvHandlerEvent(t, sinkB.events, "B")
	if ev.Kind != EventNewInboundSession || ev.Query.Topic != "Q" {
		t.Fatalf("B got %+v, want NewInboundSession{Q}", ev)
	}

	hA.CloseSession(Outbound(OutboundSessionID(1)))
	a := recvHandlerEvent(t, sinkA.events, "A")
	if a.Kind != EventSessionClosedByRequest || a.SessionID != Outbound(1) {
		t.Fatalf("A got %+v, want SessionClosedByRequest{Outbound(1)}", a)
	}
}

func TestHandlerUnsupportedProtocolProducesNoListenEvent(t *testing.T) {
	hA, sinkA, _, sinkB := newTestHandlerPair(t, "/sq/1", "/sq/2")

	hA.CreateOutboundSession(testQuery{Topic: "Q"}, OutboundSessionID(1))

	a := recvHandlerEvent(t, sinkA.events, "A")
	if a.Kind != EventSessionFailed || a.Err.Kind != ErrRemoteUnsupported {
		t.Fatalf("A got %+v, want SessionFailed{RemoteUnsupported}", a)
	}

	// B's listener rejected the upgrade silently; no event is ever raised
	// for a listen-side negotiation failure.
	assertNoHandlerEvent(t, sinkB.events, "B")
}

func TestHandlerSendDataAfterCloseIsSilentlyDropped(t *testing.T) {
	hA, sinkA, hB, sinkB := newTestHandlerPair(t, "/sq/1", "/sq/1")

	hA.CreateOutboundSession(testQuery{Topic: "Q"}, OutboundSessionID(1))
	ev := recvHandlerEvent(t, sinkB.events, "B")
	in1 := ev.InboundSessionID

	hB.CloseSession(Inbound(in1))
	b := recvHandlerEvent(t, sinkB.events, "B")
	if b.Kind != EventSessionClosedByRequest {
		t.Fatalf("B got %+v, want SessionClosedByRequest", b)
	}

	// B closing the substream ends A's outbound session from the peer side.
	a := recvHandlerEvent(t, sinkA.events, "A")
	if a.Kind != EventSessionClosedByPeer || a.SessionID != Outbound(1) {
		t.Fatalf("A got %+v, want SessionClosedByPeer{Outbound(1)}", a)
	}

	time.Sleep(50 * time.Millisecond)
	hB.SendData(testData{Seq: 1, Payload: "late"}, in1)

	assertNoHandlerEvent(t, sinkA.events, "A")
}
