package streamquery

import (
	"net"
	"testing"
	"time"
)

func TestOutboundSessionDeliversItemsInOrder(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	sess := newOutboundSession[testData](OutboundSessionID(1), &inmemSubstream{local}, JSONCodec[testData]{})

	var codec JSONCodec[testData]
	go func() {
		_ = codec.Encode(remote, testData{Seq: 1, Payload: "a"})
		_ = codec.Encode(remote, testData{Seq: 2, Payload: "b"})
		_ = remote.Close()
	}()

	ev := <-sess.Events()
	if ev.kind != outboundItem || ev.data.Seq != 1 {
		t.Fatalf("first event = %+v, want item seq=1", ev)
	}
	ev = <-sess.Events()
	if ev.kind != outboundItem || ev.data.Seq != 2 {
		t.Fatalf("second event = %+v, want item seq=2", ev)
	}

	select {
	case ev = <-sess.Events():
		if ev.kind != outboundEnd {
			t.Fatalf("third event = %+v, want End", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for End")
	}
}

func TestOutboundSessionSurfacesDecodeError(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	sess := newOutboundSession[testData](OutboundSessionID(1), &inmemSubstream{local}, JSONCodec[testData]{})

	go func() {
		// Malformed length-prefixed frame: length says 10 bytes follow,
		// but the stream is closed after only 2, so Decode must fail.
		_, _ = remote.Write([]byte{0, 0, 0, 10})
		_, _ = remote.Write([]byte{1, 2})
		_ = remote.Close()
	}()

	select {
	case ev := <-sess.Events():
		if ev.kind != outboundError {
			t.Fatalf("got %+v, want Error", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Error")
	}
}
