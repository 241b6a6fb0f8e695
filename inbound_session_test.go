package streamquery

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestInboundSession(t *testing.T) (*inboundSession[testData], net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { _ = local.Close(); _ = remote.Close() })

	sess := newInboundSession[testData](InboundSessionID(1), &inmemSubstream{local}, JSONCodec[testData]{}, logrus.NewEntry(logrus.StandardLogger()))
	return sess, remote
}

func TestInboundSessionWritesInOrder(t *testing.T) {
	sess, remote := newTestInboundSession(t)

	var codec JSONCodec[testData]
	results := make(chan testData, 2)
	go func() {
		for i := 0; i < 2; i++ {
			d, err := codec.Decode(remote)
			if err != nil {
				t.Errorf("Decode: %v", err)
				return
			}
			results <- d
		}
	}()

	sess.AddMessageToQueue(testData{Seq: 1, Payload: "first"})
	sess.AddMessageToQueue(testData{Seq: 2, Payload: "second"})

	first := <-results
	second := <-results
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("got order %d, %d; want 1, 2", first.Seq, second.Seq)
	}

	sess.StartClosing()
	select {
	case reason := <-sess.Done():
		if reason.Err != nil {
			t.Fatalf("unexpected finish error: %v", reason.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to finish")
	}
}

func TestInboundSessionDropsAfterClosing(t *testing.T) {
	sess, remote := newTestInboundSession(t)
	defer remote.Close()

	sess.StartClosing()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to finish")
	}

	// Spec: add_message_to_queue is a silent no-op once closing/finished.
	// This must not panic or block.
	sess.AddMessageToQueue(testData{Seq: 99})
}

func TestInboundSessionIsWaiting(t *testing.T) {
	sess, remote := newTestInboundSession(t)
	defer remote.Close()

	if !sess.IsWaiting() {
		t.Fatal("freshly constructed session should be waiting")
	}
}
