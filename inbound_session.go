package streamquery

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// inboundSessionState enumerates the live states of the inbound engine.
// ReadingQuery is not represented here: by construction time the query has
// already been read during substream negotiation.
type inboundSessionState int

const (
	stateWaiting inboundSessionState = iota
	stateWriteQueued
	stateClosing
	stateFinished
)

// FinishReason is the terminal status of an inbound session: nil Err means
// a clean finish (either the application closed it, or the write half was
// closed cleanly); a non-nil Err means an I/O error occurred.
type FinishReason struct {
	Err error
}

// inboundSession drains queued Data frames onto a freshly negotiated
// inbound substream, in the order they were queued, until the application
// requests a close; it never reads again after the query that constructed
// it.
type inboundSession[D any] struct {
	id     InboundSessionID
	stream Substream
	codec  Codec[D]
	log    *logrus.Entry

	mu             sync.Mutex
	state          inboundSessionState
	pending        []D
	closeRequested bool

	wake chan struct{}
	done chan FinishReason
}

func newInboundSession[D any](id InboundSessionID, stream Substream, codec Codec[D], log *logrus.Entry) *inboundSession[D] {
	s := &inboundSession[D]{
		id:     id,
		stream: stream,
		codec:  codec,
		log:    log,
		state:  stateWaiting,
		wake:   make(chan struct{}, 1),
		done:   make(chan FinishReason, 1),
	}
	go s.run()
	return s
}

// AddMessageToQueue appends a Data frame to be written, in call order.
// It is a silent (logged) no-op once the session has been marked to close
// or has already finished.
func (s *inboundSession[D]) AddMessageToQueue(data D) {
	s.mu.Lock()
	if s.closeRequested || s.state == stateFinished {
		s.mu.Unlock()
		s.log.WithField("inbound_session_id", s.id).Debug("dropping data frame queued after close/finish")
		return
	}
	s.pending = append(s.pending, data)
	if s.state == stateWaiting {
		s.state = stateWriteQueued
	}
	s.mu.Unlock()
	s.notify()
}

// IsWaiting reports whether the engine has no pending write and has not
// begun closing. The handler does not need it before requesting a close:
// StartClosing may be called in any state, since run drains the queue
// before closing the substream.
func (s *inboundSession[D]) IsWaiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateWaiting
}

// StartClosing idempotently requests that, once the queue drains, the
// write half be closed and the engine finish.
func (s *inboundSession[D]) StartClosing() {
	s.mu.Lock()
	s.closeRequested = true
	s.mu.Unlock()
	s.notify()
}

// Done returns the channel the engine signals exactly once, with its
// terminal FinishReason, when it stops running.
func (s *inboundSession[D]) Done() <-chan FinishReason {
	return s.done
}

func (s *inboundSession[D]) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *inboundSession[D]) run() {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			next := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			if err := s.codec.Encode(s.stream, next); err != nil {
				s.finish(FinishReason{Err: err})
				return
			}
			continue
		}

		if s.closeRequested {
			s.state = stateClosing
			s.mu.Unlock()

			// The inbound side never reads again after the query that
			// constructed this engine, so closing the write half and
			// closing the whole substream are observably identical here;
			// Close avoids requiring a CloseWrite-capable Substream.
			if err := s.stream.Close(); err != nil {
				s.finish(FinishReason{Err: err})
				return
			}
			s.finish(FinishReason{})
			return
		}

		s.state = stateWaiting
		s.mu.Unlock()

		<-s.wake
	}
}

func (s *inboundSession[D]) finish(reason FinishReason) {
	s.mu.Lock()
	s.state = stateFinished
	s.mu.Unlock()
	s.done <- reason
}
