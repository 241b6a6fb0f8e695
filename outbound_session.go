package streamquery

import "io"

// outboundEventKind discriminates the three observable events of an
// outbound session's lazy sequence.
type outboundEventKind int

const (
	outboundItem outboundEventKind = iota
	outboundEnd
	outboundError
)

// outboundEvent is one element of an outbound session's decoded sequence.
type outboundEvent[D any] struct {
	kind outboundEventKind
	data D
	err  error
}

// outboundSession presents a freshly negotiated outbound substream as a
// lazy sequence of decoded Data items: each successful decode yields an
// item event, a clean end-of-stream yields End and terminates, and any
// decode/I/O error yields Error and terminates. The Query was already sent
// as part of the substream's upgrade, before this engine exists.
type outboundSession[D any] struct {
	id     OutboundSessionID
	stream Substream
	codec  Codec[D]

	events chan outboundEvent[D]
	stop   chan struct{}
}

func newOutboundSession[D any](id OutboundSessionID, stream Substream, codec Codec[D]) *outboundSession[D] {
	s := &outboundSession[D]{
		id:     id,
		stream: stream,
		codec:  codec,
		events: make(chan outboundEvent[D], 1),
		stop:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Events returns the channel on which this session's lazy sequence is
// delivered. After an End or Error event no further events are sent.
func (s *outboundSession[D]) Events() <-chan outboundEvent[D] {
	return s.events
}

// Close stops the decode loop early, e.g. when the handler drops the
// session in response to a CloseSession request. Closing the substream is
// what actually unblocks a decode in progress; stop only suppresses
// delivery of whatever event that unblocked decode produces.
func (s *outboundSession[D]) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	_ = s.stream.Close()
}

func (s *outboundSession[D]) run() {
	for {
		data, err := s.codec.Decode(s.stream)
		if err != nil {
			var ev outboundEvent[D]
			if err == io.EOF {
				ev = outboundEvent[D]{kind: outboundEnd}
			} else {
				ev = outboundEvent[D]{kind: outboundError, err: err}
			}
			select {
			case s.events <- ev:
			case <-s.stop:
			}
			return
		}

		select {
		case s.events <- outboundEvent[D]{kind: outboundItem, data: data}:
		case <-s.stop:
			return
		}
	}
}
