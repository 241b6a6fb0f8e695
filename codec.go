package streamquery

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// maxMessageSize bounds a single decoded Query or Data message, guarding
// against a peer sending a bogus, enormous length prefix.
const maxMessageSize = 16 << 20 // 16 MiB

// Codec encodes and decodes one application payload type to and from a
// framed byte stream. The exact wire format is outside this module's scope
// is an external collaborator of this module; Codec is the seam a
// real implementation plugs into.
type Codec[T any] interface {
	Encode(w io.Writer, v T) error
	Decode(r io.Reader) (T, error)
}

// JSONCodec is a reference Codec built on a 4-byte big-endian length prefix
// followed by a segmentio/encoding/json encoding of the payload. It exists
// so this module is runnable and testable end to end; it is not part of the
// protocol's required wire format.
type JSONCodec[T any] struct{}

// Encode writes a length-prefixed JSON encoding of v to w.
func (JSONCodec[T]) Encode(w io.Writer, v T) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	if len(body) > maxMessageSize {
		return errors.Errorf("payload of %d bytes exceeds max message size %d", len(body), maxMessageSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "write length prefix")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "write payload")
	}
	return nil
}

// Decode reads one length-prefixed JSON-encoded value from r.
func (JSONCodec[T]) Decode(r io.Reader) (T, error) {
	var zero T
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return zero, err // propagate io.EOF untouched for clean-close detection
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxMessageSize {
		return zero, errors.Errorf("incoming payload of %d bytes exceeds max message size %d", n, maxMessageSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return zero, errors.Wrap(err, "read payload")
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return zero, errors.Wrap(err, "decode payload")
	}
	return v, nil
}

// writeProtocolName length-prefixes and writes the protocol name as the
// first bytes of a freshly opened substream, standing in for the swarm's
// out-of-scope upgrade negotiation.
func writeProtocolName(w io.Writer, name string) error {
	if len(name) > 255 {
		return errors.Errorf("protocol name %q exceeds 255 bytes", name)
	}
	buf := make([]byte, 1+len(name))
	buf[0] = byte(len(name))
	copy(buf[1:], name)
	_, err := w.Write(buf)
	return err
}

// readProtocolName reads a length-prefixed protocol name written by
// writeProtocolName.
func readProtocolName(r io.Reader) (string, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	buf := make([]byte, lenBuf[0])
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(buf), nil
}
