// Package streamquery implements a bidirectional query/response streamed-data
// sub-protocol layered over a multiplexed peer connection.
//
// It is split into two cooperating halves, mirroring the two extension
// points a swarm-style network stack exposes:
//
//   - Behaviour is the per-node, cross-connection registry and the entry
//     point application code calls into (SendQuery, SendData, CloseSession).
//   - ConnectionHandler is the per-connection owner of the live inbound and
//     outbound substreams, one instance per open peer connection.
//
// Both are parameterised over two application-defined payload kinds: Query,
// sent once by the session opener, and Data, streamed zero or more times by
// the session acceptor. Wire framing and transport security are not this
// package's concern; see Codec and Multiplexer.
package streamquery
