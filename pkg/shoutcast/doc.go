// Package shoutcast implements the source side of the Icecast/SHOUTcast
// SOURCE protocol.
//
// It covers the pieces a broadcaster needs to publish a mountpoint:
//   - Request encoding: the SOURCE request line and Ice-* headers, CRLF joined
//   - Response decoding: a tolerant, accumulating classifier for the server's reply
//   - Conn: one upstream TCP connection with connect and handshake timeouts and
//     a bounded, backpressure-aware send queue
package shoutcast
