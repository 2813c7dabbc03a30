// Package protocol implements the line-oriented request/response framing
// spoken between producers, readers and the aggregator.
//
// A request is a request line ("PUT /weather.json HTTP/1.1"), then header
// lines ("Name: value") ended by a blank line, then a body whose length is
// given by Content-Length. Responses use a status line ("HTTP/1.1 200 OK")
// with the same header and body rules. Every message carries a
// Lamport-Clock header. One TCP connection carries exactly one exchange.
//
// A peer that disconnects before a full message arrives yields ErrTruncated;
// the server abandons such connections without replying.
package protocol
