// Package receiver is the TCP front end of the aggregator.
//
// Serve accepts connections on a listener and hands each one to a worker
// from a fixed-size pool. A worker reads exactly one request, passes it to
// the Handler (normally a *coordinator.Coordinator) and writes the response
// before closing the connection. Requests with unparsable framing are
// answered by Handler.Refuse; peers that hang up mid-request get nothing.
//
// Cancelling the context passed to Serve closes the listener and waits for
// in-flight connections to finish.
package receiver
