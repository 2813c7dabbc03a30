// Package shipper uploads station observations to the aggregator.
//
// Each attempt ticks the shipper's Lamport clock, sends a PUT carrying the
// clock and a Source-Id, and merges the clock from whatever response comes
// back. Send makes a fixed number of attempts with no backoff: transport
// errors and 500s are retried, a 400 is returned immediately as
// ErrRejected. Run repeats Send on an interval or on file changes so a
// station stays inside the aggregator's TTL.
//
// The doFn field is injectable for testing.
package shipper
