// Package query implements the reader side: a GET against the aggregator,
// optionally filtered to one station, with the same fixed-attempt retry and
// Lamport bookkeeping as the producer.
package query
