// Package store holds the aggregator's in-memory station table and its
// background expiry sweeper.
//
// Store keeps at most Capacity records (default 20) in first-insertion
// order. Upsert replaces a station's record in place; a new station beyond
// the bound evicts the single oldest-inserted one (FIFO by first sighting,
// not LRU). SnapshotAll copies the table out under a read lock so queries
// never observe a half-updated record.
//
// Sweeper fires every interval (default 10s), removes records whose ingest
// time is older than the TTL (default 30s) and commits the new snapshot
// through a Committer, holding the caller-supplied mutation lock across both
// steps.
package store
