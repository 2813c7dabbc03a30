// Package coordinator implements the per-request logic of the aggregator.
//
// Handle merges the request's Lamport-Clock, classifies the request and
// produces a response stamped with the merged clock:
//
//	PUT  any path        ingest: validate, upsert, commit snapshot
//	GET  /metrics        Prometheus text exposition
//	GET  any other path  query: all records as a JSON array ([] when empty),
//	                     optionally filtered with ?id=<station>
//	anything else        400, no store access
//
// Ingest returns 400 for a body that is not a JSON object with an id, 204
// for an empty body, 500 when the snapshot commit fails (the in-memory
// upsert is kept) and 200 once the record is durably committed. Upsert and
// commit run under one mutex, shared with the expiry sweeper via Locker.
// Queries read the store without taking that mutex.
package coordinator
