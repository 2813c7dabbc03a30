// Package lamport implements the Lamport logical clock shared by every
// weatheragg role (server, producer, reader).
//
// Update rules:
//
//	Tick()       LC := LC + 1                  (local or send event)
//	Merge(ts)    LC := max(LC, ts) + 1         (receive event)
//
// The counter never decreases. After Merge(ts) the clock is strictly greater
// than both its previous value and ts, so any event that causally depends on
// a received message is stamped later than that message.
//
// Parse and Format convert between clock values and the Lamport-Clock
// header carried on every request and response.
package lamport
