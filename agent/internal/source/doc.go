// Package source reads a producer's station file.
//
// The file holds one "key: value" pair per line. Parse turns it into an
// ordered attribute list whose values are all JSON strings, and Body
// encodes that list as the JSON object sent on ingest.
package source
