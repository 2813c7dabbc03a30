// Package snapshot checkpoints the station table to disk.
//
// File.Commit encodes the full record sequence as a JSON array, writes it to
// a temporary file next to the canonical one, fsyncs it and renames it over
// the canonical path. A failure at any step removes the temporary file and
// leaves the previous snapshot byte-for-byte intact.
//
// File.LoadLatest is called once at startup. A missing file is an empty
// table; a corrupt one is logged and also reported as ErrCorrupt.
package snapshot
