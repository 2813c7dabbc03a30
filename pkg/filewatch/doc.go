// Package filewatch reports edits to a single file, debounced.
package filewatch
