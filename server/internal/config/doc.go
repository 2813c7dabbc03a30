// Package config loads the aggregator configuration from a YAML file.
//
//	server:   port (4567), log_level (info), max_workers (10),
//	          idle_timeout (30s), max_body_bytes (1MiB)
//	store:    capacity (20), ttl (30s), sweep_interval (10s)
//	snapshot: path (weatherData.json), strict_load (false)
//
// Load starts from Default, unmarshals over it and validates. Watch reloads
// the file on change and reports, with each new Config, which changed
// settings need a restart. Only server.log_level and store.ttl apply live.
package config
