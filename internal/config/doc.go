// Package config loads, normalizes, and validates mediaflow configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// MEDIAFLOW_API_TOKEN and MEDIAFLOW_NATS_URL. The Config type gathers every
// knob the daemon and CLI need: data and log locations, per-stage binaries
// and concurrency bounds, workflow timing, ingestion, event forwarding, and
// logging.
//
// Always obtain settings through this package so downstream code receives
// absolute paths, canonical log formats, and clear validation errors.
package config
