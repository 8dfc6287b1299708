// Package config provides centralized configuration management for the
// batch engine: a JSON configuration file with sensible defaults for the
// integrations directory, scheduler mode, cache and telemetry backends,
// ticket forwarding and logging.
package config
