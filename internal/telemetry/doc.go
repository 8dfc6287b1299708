// Package telemetry persists per-run records to an embedded relational store
// and exposes a parameter-bound query and report surface over them. The SQLite
// backend is the single-host default; MySQL serves shared deployments.
package telemetry
