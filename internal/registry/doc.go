// Package registry discovers integration plugin directories, validates their
// manifest pairs and entry points, and exposes a filterable catalog of
// immutable descriptors. Discovery has partial-failure semantics: one bad
// plugin never aborts the scan.
package registry
