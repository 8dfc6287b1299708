// Package cache provides the namespaced TTL key-value store shared by the
// validation cache and the data cache. Expiry is evaluated lazily at read
// time; an optional sweep reclaims expired entries to bound storage.
package cache
