// Package repository defines the persistent storage contract for the cache
// tier.
//
// # CacheStore
//
// CacheStore is a namespaced key-value store holding JSON documents. The hub
// uses four namespaces (profiles, notes, images and graph-snapshot). There is
// no expiry; entries are removed only by Delete, Clear or ClearAll.
//
// # SQLite Implementation
//
// The sqlite subpackage stores every namespace in a single cache_entries
// table keyed by (namespace, key), in WAL mode. The schema is created on
// open, so a fresh file and a file written by a previous run are handled the
// same way.
package repository
