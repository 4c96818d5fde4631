// Package domain defines the core types of the community hub: identities,
// profiles, notes, the web-of-trust graph and the raw events that feed it.
//
// # Identities and Profiles
//
// ProfileID is an opaque key for a network participant. Profile holds the
// mutable metadata published for an identity; newer metadata replaces older
// metadata, compared by the publishing timestamp.
//
// # Web of Trust
//
// Graph is the mutable graph owned by the discovery builder. It keeps one node
// per identity ever observed and at most one directed edge per ordered pair of
// identities. WebOfTrust is the immutable snapshot a Graph publishes; readers
// only ever see snapshots.
//
// Trust scores follow a simple rule: seed identities always score 100, every
// other identity scores 25 per seed that follows it, capped at 100.
//
// # Events
//
// RawEvent is the shape delivered by the transport. Parsed is the tagged union
// produced at the parsing boundary (see package codec): ProfileUpdate,
// FollowList, ContentPost or Unparseable.
//
// # Design Principles
//
// - No database, network or logging dependencies
// - Snapshots are deep copies, never aliases of live state
package domain
