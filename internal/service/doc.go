// Package service coordinates the community hub for the HTTP handlers.
//
// CommunityService owns one discovery session at a time: a relay transport,
// the web-of-trust builder running on it, and the feed aggregator that loads
// once the graph is ready. Configuration reloads replace the session while
// sharing the cache tier, so a new session warm-starts from the last one.
//
// # Event System
//
// Session, discovery, feed and cache changes are published on EventBus and
// forwarded to connected clients as Server-Sent Events (SSE).
package service
