// Package handler implements the HTTP API of the community hub.
//
// CommunityHandler serves the trust graph, profiles, the hashtag feed, cache
// maintenance and graph export. NewRouter mounts it on a chi router together
// with the SSE event stream and the metrics endpoint.
//
// # Response Format
//
// Success responses return JSON data with appropriate status codes.
// Error responses return JSON with {error, details} structure. Requests made
// before the first discovery session has started get 503.
package handler
