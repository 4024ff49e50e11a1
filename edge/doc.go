// Package edge implements the primary node of the fabric.
//
// Edge nodes terminate client TLS and WebSocket connections, serve cacheable
// requests from their local cache with a relay fallback, and own the full
// session lifecycle: handshake forwarding, duplex message translation,
// pause/resume with backlog replay and topic fanout.
//
// The cacheable path lives in the Fetcher (docu see fetcher.go), the
// WebSocket path in the Translator (docu see translator.go) and the listener
// in Server (docu see server.go).
package edge
