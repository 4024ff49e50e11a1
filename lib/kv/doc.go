// Package kv defines the engine interface for the node-local TTL stores that
// back both cache tiers. Engines live in the engines/ subdirectory; cedar is
// the default.
//
// The interface deliberately separates logical expiry (Get stops returning the
// value) from physical removal (the entry disappears entirely): the window in
// between is what makes the bounded-staleness fallback possible when an
// upstream tier is unreachable.
package kv
