// Package telemetry exposes the fabric's observability counters.
//
// Cache hit/miss counters, session lifecycle events and tunnel state changes
// are exported in Prometheus text format; everything here is fire-and-forget
// and safe to call from hot paths.
package telemetry

import (
	"fmt"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// --------------------------------------------------------------------------
// Cache Counters
// --------------------------------------------------------------------------

// CacheHit records a fresh cache hit for the given tier ("edge" or "relay").
func CacheHit(tier string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`strand_cache_hits_total{tier=%q}`, tier)).Inc()
}

// CacheMiss records a cache miss for the given tier.
func CacheMiss(tier string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`strand_cache_misses_total{tier=%q}`, tier)).Inc()
}

// CacheStaleServed records a stale entry served under the bounded-staleness
// fallback.
func CacheStaleServed(tier string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`strand_cache_stale_served_total{tier=%q}`, tier)).Inc()
}

// --------------------------------------------------------------------------
// Session Lifecycle Events
// --------------------------------------------------------------------------

// SessionEvent records a session lifecycle transition
// (created, paused, resumed, terminated).
func SessionEvent(event string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`strand_session_events_total{event=%q}`, event)).Inc()
}

// --------------------------------------------------------------------------
// Tunnel Events
// --------------------------------------------------------------------------

// TunnelUp records an origin tunnel registration.
func TunnelUp() {
	metrics.GetOrCreateCounter(`strand_tunnel_events_total{event="up"}`).Inc()
}

// TunnelDown records an origin tunnel loss.
func TunnelDown() {
	metrics.GetOrCreateCounter(`strand_tunnel_events_total{event="down"}`).Inc()
}

// UpstreamError records a failed forward to the next tier ("relay" or
// "origin").
func UpstreamError(target string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`strand_upstream_errors_total{target=%q}`, target)).Inc()
}

// --------------------------------------------------------------------------
// HTTP Exposition
// --------------------------------------------------------------------------

// Handler returns an http.Handler that writes all counters in Prometheus text
// format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
}
