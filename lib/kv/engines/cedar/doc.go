// Package cedar implements the in-memory TTL engine backing the cache tiers.
//
// The engine is sharded: every shard owns an xsync map of entries, a drop
// schedule (heap) and a lock-free event queue feeding the shard's GC
// goroutine. Writers never block on the collector.
//
// Expiry is checked at read time against the wall clock, so an entry becomes
// invisible to Get the instant its TTL elapses, without waiting for a GC run.
// The collector only enforces the drop deadline at the end of the stale
// window; until then the entry stays readable through GetStale.
package cedar
