package edge

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/strandcdn/strand/lib/cache"
	"github.com/strandcdn/strand/lib/logger"
	"github.com/strandcdn/strand/lib/telemetry"
)

// ErrUpstreamUnavailable is returned when a request misses the cache, the
// relay tier cannot be reached and no stale entry within the bound exists.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// ErrNotFound is returned when the whole cascade answered but nobody has the
// content.
var ErrNotFound = errors.New("content not found")

// RelayFetcher is the slice of the rpc relay client the fetcher needs.
type RelayFetcher interface {
	Fetch(key, originID string) (payload []byte, ttl time.Duration, found bool, err error)
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// StaleBound caps the age of a stale entry served when the relay tier
	// is unavailable.
	StaleBound time.Duration

	// RelayHealthy reports whether the relay tier is currently reachable
	// according to the routing table. When it returns false the relay leg is
	// skipped entirely and misses go straight to the stale fallback. Nil
	// means always healthy.
	RelayHealthy func() bool

	// Breaker tuning; zero values take gobreaker defaults.
	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// DefaultFetcherOptions returns the default fetcher options.
func DefaultFetcherOptions() *FetcherOptions {
	return &FetcherOptions{
		StaleBound:     30 * time.Second,
		BreakerTimeout: 5 * time.Second,
	}
}

type fetchResult struct {
	payload []byte
	ttl     time.Duration
	found   bool
}

// Fetcher serves cacheable requests: local cache first, then the relay tier,
// with bounded-staleness fallback when the relay is down. The relay leg runs
// behind a circuit breaker so a dead relay fails fast instead of queueing
// every client behind a timeout.
type Fetcher struct {
	cache        *cache.Store
	relay        RelayFetcher
	breaker      *gobreaker.CircuitBreaker[fetchResult]
	staleBound   time.Duration
	relayHealthy func() bool
}

// NewFetcher wires a cache store and a relay client into a fetcher.
func NewFetcher(store *cache.Store, relay RelayFetcher, opts *FetcherOptions) *Fetcher {
	if opts == nil {
		opts = DefaultFetcherOptions()
	}

	log := logger.Get("edge")
	breaker := gobreaker.NewCircuitBreaker[fetchResult](gobreaker.Settings{
		Name:        "edge-relay-fetch",
		MaxRequests: opts.BreakerMaxRequests,
		Interval:    opts.BreakerInterval,
		Timeout:     opts.BreakerTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("relay fetch breaker state changed")
		},
	})

	return &Fetcher{
		cache:        store,
		relay:        relay,
		breaker:      breaker,
		staleBound:   opts.StaleBound,
		relayHealthy: opts.RelayHealthy,
	}
}

// Serve resolves one cacheable request by key. A fresh cache hit returns
// immediately; otherwise the relay is asked and the answer cached with its
// TTL hint. When the relay leg fails, a stale entry no older than the bound
// is served instead; past the bound the request fails with
// ErrUpstreamUnavailable.
func (f *Fetcher) Serve(key, originID string) ([]byte, error) {
	if entry, status := f.cache.Get(key); status == cache.Hit {
		return entry.Payload, nil
	}

	// Routing says the whole relay tier is gone: don't burn a round trip
	// (or a breaker slot) finding out again
	if f.relayHealthy != nil && !f.relayHealthy() {
		telemetry.UpstreamError("relay")

		if entry, ok := f.cache.GetStale(key, f.staleBound); ok {
			return entry.Payload, nil
		}
		return nil, fmt.Errorf("%w: relay tier marked unreachable", ErrUpstreamUnavailable)
	}

	result, err := f.breaker.Execute(func() (fetchResult, error) {
		payload, ttl, found, err := f.relay.Fetch(key, originID)
		if err != nil {
			return fetchResult{}, err
		}
		return fetchResult{payload: payload, ttl: ttl, found: found}, nil
	})

	if err != nil {
		telemetry.UpstreamError("relay")

		if entry, ok := f.cache.GetStale(key, f.staleBound); ok {
			return entry.Payload, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, err)
	}

	if !result.found {
		return nil, ErrNotFound
	}

	f.cache.Put(key, result.payload, result.ttl, cache.TierRelay)
	return result.payload, nil
}
