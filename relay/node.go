package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/strandcdn/strand/lib/cache"
	"github.com/strandcdn/strand/lib/logger"
	"github.com/strandcdn/strand/lib/telemetry"
	"github.com/strandcdn/strand/tunnel"
)

var log = logger.Get("relay")

// ErrOriginUnavailable is returned when the origin tunnel leg fails and no
// stale entry within the bound exists.
var ErrOriginUnavailable = errors.New("origin unavailable")

// CertificateSource serves TLS bundles; CertStore is the file-backed
// implementation.
type CertificateSource interface {
	Bundle(hostname string) ([]byte, error)
}

// NodeOptions configures a relay Node.
type NodeOptions struct {
	// StaleBound caps the age of a stale entry served when the origin is
	// unreachable.
	StaleBound time.Duration

	// HitTTL is the TTL hint passed downstream on a relay cache hit; the
	// entry's own deadline is node-local.
	HitTTL time.Duration

	// ExchangeTimeout bounds the tunnel fetch round trip.
	ExchangeTimeout time.Duration
}

// DefaultNodeOptions returns the default node options.
func DefaultNodeOptions() *NodeOptions {
	return &NodeOptions{
		StaleBound:      30 * time.Second,
		HitTTL:          5 * time.Second,
		ExchangeTimeout: 10 * time.Second,
	}
}

// Node is the relay's service core. It implements the fetch and certificate
// backends of the rpc server: cache-then-tunnel cascade for content, a
// certificate source for TLS bundles.
type Node struct {
	cache  *cache.Store
	dialer Dialer
	certs  CertificateSource
	opts   NodeOptions
}

// NewNode wires the relay cache, origin dialer and certificate source.
func NewNode(store *cache.Store, dialer Dialer, certs CertificateSource, opts *NodeOptions) *Node {
	if opts == nil {
		opts = DefaultNodeOptions()
	}
	return &Node{
		cache:  store,
		dialer: dialer,
		certs:  certs,
		opts:   *opts,
	}
}

// Fetch resolves a request key: relay cache first, then the origin tunnel.
// A successful origin answer is cached with its TTL hint; a failed origin
// leg serves a stale entry no older than the bound.
func (n *Node) Fetch(key, originID string) ([]byte, time.Duration, bool, error) {
	if entry, status := n.cache.Get(key); status == cache.Hit {
		return entry.Payload, n.opts.HitTTL, true, nil
	}

	reply, payload, err := n.fetchFromOrigin(key, originID)
	if err != nil {
		telemetry.UpstreamError("origin")

		if entry, ok := n.cache.GetStale(key, n.opts.StaleBound); ok {
			return entry.Payload, n.opts.HitTTL, true, nil
		}
		return nil, 0, false, fmt.Errorf("%w: %s", ErrOriginUnavailable, err)
	}

	if !reply.Found {
		return nil, 0, false, nil
	}

	ttl := time.Duration(reply.TTLMs) * time.Millisecond
	n.cache.Put(key, payload, ttl, cache.TierOrigin)
	return payload, ttl, true, nil
}

func (n *Node) fetchFromOrigin(key, originID string) (tunnel.FetchReply, []byte, error) {
	frame, err := tunnel.NewFrame(tunnel.FrameFetch, tunnel.FetchRequest{Key: key}, nil)
	if err != nil {
		return tunnel.FetchReply{}, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.opts.ExchangeTimeout)
	defer cancel()

	resp, err := n.dialer.Exchange(ctx, originID, frame)
	if err != nil {
		return tunnel.FetchReply{}, nil, err
	}

	var reply tunnel.FetchReply
	if resp.Type != tunnel.FrameFetchReply {
		return tunnel.FetchReply{}, nil, fmt.Errorf("%w: unexpected reply %s", tunnel.ErrMalformedFrame, resp.Type)
	}
	if err := resp.DecodeBody(&reply); err != nil {
		return tunnel.FetchReply{}, nil, err
	}
	if reply.Err != "" {
		return tunnel.FetchReply{}, nil, fmt.Errorf("origin fetch failed: %s", reply.Err)
	}
	return reply, resp.Payload, nil
}

// Bundle serves the rpc certificate adapter.
func (n *Node) Bundle(hostname string) ([]byte, error) {
	return n.certs.Bundle(hostname)
}
