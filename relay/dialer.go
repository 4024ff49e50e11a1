package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/strandcdn/strand/tunnel"
)

// ErrNoTunnel is returned when a request addresses an origin that has no
// registered tunnel.
var ErrNoTunnel = errors.New("no tunnel for origin")

// Dialer reaches a specific origin through its current tunnel. LocalDialer
// implements it over the in-process registry; the edge package declares the
// same shape for its remote leg.
type Dialer interface {
	Exchange(ctx context.Context, originID string, frame tunnel.Frame) (tunnel.Frame, error)
	Send(ctx context.Context, originID string, frame tunnel.Frame) error
}

// LocalDialer resolves origins through a registry on the same node.
type LocalDialer struct {
	registry *tunnel.Registry
}

// NewLocalDialer wraps a tunnel registry.
func NewLocalDialer(registry *tunnel.Registry) *LocalDialer {
	return &LocalDialer{registry: registry}
}

func (d *LocalDialer) Exchange(ctx context.Context, originID string, frame tunnel.Frame) (tunnel.Frame, error) {
	conn, ok := d.registry.Lookup(originID)
	if !ok {
		return tunnel.Frame{}, fmt.Errorf("%w: %s", ErrNoTunnel, originID)
	}
	return conn.OpenExchange(ctx, frame)
}

func (d *LocalDialer) Send(ctx context.Context, originID string, frame tunnel.Frame) error {
	conn, ok := d.registry.Lookup(originID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTunnel, originID)
	}
	return conn.Send(ctx, frame)
}
