package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/strandcdn/strand/lib/logger"
)

var log = logger.Get("tunnel")

// --------------------------------------------------------------------------
// Connection states
// --------------------------------------------------------------------------

// State is the lifecycle state of a tunnel connection.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrTunnelClosed is returned when an exchange is attempted on a connection
// that is draining or closed.
var ErrTunnelClosed = errors.New("tunnel connection closed")

// Application error codes on the QUIC connection.
const (
	codeNormalClose   quic.ApplicationErrorCode = 0
	codeReplaced      quic.ApplicationErrorCode = 1
	codeHandshakeFail quic.ApplicationErrorCode = 2
)

// --------------------------------------------------------------------------
// Conn
// --------------------------------------------------------------------------

// StreamHandler processes one inbound frame and optionally returns a reply
// to write back on the same stream.
type StreamHandler func(Frame) (*Frame, error)

// Conn wraps one QUIC connection to or from an origin. Every exchange uses
// its own stream; Conn itself carries no per-stream locking.
//
// Thread-safety: all methods are safe for concurrent use.
type Conn struct {
	// ID distinguishes successive tunnels from the same origin.
	ID string

	// PeerID identifies the peer: the origin id for origin tunnels, the
	// edge id on the edge->relay leg.
	PeerID string

	qconn quic.Connection
	state atomic.Int32
	once  sync.Once
}

// NewConn wraps a QUIC connection. The connection starts in Connecting and
// must be activated after the handshake.
func NewConn(peerID string, qconn quic.Connection) *Conn {
	c := &Conn{
		ID:     uuid.NewString(),
		PeerID: peerID,
		qconn:  qconn,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Activate marks the handshake as completed.
func (c *Conn) Activate() {
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// Drain stops new exchanges while in-flight streams finish.
func (c *Conn) Drain() {
	c.state.CompareAndSwap(int32(StateActive), int32(StateDraining))
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.qconn.RemoteAddr().String()
}

// OpenExchange sends a frame on a fresh stream and waits for the single
// reply frame. The stream's write side is closed after the request so the
// peer sees EOF after one frame.
func (c *Conn) OpenExchange(ctx context.Context, req Frame) (Frame, error) {
	if s := c.State(); s != StateActive && s != StateConnecting {
		return Frame{}, fmt.Errorf("%w: %s", ErrTunnelClosed, s)
	}

	stream, err := c.qconn.OpenStreamSync(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to open tunnel stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if err := WriteFrame(stream, req); err != nil {
		return Frame{}, fmt.Errorf("failed to write %s frame: %w", req.Type, err)
	}

	resp, err := ReadFrame(stream)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read reply to %s: %w", req.Type, err)
	}
	return resp, nil
}

// Send sends a frame on a fresh stream without waiting for a reply.
func (c *Conn) Send(ctx context.Context, f Frame) error {
	if s := c.State(); s != StateActive && s != StateConnecting {
		return fmt.Errorf("%w: %s", ErrTunnelClosed, s)
	}

	stream, err := c.qconn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("failed to open tunnel stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if err := WriteFrame(stream, f); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Type, err)
	}
	return nil
}

// AcceptStreams serves inbound streams until the connection or the context
// ends. Each stream carries one frame; the handler's reply (if any) is
// written back on the same stream. A malformed frame kills only its stream.
func (c *Conn) AcceptStreams(ctx context.Context, handler StreamHandler) error {
	for {
		stream, err := c.qconn.AcceptStream(ctx)
		if err != nil {
			c.state.Store(int32(StateClosed))
			return err
		}

		go c.serveStream(stream, handler)
	}
}

func (c *Conn) serveStream(stream quic.Stream, handler StreamHandler) {
	defer stream.Close()

	frame, err := ReadFrame(stream)
	if err != nil {
		log.Warn().Err(err).
			Str("peer_id", c.PeerID).
			Msg("dropping tunnel stream with unreadable frame")
		stream.CancelRead(quic.StreamErrorCode(1))
		return
	}

	reply, err := handler(frame)
	if err != nil {
		log.Warn().Err(err).
			Str("peer_id", c.PeerID).
			Stringer("frame", frame.Type).
			Msg("tunnel stream handler failed")
		return
	}
	if reply == nil {
		return
	}

	if err := WriteFrame(stream, *reply); err != nil {
		log.Warn().Err(err).
			Str("peer_id", c.PeerID).
			Stringer("frame", reply.Type).
			Msg("failed to write tunnel reply")
	}
}

// Close terminates the QUIC connection. Idempotent.
func (c *Conn) Close(reason string) error {
	var err error
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		err = c.qconn.CloseWithError(codeNormalClose, reason)
	})
	return err
}

// closeReplaced terminates a connection superseded by a newer tunnel from
// the same origin.
func (c *Conn) closeReplaced() {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		_ = c.qconn.CloseWithError(codeReplaced, "replaced by newer tunnel")
	})
}
