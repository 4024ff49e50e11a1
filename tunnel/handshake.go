package tunnel

import (
	"context"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

// ErrHandshakeRejected is returned when a tunnel handshake fails: the peer
// never sent its hello, sent something else, or announced an empty id.
var ErrHandshakeRejected = errors.New("tunnel handshake rejected")

// Role distinguishes the two kinds of peers a relay accepts.
type Role int

const (
	RoleOrigin Role = iota // customer origin connector
	RoleEdge               // edge node joining the fabric leg
)

func (r Role) String() string {
	if r == RoleEdge {
		return "edge"
	}
	return "origin"
}

// Accept performs the relay side of the tunnel handshake on a freshly
// accepted QUIC connection: the first stream must carry an origin-hello or
// an edge-hello, which is answered with an origin-welcome. On success the
// returned Conn is ready to Register (origins) or serve (edges).
func Accept(ctx context.Context, qconn quic.Connection, relayID string) (*Conn, Role, error) {
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		_ = qconn.CloseWithError(codeHandshakeFail, "no handshake stream")
		return nil, RoleOrigin, fmt.Errorf("%w: %s", ErrHandshakeRejected, err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	frame, err := ReadFrame(stream)
	if err != nil {
		_ = qconn.CloseWithError(codeHandshakeFail, "unreadable handshake frame")
		return nil, RoleOrigin, fmt.Errorf("%w: %s", ErrHandshakeRejected, err)
	}

	var peerID string
	var role Role

	switch frame.Type {
	case FrameOriginHello:
		var hello OriginHello
		if err := frame.DecodeBody(&hello); err != nil {
			_ = qconn.CloseWithError(codeHandshakeFail, "bad origin-hello body")
			return nil, RoleOrigin, fmt.Errorf("%w: %s", ErrHandshakeRejected, err)
		}
		peerID, role = hello.OriginID, RoleOrigin

	case FrameEdgeHello:
		var hello EdgeHello
		if err := frame.DecodeBody(&hello); err != nil {
			_ = qconn.CloseWithError(codeHandshakeFail, "bad edge-hello body")
			return nil, RoleEdge, fmt.Errorf("%w: %s", ErrHandshakeRejected, err)
		}
		peerID, role = hello.EdgeID, RoleEdge

	default:
		_ = qconn.CloseWithError(codeHandshakeFail, "expected hello")
		return nil, RoleOrigin, fmt.Errorf("%w: got %s instead of a hello", ErrHandshakeRejected, frame.Type)
	}

	if peerID == "" {
		_ = qconn.CloseWithError(codeHandshakeFail, "empty peer id")
		return nil, role, fmt.Errorf("%w: empty peer id", ErrHandshakeRejected)
	}

	welcome, err := NewFrame(FrameOriginWelcome, OriginWelcome{RelayID: relayID}, nil)
	if err != nil {
		_ = qconn.CloseWithError(codeHandshakeFail, "internal error")
		return nil, role, err
	}
	if err := WriteFrame(stream, welcome); err != nil {
		_ = qconn.CloseWithError(codeHandshakeFail, "failed to send welcome")
		return nil, role, fmt.Errorf("%w: %s", ErrHandshakeRejected, err)
	}

	log.Debug().
		Str("peer_id", peerID).
		Stringer("role", role).
		Str("remote", qconn.RemoteAddr().String()).
		Msg("tunnel handshake accepted")

	return NewConn(peerID, qconn), role, nil
}

// hello runs the dialing side of the handshake with the given hello frame.
func hello(ctx context.Context, qconn quic.Connection, peerID string, helloFrame Frame) (*Conn, error) {
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if err := WriteFrame(stream, helloFrame); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, err)
	}

	reply, err := ReadFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, err)
	}
	if reply.Type != FrameOriginWelcome {
		return nil, fmt.Errorf("%w: got %s instead of origin-welcome", ErrHandshakeRejected, reply.Type)
	}

	var welcome OriginWelcome
	if err := reply.DecodeBody(&welcome); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, err)
	}

	log.Debug().
		Str("peer_id", peerID).
		Str("relay_id", welcome.RelayID).
		Msg("tunnel handshake completed")

	conn := NewConn(peerID, qconn)
	conn.Activate()
	return conn, nil
}

// Hello performs the origin side of the tunnel handshake on a freshly dialed
// QUIC connection. On success the returned Conn is active.
func Hello(ctx context.Context, qconn quic.Connection, originID string) (*Conn, error) {
	frame, err := NewFrame(FrameOriginHello, OriginHello{OriginID: originID}, nil)
	if err != nil {
		return nil, err
	}
	return hello(ctx, qconn, originID, frame)
}

// HelloEdge performs the edge side of the handshake on the edge->relay leg.
func HelloEdge(ctx context.Context, qconn quic.Connection, edgeID string) (*Conn, error) {
	frame, err := NewFrame(FrameEdgeHello, EdgeHello{EdgeID: edgeID}, nil)
	if err != nil {
		return nil, err
	}
	return hello(ctx, qconn, edgeID, frame)
}
