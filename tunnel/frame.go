package tunnel

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedFrame is returned when a frame violates the wire layout. It is
// fatal to the stream it arrived on, never to the tunnel.
var ErrMalformedFrame = errors.New("malformed tunnel frame")

// --------------------------------------------------------------------------
// Frame types
// --------------------------------------------------------------------------

// FrameType identifies the meaning of a frame.
type FrameType uint8

const (
	FrameUnknown FrameType = iota

	// Handshake
	FrameOriginHello
	FrameOriginWelcome

	// Session lifecycle
	FrameConnectionNotify
	FrameConnectionAccept
	FrameConnectionReject
	FrameCloseNotify
	FrameCloseDirective

	// Messaging
	FrameSubscribe
	FrameUnsubscribe
	FrameInboundMessage
	FrameMessageReply
	FrameTopicMessage

	// Content
	FrameFetch
	FrameFetchReply

	// Edge <-> relay leg
	FrameEdgeHello
	FrameRouted
	FrameTunnelStatus
)

var frameTypeNames = map[FrameType]string{
	FrameUnknown:          "unknown",
	FrameOriginHello:      "origin-hello",
	FrameOriginWelcome:    "origin-welcome",
	FrameConnectionNotify: "connection-notify",
	FrameConnectionAccept: "connection-accept",
	FrameConnectionReject: "connection-reject",
	FrameCloseNotify:      "close-notify",
	FrameCloseDirective:   "close-directive",
	FrameSubscribe:        "subscribe",
	FrameUnsubscribe:      "unsubscribe",
	FrameInboundMessage:   "inbound-message-notify",
	FrameMessageReply:     "message-reply",
	FrameTopicMessage:     "topic-message",
	FrameFetch:            "fetch",
	FrameFetchReply:       "fetch-reply",
	FrameEdgeHello:        "edge-hello",
	FrameRouted:           "routed",
	FrameTunnelStatus:     "tunnel-status",
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("frame(%d)", uint8(t))
}

// --------------------------------------------------------------------------
// Wire layout
// --------------------------------------------------------------------------

// Wire layout of a frame:
//
//	+--------+----------------+------------------+--------------+-------------+
//	| type   | body length    | payload length   | body (JSON)  | payload     |
//	| 1 byte | 4 bytes (BE)   | 4 bytes (BE)     | n bytes      | m bytes     |
//	+--------+----------------+------------------+--------------+-------------+
//
// The body is a JSON-encoded header struct; the payload carries raw bytes
// (client messages, fetched content) outside the JSON so they are never
// base64-inflated.
const (
	frameHeaderLen = 1 + 4 + 4

	// maxBodySize bounds the JSON header of a frame.
	maxBodySize = 1 << 20 // 1 MiB

	// maxPayloadSize bounds the raw payload of a frame.
	maxPayloadSize = 64 << 20 // 64 MiB
)

// Frame is one unit on a tunnel stream.
type Frame struct {
	Type    FrameType
	Body    []byte // JSON-encoded header struct
	Payload []byte // raw bytes, may be nil
}

// NewFrame encodes body as JSON and wraps it with the payload.
func NewFrame(t FrameType, body interface{}, payload []byte) (Frame, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode %s body: %w", t, err)
	}
	return Frame{Type: t, Body: data, Payload: payload}, nil
}

// DecodeBody unmarshals the frame's JSON body into v.
func (f Frame) DecodeBody(v interface{}) error {
	if err := json.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("%w: bad %s body: %s", ErrMalformedFrame, f.Type, err)
	}
	return nil
}

// WriteFrame writes a frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Body) > maxBodySize {
		return fmt.Errorf("%w: body of %d bytes exceeds limit", ErrMalformedFrame, len(f.Body))
	}
	if len(f.Payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds limit", ErrMalformedFrame, len(f.Payload))
	}

	header := make([]byte, frameHeaderLen)
	header[0] = byte(f.Type)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(f.Body)))
	binary.BigEndian.PutUint32(header[5:9], uint32(len(f.Payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(f.Body); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// EncodeFrame renders a frame to its wire encoding, for embedding in a
// routed envelope payload.
func EncodeFrame(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses a frame from its wire encoding.
func DecodeFrame(data []byte) (Frame, error) {
	return ReadFrame(bytes.NewReader(data))
}

// ReadFrame reads one frame from r. Length violations return
// ErrMalformedFrame.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}

	bodyLen := binary.BigEndian.Uint32(header[1:5])
	payloadLen := binary.BigEndian.Uint32(header[5:9])

	if bodyLen > maxBodySize {
		return Frame{}, fmt.Errorf("%w: body of %d bytes exceeds limit", ErrMalformedFrame, bodyLen)
	}
	if payloadLen > maxPayloadSize {
		return Frame{}, fmt.Errorf("%w: payload of %d bytes exceeds limit", ErrMalformedFrame, payloadLen)
	}

	f := Frame{Type: FrameType(header[0])}

	f.Body = make([]byte, bodyLen)
	if _, err := io.ReadFull(r, f.Body); err != nil {
		return Frame{}, fmt.Errorf("%w: truncated body: %s", ErrMalformedFrame, err)
	}

	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("%w: truncated payload: %s", ErrMalformedFrame, err)
		}
	}

	return f, nil
}

// --------------------------------------------------------------------------
// Body structs
// --------------------------------------------------------------------------

// OriginHello opens a tunnel: the origin announces its id.
type OriginHello struct {
	OriginID string `json:"origin_id"`
}

// EdgeHello opens the edge->relay leg: the edge announces its id.
type EdgeHello struct {
	EdgeID string `json:"edge_id"`
}

// RoutedEnvelope routes an edge frame to a specific origin tunnel. The
// wrapped frame rides in the payload in wire encoding; the relay forwards it
// untouched.
type RoutedEnvelope struct {
	OriginID string `json:"origin_id"`
}

// TunnelStatus tells edges that an origin tunnel came up or went away.
type TunnelStatus struct {
	OriginID string `json:"origin_id"`
	Up       bool   `json:"up"`
}

// OriginWelcome acknowledges a tunnel handshake.
type OriginWelcome struct {
	RelayID string `json:"relay_id"`
}

// ConnectionNotify tells an origin that a client wants a session.
type ConnectionNotify struct {
	SessionID   string `json:"session_id"`
	ClientAddr  string `json:"client_addr"`
	AuthContext string `json:"auth_context,omitempty"`
}

// ConnectionAccept is the origin's positive handshake reply. Context is an
// opaque blob the edge stores with the session and echoes back on resume.
// Topics are the session's initial subscriptions; the edge subscribes each
// one it does not already hold. An optional greeting for the client rides in
// the frame payload.
type ConnectionAccept struct {
	SessionID string   `json:"session_id"`
	Context   []byte   `json:"context,omitempty"`
	Topics    []string `json:"topics,omitempty"`
}

// ConnectionReject is the origin's negative handshake reply.
type ConnectionReject struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// SubscribeBody subscribes or unsubscribes a topic on behalf of the edge.
// The edge sends it only on the first subscriber (and last unsubscriber) of
// a topic.
type SubscribeBody struct {
	Topic string `json:"topic"`
}

// InboundMessage carries a client message to the origin along with the
// session's stored context and its current topic list on this node. The
// message bytes ride in the frame payload.
type InboundMessage struct {
	SessionID string   `json:"session_id"`
	Context   []byte   `json:"context,omitempty"`
	Topics    []string `json:"topics,omitempty"`
}

// MessageReply is the origin's reply to an inbound message. The reply bytes
// ride in the frame payload. A non-nil Context replaces the session's stored
// context; AddTopics and RemoveTopics adjust its subscriptions with the usual
// first-subscriber/last-unsubscriber edge triggers.
type MessageReply struct {
	SessionID    string   `json:"session_id"`
	Ok           bool     `json:"ok"`
	Err          string   `json:"err,omitempty"`
	Context      []byte   `json:"context,omitempty"`
	AddTopics    []string `json:"add_topics,omitempty"`
	RemoveTopics []string `json:"remove_topics,omitempty"`
}

// TopicMessage is an origin-pushed broadcast. The message bytes ride in the
// frame payload. OriginID is empty on the origin->relay leg; the relay fills
// it in before fanning out to edges, which scope topics per origin.
type TopicMessage struct {
	Topic    string `json:"topic"`
	OriginID string `json:"origin_id,omitempty"`
}

// CloseNotify tells the origin a client connection dropped.
type CloseNotify struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// Close directive actions.
const (
	CloseActionClose = "close"
	CloseActionPause = "pause"
)

// CloseDirective is the origin's answer to a close-notify: terminate the
// session, or keep it pausable for PauseWindowMs.
type CloseDirective struct {
	SessionID     string `json:"session_id"`
	Action        string `json:"action"`
	PauseWindowMs int64  `json:"pause_window_ms,omitempty"`
}

// FetchRequest asks the origin for cacheable content.
type FetchRequest struct {
	Key string `json:"key"`
}

// FetchReply answers a fetch. The content rides in the frame payload.
type FetchReply struct {
	Key   string `json:"key"`
	Found bool   `json:"found"`
	TTLMs int64  `json:"ttl_ms,omitempty"`
	Err   string `json:"err,omitempty"`
}
