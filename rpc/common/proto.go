package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Service IDs
// --------------------------------------------------------------------------

// Each frame on the wire names the service it addresses. The transport layer
// routes on this id; the server dispatches to the adapter registered for it.
const (
	ServiceFetch       uint64 = 1 // relay cache/tunnel fetch
	ServiceCertificate uint64 = 2 // TLS material distribution
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Key      string `json:"key,omitempty"`       // Used for: Fetch (cache key), Certificate (hostname)
	OriginID string `json:"origin_id,omitempty"` // Used for: Fetch requests (tunnel routing)
	TTLHint  uint64 `json:"ttl_hint,omitempty"`  // Used for: Fetch responses, freshness hint in milliseconds
	Payload  []byte `json:"payload,omitempty"`   // Used for: Fetch responses (content), Certificate responses (PEM bundle)

	// Response only fields
	Ok  bool   `json:"ok,omitempty"`  // Used for: Fetch responses (found), Certificate responses
	Err string `json:"err,omitempty"` // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Unused, can be used for additional Adapters
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewFetchRequest creates a new Fetch request. The key is the normalized
// cache key, the origin id names the customer origin behind the relay tier.
func NewFetchRequest(key, originID string) *Message {
	return &Message{
		MsgType:  MsgTFetch,
		Key:      key,
		OriginID: originID,
	}
}

// NewFetchResponse creates a new Fetch response. ttlHintMs carries the
// origin's freshness hint in milliseconds (0 = no hint, caller default
// applies). found is false when the origin has no content for the key.
func NewFetchResponse(payload []byte, ttlHintMs uint64, found bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTFetch,
		Payload: payload,
		TTLHint: ttlHintMs,
		Ok:      found,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewCertificateRequest creates a new Certificate request for a hostname.
func NewCertificateRequest(hostname string) *Message {
	return &Message{
		MsgType: MsgTCertificate,
		Key:     hostname,
	}
}

// NewCertificateResponse creates a new Certificate response. The bundle is
// the concatenated cert and key PEM blocks for the requested hostname.
func NewCertificateResponse(bundle []byte, err error) *Message {
	msg := &Message{
		MsgType: MsgTCertificate,
		Payload: bundle,
		Ok:      err == nil,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTFetch:
		return "fetch"
	case MsgTCertificate:
		return "certificate"
	case MsgTError:
		return "error"
	case MsgTSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Convert string back to MessageType
	switch s {
	case "fetch":
		*t = MsgTFetch
	case "certificate":
		*t = MsgTCertificate
	case "error":
		*t = MsgTError
	case "success":
		*t = MsgTSuccess
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Tier operations

	MsgTFetch       // Fetch content through the next tier
	MsgTCertificate // Retrieve TLS material for a hostname
)
