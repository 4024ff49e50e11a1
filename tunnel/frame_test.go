package tunnel

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	frame, err := NewFrame(FrameConnectionNotify, ConnectionNotify{
		SessionID:   "sess-1",
		ClientAddr:  "203.0.113.9:55012",
		AuthContext: "bearer abc",
	}, nil)
	if err != nil {
		t.Fatalf("failed to build frame: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	if got.Type != FrameConnectionNotify {
		t.Fatalf("unexpected type %s", got.Type)
	}

	var body ConnectionNotify
	if err := got.DecodeBody(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.SessionID != "sess-1" || body.ClientAddr != "203.0.113.9:55012" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestFramePayloadRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00, 0xff, 0x42}, 1024)

	frame, err := NewFrame(FrameTopicMessage, TopicMessage{Topic: "scores"}, payload)
	if err != nil {
		t.Fatalf("failed to build frame: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatal("payload not preserved")
	}

	var body TopicMessage
	if err := got.DecodeBody(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Topic != "scores" {
		t.Fatalf("unexpected topic %q", body.Topic)
	}
}

func TestFrameEmptyPayloadIsNil(t *testing.T) {
	frame, _ := NewFrame(FrameCloseNotify, CloseNotify{SessionID: "sess-1"}, nil)

	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	if got.Payload != nil {
		t.Fatalf("expected nil payload, got %d bytes", len(got.Payload))
	}
}

func TestReadFrameRejectsOversizedBody(t *testing.T) {
	// Hand-build a header claiming a body beyond the limit
	header := []byte{
		byte(FrameFetch),
		0xff, 0xff, 0xff, 0xff, // body length
		0x00, 0x00, 0x00, 0x00, // payload length
	}

	_, err := ReadFrame(bytes.NewReader(header))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	frame, _ := NewFrame(FrameFetch, FetchRequest{Key: "GET live.example.com/v1/stream/abc"}, []byte("x"))

	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
	data := buf.Bytes()

	// Cutting anywhere after the header must yield ErrMalformedFrame
	if _, err := ReadFrame(bytes.NewReader(data[:len(data)-1])); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}

	// Cutting inside the header is a plain short read
	if _, err := ReadFrame(bytes.NewReader(data[:4])); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestDecodeBodyRejectsGarbage(t *testing.T) {
	frame := Frame{Type: FrameSubscribe, Body: []byte("{not json")}

	var body SubscribeBody
	if err := frame.DecodeBody(&body); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestFrameTypeNames(t *testing.T) {
	cases := map[FrameType]string{
		FrameOriginHello:      "origin-hello",
		FrameConnectionNotify: "connection-notify",
		FrameCloseDirective:   "close-directive",
		FrameFetchReply:       "fetch-reply",
		FrameType(200):        "frame(200)",
	}
	for ft, want := range cases {
		if got := ft.String(); got != want {
			t.Errorf("FrameType(%d).String() = %q, want %q", ft, got, want)
		}
	}
}
