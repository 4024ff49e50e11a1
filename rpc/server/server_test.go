package server

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/strandcdn/strand/rpc/client"
	"github.com/strandcdn/strand/rpc/common"
	"github.com/strandcdn/strand/rpc/serializer"
	"github.com/strandcdn/strand/rpc/transport/unix"
)

// fakeFetchBackend serves canned payloads keyed by cache key.
type fakeFetchBackend struct {
	payloads map[string][]byte
}

func (f *fakeFetchBackend) Fetch(key, originID string) ([]byte, time.Duration, bool, error) {
	if originID == "" {
		return nil, 0, false, fmt.Errorf("missing origin id")
	}
	payload, ok := f.payloads[key]
	return payload, 4 * time.Second, ok, nil
}

// fakeCertBackend serves one bundle for one hostname.
type fakeCertBackend struct {
	hostname string
	bundle   []byte
}

func (f *fakeCertBackend) Bundle(hostname string) ([]byte, error) {
	if hostname != f.hostname {
		return nil, fmt.Errorf("no certificate for %s", hostname)
	}
	return f.bundle, nil
}

// startTestServer starts an RPC server on a unix socket and returns a
// connected relay client.
func startTestServer(t *testing.T) client.IRelayClient {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "rpc.sock")

	srv := NewRPCServer(
		common.ServerConfig{
			Endpoint:          socketPath,
			TimeoutSecond:     5,
			MaxWorkersPerConn: 4,
		},
		unix.NewUnixDefaultServerTransport(),
		serializer.NewBinarySerializer(),
	)

	srv.RegisterAdapter(common.ServiceFetch, NewFetchServerAdapter(&fakeFetchBackend{
		payloads: map[string][]byte{
			"GET live.example.com/v1/stream/abc": []byte("manifest"),
		},
	}))
	srv.RegisterAdapter(common.ServiceCertificate, NewCertificateServerAdapter(&fakeCertBackend{
		hostname: "live.example.com",
		bundle:   []byte("-----BEGIN CERTIFICATE-----\n..."),
	}))

	go func() {
		if err := srv.Serve(); err != nil {
			t.Logf("server stopped: %v", err)
		}
	}()

	// Wait for the socket to come up
	var relay client.IRelayClient
	var err error
	for i := 0; i < 50; i++ {
		relay, err = client.NewRelayClient(
			common.ClientConfig{
				Endpoints:     []string{socketPath},
				TimeoutSecond: 5,
				RetryCount:    3,
			},
			unix.NewUnixClientTransport(),
			serializer.NewBinarySerializer(),
		)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to connect to test server: %v", err)
	}

	t.Cleanup(func() { relay.Close() })
	return relay
}

func TestFetchRoundTrip(t *testing.T) {
	relay := startTestServer(t)

	payload, ttl, found, err := relay.Fetch("GET live.example.com/v1/stream/abc", "origin-42")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !found {
		t.Fatal("expected content to be found")
	}
	if !bytes.Equal(payload, []byte("manifest")) {
		t.Fatalf("unexpected payload %q", payload)
	}
	if ttl != 4*time.Second {
		t.Fatalf("expected 4s TTL hint, got %v", ttl)
	}
}

func TestFetchNotFound(t *testing.T) {
	relay := startTestServer(t)

	_, _, found, err := relay.Fetch("GET live.example.com/missing", "origin-42")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if found {
		t.Fatal("expected content to not be found")
	}
}

func TestFetchBackendError(t *testing.T) {
	relay := startTestServer(t)

	// empty origin id makes the fake backend fail
	if _, _, _, err := relay.Fetch("GET live.example.com/v1/stream/abc", ""); err == nil {
		t.Fatal("expected backend error to surface")
	}
}

func TestCertificateRoundTrip(t *testing.T) {
	relay := startTestServer(t)

	bundle, err := relay.Certificate("live.example.com")
	if err != nil {
		t.Fatalf("certificate failed: %v", err)
	}
	if !bytes.HasPrefix(bundle, []byte("-----BEGIN CERTIFICATE-----")) {
		t.Fatalf("unexpected bundle %q", bundle)
	}

	if _, err := relay.Certificate("other.example.com"); err == nil {
		t.Fatal("expected error for unknown hostname")
	}
}

func TestUnknownService(t *testing.T) {
	relay := startTestServer(t)
	_ = relay

	// a server without a registered adapter rejects the service id
	socketPath := filepath.Join(t.TempDir(), "bare.sock")
	srv := NewRPCServer(
		common.ServerConfig{Endpoint: socketPath, TimeoutSecond: 5},
		unix.NewUnixDefaultServerTransport(),
		serializer.NewBinarySerializer(),
	)
	go func() { _ = srv.Serve() }()

	var bare client.IRelayClient
	var err error
	for i := 0; i < 50; i++ {
		bare, err = client.NewRelayClient(
			common.ClientConfig{Endpoints: []string{socketPath}, TimeoutSecond: 5, RetryCount: 1},
			unix.NewUnixClientTransport(),
			serializer.NewBinarySerializer(),
		)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer bare.Close()

	if _, _, _, err := bare.Fetch("key", "origin-42"); err == nil {
		t.Fatal("expected service-not-found error")
	}
}
