// Package client implements the edge-side RPC client of the fabric. It
// provides the IRelayClient interface edge nodes use to reach the relay tier
// over the internal anycast address.
//
// The package focuses on:
//   - Transparent RPC access to the relay fetch cascade and certificate store
//   - Integration with the transport and serialization layers
//   - Error handling and conversion between RPC and domain errors
//
// Key Components:
//
//   - NewRelayClient: Factory function that creates a client implementing the
//     IRelayClient interface. This client forwards all operations to the relay
//     tier via the configured transport layer.
//
// Usage Example:
//
//	// Configure the client
//	config := common.ClientConfig{
//	  Endpoints:              []string{"10.0.0.1:5000"}, // internal anycast address
//	  TimeoutSecond:          5,
//	  RetryCount:             3,
//	  ConnectionsPerEndpoint: 1,
//	}
//
//	// Create a serializer
//	serializer := serializer.NewBinarySerializer()
//
//	// Create the relay client
//	relay, _ := client.NewRelayClient(config, tcp.NewTCPClientTransport(), serializer)
//
//	// Use the client
//	payload, ttl, found, _ := relay.Fetch("GET live.example.com/v1/s", "origin-42")
//	bundle, _ := relay.Certificate("live.example.com")
//
// Performance Considerations:
//
//   - For applications that frequently fetch large payloads, increasing
//     ConnectionsPerEndpoint can improve throughput by allowing parallel requests.
//
//   - For small messages, a single connection per endpoint is often more efficient due to
//     reduced connection overhead.
//
//   - The choice of serializer significantly affects performance. The binary serializer
//     provides the best performance and smallest payload size.
//
// Thread Safety:
//
//	All client implementations are thread-safe and can be used concurrently from
//	multiple goroutines without additional synchronization.
package client
