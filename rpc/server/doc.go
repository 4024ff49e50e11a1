// Package server implements the relay-side RPC server of the fabric. It
// provides adapters for handling fetch and certificate requests, along with
// the core server implementation that manages service registration and
// request routing.
//
// The package focuses on:
//   - Server-side RPC request handling for fetch and certificate operations
//   - Adapter pattern to decouple relay logic from RPC mechanisms
//   - Service-id based dispatch so one endpoint serves multiple concerns
//
// Key Components:
//
//   - IRPCServerAdapter: Interface defining the contract for all server adapters,
//     with the Handle method that processes incoming requests.
//
//   - NewFetchServerAdapter: Factory function creating an adapter for content
//     fetches, translating RPC requests to the relay's cache-then-tunnel cascade.
//
//   - NewCertificateServerAdapter: Factory function creating an adapter for TLS
//     material distribution to edge nodes.
//
//   - NewRPCServer: Factory function creating a configured server with the specified
//     transport and serializer mechanisms.
//
// Usage Example:
//
//	// Create server configuration
//	config := common.ServerConfig{
//	  Endpoint:      "0.0.0.0:5000",
//	  TimeoutSecond: 5,
//	  LogLevel:      "info",
//	}
//
//	// Create the server
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPDefaultServerTransport(),
//	  serializer.NewBinarySerializer(),
//	)
//
//	// Register the relay services
//	s.RegisterAdapter(common.ServiceFetch, server.NewFetchServerAdapter(node))
//	s.RegisterAdapter(common.ServiceCertificate, server.NewCertificateServerAdapter(certs))
//
//	// Start the server
//	if err := s.Serve(); err != nil {
//	  log.Fatal().Err(err).Msg("server error")
//	}
//
// Thread Safety:
//
//	The server implementation is thread-safe and can handle concurrent requests
//	across multiple connections. Each request is processed independently.
//	The Serve method is not thread-safe and should be called only once.
package server
