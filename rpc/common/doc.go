// Package common provides core data structures and utilities shared across
// the tier-internal RPC system. It defines fundamental types, configuration
// structures, and protocol elements used by other packages.
//
// The package focuses on:
//   - Message protocol definition for edge-to-relay communication
//   - Configuration structures for client and server components
//   - Service id constants used by the transport layer for routing
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication between tiers,
//     with a flexible structure that adapts to different operation types.
//     Includes factory methods for creating various request and response messages.
//
//   - MessageType: Enumeration defining all supported operation types,
//     currently content fetches and TLS material distribution plus
//     control messages.
//
//   - ServerConfig: Configuration for the relay-side RPC server, including
//     endpoint, timeouts, per-connection worker limits and socket tuning.
//
//   - ClientConfig: Configuration for edge-side clients, controlling connection
//     pooling, timeouts, and retry behavior against the internal anycast
//     address.
package common
