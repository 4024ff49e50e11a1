// Package rpc provides the tier-internal communication layer of the fabric:
// the protocol edge nodes use to reach the relay tier over the internal
// anycast address.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message protocol and configuration structures.
//
//   - transport: Network communication abstractions with pluggable
//     implementations (TCP for the anycast address, Unix sockets for tests
//     and local wiring).
//
//   - serializer: Message serialization with multiple format options
//     (Binary, JSON, GOB) for converting between Message objects and byte
//     arrays.
//
//   - client: The relay client used by edge nodes for fetch and certificate
//     operations.
//
//   - server: RPC server components that handle incoming requests, including
//     adapters for the relay fetch cascade and certificate distribution.
package rpc
