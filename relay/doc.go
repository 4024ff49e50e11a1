// Package relay implements the secondary node of the fabric.
//
// Relay nodes sit between the edge tier and customer origins: they terminate
// the origin-initiated QUIC tunnels, serve the rpc fetch and certificate
// services the edges call, keep the near-origin cache, and run the gossip
// that keeps the tier's routing tables warm. Edges also join the relay over
// QUIC to reach origins for the realtime path; those frames are proxied onto
// the right origin tunnel without the relay holding any session state.
package relay
