// Package tunnel implements the origin tunnel transport.
//
// Customer origins dial out to a relay over QUIC and keep the connection
// alive; the relay never dials the origin. Every exchange on a tunnel rides
// its own QUIC stream, so a slow origin throttles only its own streams and a
// malformed frame poisons only the stream it arrived on.
//
// The package provides the frame codec (docu see frame.go), the connection
// wrapper around quic.Connection (docu see conn.go) and the per-origin
// registry (docu see registry.go). The origin-side connector lives in the
// connector subpackage.
package tunnel
