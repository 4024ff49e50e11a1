package session

import "errors"

// ErrSessionExpired is returned when a client presents a session id whose
// reconnect deadline has passed (or that never existed). The caller should
// offer the client a fresh session instead.
var ErrSessionExpired = errors.New("session expired")
