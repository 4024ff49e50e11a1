package edge

// AdmissionController is consulted before a client connection is accepted.
// Rejections happen before the WebSocket upgrade, so refused clients cost
// one HTTP response and nothing else.
type AdmissionController interface {
	// Admit reports whether a new connection from the given address may be
	// accepted.
	Admit(clientAddr string) bool
}

// AllowAll admits every connection.
type AllowAll struct{}

func (AllowAll) Admit(string) bool { return true }

// CapacityLimiter admits connections while the live session count is below a
// fixed ceiling.
type CapacityLimiter struct {
	max   int
	count func() int
}

// NewCapacityLimiter creates a limiter over a session counter, typically
// session.Store.Count.
func NewCapacityLimiter(max int, count func() int) *CapacityLimiter {
	return &CapacityLimiter{max: max, count: count}
}

func (l *CapacityLimiter) Admit(string) bool {
	return l.count() < l.max
}
