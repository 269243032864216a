package gateway

import "time"

// Addr returns the address of the gateway listener for testing purposes.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// WithMaxDegradedDuration overrides how long Run waits for the remaining
// services once the first one has finished.
func WithMaxDegradedDuration(d time.Duration) Options {
	return func(o *options) {
		o.maxDegradedDuration = d
	}
}
