package server

import "time"

// Server configuration constants
const (
	// Per-connection inbound message limit
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Outbound queue per connection; a client that falls this far behind
	// loses events.
	ClientSendBuffer = 64
	WriteTimeout     = 5 * time.Second

	DefaultJobsLimit = 20
	MaxJobsLimit     = 500
)
