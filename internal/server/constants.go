// Package server provides the HTTP control surface, the WebSocket state feed
// and the gRPC health endpoint.
package server

import "time"

// Server configuration constants
const (
	// Per-connection WebSocket rate limiting
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Outbound WebSocket writes
	WSWriteTimeout = 5 * time.Second

	// Uploaded reference images
	MaxReferenceBytes = 8 << 20

	// Health checks follow the capture process
	HealthPollInterval = time.Second
	HealthServiceName  = "egm.detector"
)
