// Package orchestrator wires the capture supervisor, detector, notifier,
// history and API servers together and runs them.
package orchestrator

import "time"

// Orchestrator configuration constants
const (
	// Shutdown budget for the HTTP server and notification drain
	ShutdownTimeout    = 5 * time.Second
	NotifyDrainTimeout = 3 * time.Second

	// Notification queue
	NotifyQueueSize   = 16
	NotifySendTimeout = 5 * time.Second

	// HTTP server
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second

	// Detector event buffer for the WebSocket feed
	DetectorEventBuffer = 32
)
