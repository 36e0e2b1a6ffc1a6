// Package notify delivers stabilized state changes to external channels
// without blocking the detection loop.
package notify

import "time"

// Dispatcher configuration constants
const (
	DefaultQueueSize   = 16
	DefaultSendTimeout = 5 * time.Second

	// Telegram Bot API
	TelegramAPIBase   = "https://api.telegram.org"
	TelegramParseMode = "HTML"
)
