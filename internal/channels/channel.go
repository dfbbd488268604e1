package channels

import "context"

// Channel is a messaging platform integration: it turns inbound user
// messages into tasks and delivers the fabric's replies back out.
type Channel interface {
	// Name returns the channel's identifier (e.g. "telegram"), the same
	// value stored on Task.Channel and echoed by every bus envelope this
	// adapter produces or consumes.
	Name() string

	// Start begins listening for messages. It blocks until ctx is
	// canceled or a fatal, unrecoverable error occurs.
	Start(ctx context.Context) error
}
