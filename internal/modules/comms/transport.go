package comms

import (
	"context"

	"github.com/baseplate-os/baseplate/internal/eventbus"
)

// Transport delivers commands to the command service and hands
// inbound messages back to the manager. Implementations own their
// connection state; the manager owns retry policy.
type Transport interface {
	// Connect establishes the link. It is retried by the manager with
	// backoff when it fails.
	Connect(ctx context.Context) error
	// Send delivers one outbound command. An error marks the link as
	// down and triggers a reconnect.
	Send(cmd eventbus.CommsCommand) error
	// Close tears the link down. Idempotent.
	Close() error
	// Method names the transport for comms.method_changed events.
	Method() string
}

// receiveFunc is invoked by transports for every inbound message.
type receiveFunc func(msg eventbus.CommsMessage)
