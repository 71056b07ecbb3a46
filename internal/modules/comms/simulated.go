package comms

import (
	"context"
	"fmt"
	"sync"

	"github.com/baseplate-os/baseplate/internal/eventbus"
)

// simulatedTransport loops outbound commands straight back as
// responses. It stands in for a radio or gateway link in tests and
// bench configurations.
type simulatedTransport struct {
	receive receiveFunc

	mu        sync.Mutex
	connected bool
}

func newSimulatedTransport(receive receiveFunc) *simulatedTransport {
	return &simulatedTransport{receive: receive}
}

func (t *simulatedTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *simulatedTransport) Send(cmd eventbus.CommsCommand) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return fmt.Errorf("comms: simulated transport not connected")
	}

	t.receive(eventbus.CommsMessage{
		ID:      cmd.ID,
		Command: cmd.Command,
		Payload: map[string]any{"echo": true, "args": cmd.Args},
		Method:  t.Method(),
	})
	return nil
}

func (t *simulatedTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *simulatedTransport) Method() string { return "simulated" }
