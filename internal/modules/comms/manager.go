package comms

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baseplate-os/baseplate/internal/config"
	"github.com/baseplate-os/baseplate/internal/eventbus"
	"github.com/baseplate-os/baseplate/internal/module"
)

// ModuleName is the comms module identifier.
const ModuleName = "comms"

const (
	moduleVersion     = "1.0.0"
	outboundQueueSize = 64
	initialRetryDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// Descriptor returns the comms module descriptor.
func Descriptor() module.Descriptor {
	return module.Descriptor{Name: ModuleName, Version: moduleVersion}
}

// Manager bridges the bus to the command service. Outbound commands
// arrive on comms.send and are delivered over the active transport by
// a worker goroutine; inbound messages are published back as
// comms.message_received and, when they answer a command,
// comms.response.
type Manager struct {
	module.Base

	transport Transport
	subs      *eventbus.SubscriptionGroup
	outbound  chan eventbus.CommsCommand
	stopCh    chan struct{}
	wg        sync.WaitGroup

	connected atomic.Bool
	sent      atomic.Uint64
	received  atomic.Uint64
	dropped   atomic.Uint64
}

// New constructs the comms manager. A websocket gateway is used when
// modules.comms.wifi.url is configured; the simulated loopback
// transport is used when simulated=true or no gateway is configured.
func New(bus *eventbus.Bus, cfg config.ModuleConfig) (module.Module, error) {
	m := &Manager{
		Base:     module.NewBase(Descriptor(), bus, cfg),
		subs:     eventbus.NewSubscriptionGroup(bus),
		outbound: make(chan eventbus.CommsCommand, outboundQueueSize),
		stopCh:   make(chan struct{}),
	}

	var gatewayURL string
	if wifi := cfg.GetMap("wifi"); wifi != nil {
		gatewayURL, _ = wifi["url"].(string)
	}

	switch {
	case cfg.GetBool("simulated", false):
		m.transport = newSimulatedTransport(m.handleInbound)
	case gatewayURL != "":
		m.transport = newWifiBridge(gatewayURL, m.handleInbound)
	default:
		m.Logger().Printf("[comms] no gateway configured, using simulated transport")
		m.transport = newSimulatedTransport(m.handleInbound)
	}

	return m, nil
}

// Start subscribes the outbound topic and launches the delivery worker.
func (m *Manager) Start(ctx context.Context) error {
	m.subs.Add(eventbus.SubscribeTo(m.Bus(), eventbus.Comms.Send, m.handleSend,
		eventbus.WithSubscriberName("comms.send")))

	m.wg.Add(1)
	go m.deliveryLoop()

	m.SetRunning(true)
	m.Logger().Printf("[comms] started (%s transport)", m.transport.Method())
	return nil
}

// Stop drains the module: subscriptions first so no new commands
// enqueue, then the worker, then the transport.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.Running() {
		return nil
	}
	m.SetRunning(false)
	m.subs.CloseAll()
	close(m.stopCh)
	m.wg.Wait()
	err := m.transport.Close()
	m.connected.Store(false)
	if err != nil {
		m.Logger().Printf("[comms] transport close: %v", err)
	}
	return nil
}

// SystemCheck extends the default report with link diagnostics.
func (m *Manager) SystemCheck(ctx context.Context) eventbus.HealthReport {
	report := m.Base.SystemCheck(ctx)
	report["connected"] = m.connected.Load()
	report["method"] = m.transport.Method()
	report["queue_depth"] = len(m.outbound)
	report["sent"] = m.sent.Load()
	report["received"] = m.received.Load()
	report["dropped"] = m.dropped.Load()
	return report
}

func (m *Manager) handleSend(cmd eventbus.CommsCommand) error {
	select {
	case m.outbound <- cmd:
	default:
		m.dropped.Add(1)
		m.Logger().Printf("[comms] outbound queue full, dropping command %s", cmd.Command)
	}
	return nil
}

func (m *Manager) handleInbound(msg eventbus.CommsMessage) {
	m.received.Add(1)
	eventbus.Publish(m.Bus(), eventbus.Comms.MessageReceived, eventbus.SourceComms, msg)
	if msg.ID != "" {
		eventbus.Publish(m.Bus(), eventbus.Comms.Response, eventbus.SourceComms, msg)
	}
}

// deliveryLoop connects the transport with capped exponential backoff
// and drains the outbound queue. A failed send marks the link down and
// the command is retried after reconnecting.
func (m *Manager) deliveryLoop() {
	defer m.wg.Done()

	var pending *eventbus.CommsCommand
	delay := initialRetryDelay

	for {
		if !m.connected.Load() {
			if err := m.transport.Connect(context.Background()); err != nil {
				m.Logger().Printf("[comms] connect failed, retrying in %s: %v", delay, err)
				select {
				case <-time.After(delay):
				case <-m.stopCh:
					return
				}
				delay *= 2
				if delay > maxReconnectDelay {
					delay = maxReconnectDelay
				}
				continue
			}
			delay = initialRetryDelay
			m.connected.Store(true)
			eventbus.Publish(m.Bus(), eventbus.Comms.MethodChanged, eventbus.SourceComms,
				eventbus.CommsMethodChangedEvent{Method: m.transport.Method()})
		}

		if pending == nil {
			select {
			case cmd := <-m.outbound:
				pending = &cmd
			case <-m.stopCh:
				return
			}
		}

		if err := m.transport.Send(*pending); err != nil {
			m.Logger().Printf("[comms] send failed, reconnecting: %v", err)
			m.connected.Store(false)
			m.transport.Close()
			continue
		}
		m.sent.Add(1)
		pending = nil
	}
}
