package operations

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/baseplate-os/baseplate/internal/config"
	"github.com/baseplate-os/baseplate/internal/eventbus"
	"github.com/baseplate-os/baseplate/internal/module"
)

// ModuleName is the operations module identifier.
const ModuleName = "operations"

const (
	moduleVersion            = "1.0.0"
	defaultHeartbeatInterval = 30 * time.Second
	defaultCheckinInterval   = 30 * time.Second
	workerTick               = 250 * time.Millisecond
)

// Descriptor returns the operations module descriptor. Operations
// routes messages between comms and the rest of the system and needs
// both the link and the store up before it starts.
func Descriptor() module.Descriptor {
	return module.Descriptor{
		Name:         ModuleName,
		Version:      moduleVersion,
		Dependencies: []string{"comms", "data_store"},
	}
}

// Manager publishes the heartbeat, checks the asset in with the
// command service, and bridges public system-check requests onto the
// loader topic the OS manager listens on.
type Manager struct {
	module.Base

	heartbeatInterval time.Duration
	checkinInterval   time.Duration
	checkinPayload    map[string]any

	subs   *eventbus.SubscriptionGroup
	stopCh chan struct{}
	wg     sync.WaitGroup

	startedAt    time.Time
	beats        atomic.Uint64
	checkins     atomic.Uint64
	lastBeatNano atomic.Int64
	responses    atomic.Uint64
}

// checkinFields are the telemetry keys forwarded from
// modules.operations.checkin_payload; everything else is dropped.
var checkinFields = map[string]struct{}{
	"latitude":    {},
	"longitude":   {},
	"altitude_m":  {},
	"speed_m_s":   {},
	"heading_deg": {},
}

// New constructs the operations manager from its config slice.
// checkin_interval_s <= 0 disables check-ins.
func New(bus *eventbus.Bus, cfg config.ModuleConfig) (module.Module, error) {
	m := &Manager{
		Base:              module.NewBase(Descriptor(), bus, cfg),
		heartbeatInterval: secondsOrDefault(cfg, "heartbeat_interval_s", defaultHeartbeatInterval),
		checkinInterval:   secondsOrDefault(cfg, "checkin_interval_s", defaultCheckinInterval),
		subs:              eventbus.NewSubscriptionGroup(bus),
		stopCh:            make(chan struct{}),
	}

	if raw := cfg.GetMap("checkin_payload"); raw != nil {
		m.checkinPayload = make(map[string]any)
		for key, value := range raw {
			if _, ok := checkinFields[key]; ok && value != nil {
				m.checkinPayload[key] = value
			}
		}
	}

	return m, nil
}

// Start subscribes the bridge topics and launches the periodic worker.
func (m *Manager) Start(ctx context.Context) error {
	m.startedAt = time.Now()

	m.subs.Add(
		eventbus.SubscribeTo(m.Bus(), eventbus.System.CheckRequest, m.forwardSystemCheck,
			eventbus.WithSubscriberName("operations.system_check")),
		eventbus.SubscribeTo(m.Bus(), eventbus.Comms.Response, func(msg eventbus.CommsMessage) error {
			m.responses.Add(1)
			return nil
		}, eventbus.WithSubscriberName("operations.comms_response")),
	)

	m.wg.Add(1)
	go m.loop()

	m.SetRunning(true)
	m.Logger().Printf("[operations] started (heartbeat %s, checkin %s)",
		m.heartbeatInterval, m.checkinInterval)
	return nil
}

// Stop halts the worker and removes the bridge subscriptions.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.Running() {
		return nil
	}
	m.SetRunning(false)
	m.subs.CloseAll()
	close(m.stopCh)
	m.wg.Wait()
	return nil
}

// SystemCheck extends the default report with heartbeat diagnostics.
func (m *Manager) SystemCheck(ctx context.Context) eventbus.HealthReport {
	report := m.Base.SystemCheck(ctx)
	report["heartbeats"] = m.beats.Load()
	report["checkins"] = m.checkins.Load()
	report["command_responses"] = m.responses.Load()
	if last := m.lastBeatNano.Load(); last > 0 {
		report["last_heartbeat_age_s"] = time.Since(time.Unix(0, last)).Seconds()
	}
	return report
}

// forwardSystemCheck republishes a public check request onto the
// loader bridge topic. The OS manager dedups by request id, so a
// request seen on both topics is answered once.
func (m *Manager) forwardSystemCheck(req eventbus.SystemCheckRequest) error {
	m.Logger().Printf("[operations] running system check")
	eventbus.Publish(m.Bus(), eventbus.System.LoaderCheckRequest, eventbus.SourceOperations, req)
	return nil
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(workerTick)
	defer ticker.Stop()

	var lastBeat, lastCheckin time.Time
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			if m.heartbeatInterval > 0 && now.Sub(lastBeat) >= m.heartbeatInterval {
				lastBeat = now
				m.publishHeartbeat(now)
			}
			if m.checkinInterval > 0 && now.Sub(lastCheckin) >= m.checkinInterval {
				lastCheckin = now
				m.sendCheckin()
			}
		}
	}
}

func (m *Manager) publishHeartbeat(now time.Time) {
	m.beats.Add(1)
	m.lastBeatNano.Store(now.UnixNano())
	eventbus.Publish(m.Bus(), eventbus.Operations.Heartbeat, eventbus.SourceOperations,
		eventbus.HeartbeatEvent{
			Status: "ok",
			Uptime: now.Sub(m.startedAt).Seconds(),
		})
}

func (m *Manager) sendCheckin() {
	m.checkins.Add(1)
	args := make(map[string]any, len(m.checkinPayload))
	for key, value := range m.checkinPayload {
		args[key] = value
	}
	eventbus.Publish(m.Bus(), eventbus.Comms.Send, eventbus.SourceOperations,
		eventbus.CommsCommand{
			ID:      uuid.NewString(),
			Command: "checkin_entity",
			Args:    args,
		})
}

func secondsOrDefault(cfg config.ModuleConfig, key string, fallback time.Duration) time.Duration {
	seconds := cfg.GetFloat(key, fallback.Seconds())
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
