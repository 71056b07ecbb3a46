package operations

import (
	"context"
	"testing"
	"time"

	"github.com/baseplate-os/baseplate/internal/config"
	"github.com/baseplate-os/baseplate/internal/eventbus"
)

func startManager(t *testing.T, cfg config.ModuleConfig) (*Manager, *eventbus.Bus) {
	t.Helper()

	bus := eventbus.New()
	mod, err := New(bus, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := mod.(*Manager)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, bus
}

func TestHeartbeatPublished(t *testing.T) {
	beats := make(chan eventbus.HeartbeatEvent, 4)

	bus := eventbus.New()
	eventbus.SubscribeTo(bus, eventbus.Operations.Heartbeat, func(ev eventbus.HeartbeatEvent) error {
		beats <- ev
		return nil
	})

	mod, err := New(bus, config.ModuleConfig{
		"heartbeat_interval_s": 0.05,
		"checkin_interval_s":   -1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := mod.(*Manager)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(context.Background())

	select {
	case ev := <-beats:
		if ev.Status != "ok" {
			t.Fatalf("heartbeat status = %q", ev.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat published")
	}
}

func TestSystemCheckRequestForwardedToLoaderTopic(t *testing.T) {
	_, bus := startManager(t, config.ModuleConfig{"checkin_interval_s": -1})

	forwarded := make(chan eventbus.SystemCheckRequest, 1)
	eventbus.SubscribeTo(bus, eventbus.System.LoaderCheckRequest, func(req eventbus.SystemCheckRequest) error {
		forwarded <- req
		return nil
	})

	eventbus.Publish(bus, eventbus.System.CheckRequest, eventbus.SourceUnknown,
		eventbus.SystemCheckRequest{RequestID: "req-7"})

	select {
	case req := <-forwarded:
		if req.RequestID != "req-7" {
			t.Fatalf("forwarded request lost its id: %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("request not forwarded to the loader topic")
	}
}

func TestCheckinSentOverComms(t *testing.T) {
	commands := make(chan eventbus.CommsCommand, 4)

	bus := eventbus.New()
	eventbus.SubscribeTo(bus, eventbus.Comms.Send, func(cmd eventbus.CommsCommand) error {
		commands <- cmd
		return nil
	})

	mod, err := New(bus, config.ModuleConfig{
		"heartbeat_interval_s": -1,
		"checkin_interval_s":   0.05,
		"checkin_payload": map[string]any{
			"latitude":  51.5,
			"longitude": -0.1,
			"secret":    "dropped",
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := mod.(*Manager)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(context.Background())

	select {
	case cmd := <-commands:
		if cmd.Command != "checkin_entity" {
			t.Fatalf("command = %q, want checkin_entity", cmd.Command)
		}
		if cmd.ID == "" {
			t.Fatal("checkin command must carry a generated id")
		}
		if cmd.Args["latitude"] != 51.5 || cmd.Args["longitude"] != -0.1 {
			t.Fatalf("payload not forwarded: %+v", cmd.Args)
		}
		if _, ok := cmd.Args["secret"]; ok {
			t.Fatal("unknown checkin payload keys must be dropped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no checkin command sent")
	}
}

func TestCheckinDisabledByNonPositiveInterval(t *testing.T) {
	commands := make(chan eventbus.CommsCommand, 1)

	bus := eventbus.New()
	eventbus.SubscribeTo(bus, eventbus.Comms.Send, func(cmd eventbus.CommsCommand) error {
		commands <- cmd
		return nil
	})

	mod, err := New(bus, config.ModuleConfig{
		"heartbeat_interval_s": 0.05,
		"checkin_interval_s":   0,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := mod.(*Manager)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(context.Background())

	select {
	case cmd := <-commands:
		t.Fatalf("checkin sent despite being disabled: %+v", cmd)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSystemCheckDiagnostics(t *testing.T) {
	m, _ := startManager(t, config.ModuleConfig{"checkin_interval_s": -1})

	report := m.SystemCheck(context.Background())
	if !report.Valid() || !report.Healthy() {
		t.Fatalf("unexpected report %v", report)
	}
	if _, ok := report["heartbeats"]; !ok {
		t.Fatalf("report missing heartbeat counter: %v", report)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	bus := eventbus.New()
	mod, err := New(bus, config.ModuleConfig{"checkin_interval_s": -1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := mod.(*Manager)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
