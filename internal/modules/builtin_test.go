package modules_test

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/baseplate-os/baseplate/internal/config"
	"github.com/baseplate-os/baseplate/internal/eventbus"
	"github.com/baseplate-os/baseplate/internal/module"
	"github.com/baseplate-os/baseplate/internal/modules"
	"github.com/baseplate-os/baseplate/internal/osmanager"
)

func subscribed(bus *eventbus.Bus, topic eventbus.Topic) bool {
	for _, t := range bus.Topics() {
		if t == string(topic) {
			return true
		}
	}
	return false
}

func testConfig() *config.Config {
	return config.FromMap(map[string]any{
		"modules": map[string]any{
			"comms":      map[string]any{"enabled": true, "simulated": true},
			"data_store": map[string]any{"enabled": true},
			"operations": map[string]any{
				"enabled":              true,
				"heartbeat_interval_s": 0.05,
				"checkin_interval_s":   -1,
			},
		},
		"atlas": map[string]any{"base_url": "http://localhost:8000"},
	})
}

func newBuiltinManager(t *testing.T) *osmanager.Manager {
	t.Helper()

	registry := module.NewRegistry()
	if err := modules.RegisterBuiltin(registry); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	return osmanager.NewFromConfig(testConfig(),
		osmanager.WithRegistry(registry),
		osmanager.WithLogger(log.New(io.Discard, "", 0)),
	)
}

func TestBuiltinBootOrderAndHealth(t *testing.T) {
	mgr := newBuiltinManager(t)

	ctx := context.Background()
	if err := mgr.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	defer mgr.Shutdown(ctx)

	order := mgr.Loader().LoadOrder()
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	if pos["operations"] < pos["comms"] || pos["operations"] < pos["data_store"] {
		t.Fatalf("operations must start after its dependencies, got order %v", order)
	}

	result := mgr.RunSystemCheck(ctx, time.Second)
	if !result.OverallHealthy {
		t.Fatalf("expected healthy system, got %+v", result)
	}
	for _, name := range []string{"comms", "data_store", "operations"} {
		report, ok := result.Modules[name]
		if !ok {
			t.Fatalf("missing report for %s", name)
		}
		if !report.Healthy() || report.Status() != "running" {
			t.Fatalf("unexpected report for %s: %v", name, report)
		}
	}
}

func TestBuiltinSystemCheckOverBusEndToEnd(t *testing.T) {
	mgr := newBuiltinManager(t)

	ctx := context.Background()
	if err := mgr.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(ctx)
	}()
	t.Cleanup(func() {
		mgr.Shutdown(context.Background())
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("run loop did not exit")
		}
	})

	// Wait for the run loop to subscribe the core topics.
	deadline := time.Now().Add(2 * time.Second)
	for !subscribed(mgr.Bus(), eventbus.TopicLoaderSystemCheckRequest) {
		if time.Now().After(deadline) {
			t.Fatal("run loop did not come up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	responses := make(chan eventbus.SystemCheckResponse, 2)
	eventbus.SubscribeTo(mgr.Bus(), eventbus.System.CheckResponse, func(resp eventbus.SystemCheckResponse) error {
		responses <- resp
		return nil
	})

	// The public request is forwarded by operations onto the loader
	// topic and answered exactly once.
	eventbus.Publish(mgr.Bus(), eventbus.System.CheckRequest, eventbus.SourceUnknown,
		eventbus.SystemCheckRequest{RequestID: "e2e-1"})

	select {
	case resp := <-responses:
		if resp.RequestID != "e2e-1" {
			t.Fatalf("request id not echoed: %+v", resp)
		}
		if !resp.Results.OverallHealthy {
			t.Fatalf("system unhealthy: %+v", resp.Results)
		}
		if len(resp.Results.Modules) != 3 {
			t.Fatalf("expected 3 module reports, got %+v", resp.Results.Modules)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no system check response")
	}

	select {
	case resp := <-responses:
		t.Fatalf("request answered more than once: %+v", resp)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBuiltinDisabledModuleSkipped(t *testing.T) {
	registry := module.NewRegistry()
	if err := modules.RegisterBuiltin(registry); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	cfg := config.FromMap(map[string]any{
		"modules": map[string]any{
			"comms":      map[string]any{"simulated": true},
			"data_store": map[string]any{},
			"operations": map[string]any{"enabled": false},
		},
	})
	mgr := osmanager.NewFromConfig(cfg,
		osmanager.WithRegistry(registry),
		osmanager.WithLogger(log.New(io.Discard, "", 0)),
	)

	ctx := context.Background()
	if err := mgr.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	defer mgr.Shutdown(ctx)

	if _, ok := mgr.Loader().Get("operations"); ok {
		t.Fatal("disabled operations module must not be instantiated")
	}
	result := mgr.RunSystemCheck(ctx, time.Second)
	if _, ok := result.Modules["operations"]; ok {
		t.Fatal("disabled module must not be health-checked")
	}
	if !result.OverallHealthy {
		t.Fatalf("remaining modules should be healthy: %+v", result)
	}
}
