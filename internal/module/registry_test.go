package module

import (
	"context"
	"errors"
	"testing"

	"github.com/baseplate-os/baseplate/internal/config"
	"github.com/baseplate-os/baseplate/internal/eventbus"
)

type stubModule struct {
	Base
}

func stubFactory(desc Descriptor) Factory {
	return func(bus *eventbus.Bus, cfg config.ModuleConfig) (Module, error) {
		return &stubModule{Base: NewBase(desc, bus, cfg)}, nil
	}
}

func (m *stubModule) Start(ctx context.Context) error {
	m.SetRunning(true)
	return nil
}

func (m *stubModule) Stop(ctx context.Context) error {
	m.SetRunning(false)
	return nil
}

func TestRegistryOverridePolicy(t *testing.T) {
	reg := NewRegistry()

	builtin := Descriptor{Name: "comms", Version: "1.0.0"}
	user := Descriptor{Name: "comms", Version: "2.0.0"}

	if err := reg.Register(LayerBuiltin, builtin, stubFactory(builtin)); err != nil {
		t.Fatalf("register builtin: %v", err)
	}
	if err := reg.Register(LayerUser, user, stubFactory(user)); err != nil {
		t.Fatalf("register user: %v", err)
	}

	candidates := reg.Candidates()
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate after override, got %d", len(candidates))
	}
	if candidates[0].Descriptor.Version != "2.0.0" {
		t.Fatalf("expected user layer to win, got version %s", candidates[0].Descriptor.Version)
	}
	if candidates[0].Layer != LayerUser {
		t.Fatalf("expected winning layer user, got %s", candidates[0].Layer)
	}
}

func TestRegistrySameLayerDuplicateIsError(t *testing.T) {
	reg := NewRegistry()

	desc := Descriptor{Name: "comms", Version: "1.0.0"}
	if err := reg.Register(LayerBuiltin, desc, stubFactory(desc)); err != nil {
		t.Fatalf("first register: %v", err)
	}

	err := reg.Register(LayerBuiltin, desc, stubFactory(desc))
	var dup *DuplicateModuleError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateModuleError, got %v", err)
	}
	if dup.Name != "comms" || dup.Layer != LayerBuiltin {
		t.Fatalf("unexpected error detail %+v", dup)
	}
}

func TestRegistryCandidatesPreserveDiscoveryOrder(t *testing.T) {
	reg := NewRegistry()

	for _, name := range []string{"alpha", "beta", "gamma"} {
		desc := Descriptor{Name: name, Version: "1.0.0"}
		if err := reg.Register(LayerBuiltin, desc, stubFactory(desc)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	// Override beta from the user layer and add a user-only module.
	betaV2 := Descriptor{Name: "beta", Version: "2.0.0"}
	if err := reg.Register(LayerUser, betaV2, stubFactory(betaV2)); err != nil {
		t.Fatalf("register beta v2: %v", err)
	}
	delta := Descriptor{Name: "delta", Version: "1.0.0"}
	if err := reg.Register(LayerUser, delta, stubFactory(delta)); err != nil {
		t.Fatalf("register delta: %v", err)
	}

	candidates := reg.Candidates()
	want := []string{"alpha", "beta", "gamma", "delta"}
	if len(candidates) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(candidates))
	}
	for i, name := range want {
		if candidates[i].Descriptor.Name != name {
			t.Fatalf("candidate order %v at %d, want %s", candidates[i].Descriptor.Name, i, name)
		}
	}
	if candidates[1].Descriptor.Version != "2.0.0" {
		t.Fatal("override must keep the original position but win the slot")
	}
}

func TestRegistryRejectsInvalidRegistrations(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(LayerBuiltin, Descriptor{}, stubFactory(Descriptor{})); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := reg.Register(LayerBuiltin, Descriptor{Name: "x"}, nil); err == nil {
		t.Fatal("expected error for nil factory")
	}
}
