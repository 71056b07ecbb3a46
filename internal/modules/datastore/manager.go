package datastore

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/baseplate-os/baseplate/internal/config"
	"github.com/baseplate-os/baseplate/internal/eventbus"
	"github.com/baseplate-os/baseplate/internal/module"
)

// ModuleName is the data store module identifier.
const ModuleName = "data_store"

const (
	moduleVersion    = "1.0.0"
	defaultNamespace = "default"
)

// Descriptor returns the data store module descriptor.
func Descriptor() module.Descriptor {
	return module.Descriptor{Name: ModuleName, Version: moduleVersion}
}

// Manager is a namespaced key/value store served over the bus, with
// optional sqlite persistence. Other modules put and get records via
// data_store.* topics; every successful put is announced on
// data_store.updated.
type Manager struct {
	module.Base

	subs *eventbus.SubscriptionGroup

	mu    sync.Mutex
	store map[string]map[string]eventbus.DataStoreRecord

	persist         *persistence
	persistPath     string
	persistEnabled  bool
	persistOnChange bool
}

// New constructs the data store manager. Persistence is configured
// under modules.data_store.persistence: enabled, path (default
// <baseplate home>/data/data_store.db), persist_on_change.
func New(bus *eventbus.Bus, cfg config.ModuleConfig) (module.Module, error) {
	m := &Manager{
		Base:  module.NewBase(Descriptor(), bus, cfg),
		subs:  eventbus.NewSubscriptionGroup(bus),
		store: make(map[string]map[string]eventbus.DataStoreRecord),
	}

	if persistence := cfg.GetMap("persistence"); persistence != nil {
		m.persistEnabled, _ = persistence["enabled"].(bool)
		m.persistOnChange, _ = persistence["persist_on_change"].(bool)
		if path, _ := persistence["path"].(string); path != "" {
			m.persistPath = config.ExpandPath(path)
		}
	}
	if m.persistEnabled && m.persistPath == "" {
		m.persistPath = filepath.Join(config.GetPaths().Data, "data_store.db")
	}

	return m, nil
}

// Start opens persistence, loads stored records, and subscribes the
// request topics.
func (m *Manager) Start(ctx context.Context) error {
	if m.persistEnabled {
		persist, err := openPersistence(ctx, m.persistPath)
		if err != nil {
			return err
		}
		loaded, err := persist.load(ctx)
		if err != nil {
			persist.Close()
			return err
		}
		m.mu.Lock()
		m.store = loaded
		m.mu.Unlock()
		m.persist = persist
		m.Logger().Printf("[data_store] loaded %d namespace(s) from %s", len(loaded), m.persistPath)
	}

	m.subs.Add(
		eventbus.SubscribeTo(m.Bus(), eventbus.DataStore.Put, m.handlePut,
			eventbus.WithSubscriberName("data_store.put")),
		eventbus.SubscribeTo(m.Bus(), eventbus.DataStore.Get, m.handleGet,
			eventbus.WithSubscriberName("data_store.get")),
		eventbus.SubscribeTo(m.Bus(), eventbus.DataStore.Delete, m.handleDelete,
			eventbus.WithSubscriberName("data_store.delete")),
		eventbus.SubscribeTo(m.Bus(), eventbus.DataStore.List, m.handleList,
			eventbus.WithSubscriberName("data_store.list")),
		eventbus.SubscribeTo(m.Bus(), eventbus.DataStore.SnapshotRequest, m.handleSnapshot,
			eventbus.WithSubscriberName("data_store.snapshot")),
	)

	m.SetRunning(true)
	m.Logger().Printf("[data_store] started")
	return nil
}

// Stop flushes the store to persistence and releases the database.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.Running() {
		return nil
	}
	m.SetRunning(false)
	m.subs.CloseAll()

	if m.persist != nil {
		if err := m.persist.saveAll(ctx, m.snapshot(nil)); err != nil {
			m.Logger().Printf("[data_store] flush on stop: %v", err)
		}
		if err := m.persist.Close(); err != nil {
			m.Logger().Printf("[data_store] close persistence: %v", err)
		}
		m.persist = nil
	}
	return nil
}

// SystemCheck extends the default report with store statistics.
func (m *Manager) SystemCheck(ctx context.Context) eventbus.HealthReport {
	report := m.Base.SystemCheck(ctx)

	m.mu.Lock()
	namespaces := len(m.store)
	records := 0
	for _, bucket := range m.store {
		records += len(bucket)
	}
	m.mu.Unlock()

	report["namespaces"] = namespaces
	report["records"] = records
	report["persistence"] = m.persistEnabled
	if m.persistEnabled {
		report["persistence_path"] = m.persistPath
	}
	return report
}

func (m *Manager) handlePut(req eventbus.DataStoreRequest) error {
	if req.Key == "" {
		return nil
	}
	namespace := req.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}

	record := eventbus.DataStoreRecord{
		Value:     req.Value,
		Meta:      req.Meta,
		UpdatedAt: wallclock(),
	}

	m.mu.Lock()
	bucket, ok := m.store[namespace]
	if !ok {
		bucket = make(map[string]eventbus.DataStoreRecord)
		m.store[namespace] = bucket
	}
	bucket[req.Key] = record
	m.mu.Unlock()

	eventbus.Publish(m.Bus(), eventbus.DataStore.Updated, eventbus.SourceDataStore,
		eventbus.DataStoreUpdateEvent{Namespace: namespace, Key: req.Key, Record: record})

	if m.persistOnChange && m.persist != nil {
		if err := m.persist.save(context.Background(), namespace, req.Key, record); err != nil {
			m.Logger().Printf("[data_store] persist %s/%s: %v", namespace, req.Key, err)
		}
	}
	return nil
}

func (m *Manager) handleGet(req eventbus.DataStoreRequest) error {
	if req.Key == "" {
		return nil
	}
	namespace := req.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}

	m.mu.Lock()
	record, found := m.store[namespace][req.Key]
	m.mu.Unlock()

	event := eventbus.DataStoreValueEvent{
		Namespace: namespace,
		Key:       req.Key,
		Found:     found,
		RequestID: req.RequestID,
	}
	if found {
		event.Record = &record
	}
	m.reply(req, event)
	return nil
}

func (m *Manager) handleDelete(req eventbus.DataStoreRequest) error {
	if req.Key == "" {
		return nil
	}
	namespace := req.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}

	m.mu.Lock()
	if bucket, ok := m.store[namespace]; ok {
		delete(bucket, req.Key)
		if len(bucket) == 0 {
			delete(m.store, namespace)
		}
	}
	m.mu.Unlock()

	if m.persistOnChange && m.persist != nil {
		if err := m.persist.delete(context.Background(), namespace, req.Key); err != nil {
			m.Logger().Printf("[data_store] delete %s/%s: %v", namespace, req.Key, err)
		}
	}
	return nil
}

func (m *Manager) handleList(req eventbus.DataStoreRequest) error {
	namespace := req.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}

	m.mu.Lock()
	records := make(map[string]eventbus.DataStoreRecord, len(m.store[namespace]))
	for key, record := range m.store[namespace] {
		records[key] = record
	}
	m.mu.Unlock()

	m.reply(req, eventbus.DataStoreValueEvent{
		Namespace: namespace,
		Records:   records,
		Found:     len(records) > 0,
		RequestID: req.RequestID,
	})
	return nil
}

func (m *Manager) handleSnapshot(req eventbus.DataStoreRequest) error {
	var namespaces []string
	if req.Namespace != "" {
		namespaces = []string{req.Namespace}
	}

	eventbus.Publish(m.Bus(), eventbus.DataStore.Snapshot, eventbus.SourceDataStore,
		eventbus.DataStoreSnapshotEvent{
			RequestID:  req.RequestID,
			Namespaces: m.snapshot(namespaces),
		})
	return nil
}

func (m *Manager) reply(req eventbus.DataStoreRequest, event eventbus.DataStoreValueEvent) {
	topic := req.ReplyTopic
	if topic == "" {
		topic = eventbus.TopicDataStoreResponse
	}
	m.Bus().PublishEnvelope(eventbus.Envelope{
		Topic:   topic,
		Source:  eventbus.SourceDataStore,
		Payload: event,
	})
}

// snapshot deep-copies the requested namespaces, all of them when
// names is empty.
func (m *Manager) snapshot(names []string) map[string]map[string]eventbus.DataStoreRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if names == nil {
		names = make([]string, 0, len(m.store))
		for namespace := range m.store {
			names = append(names, namespace)
		}
	}

	out := make(map[string]map[string]eventbus.DataStoreRecord, len(names))
	for _, namespace := range names {
		bucket, ok := m.store[namespace]
		if !ok {
			continue
		}
		clone := make(map[string]eventbus.DataStoreRecord, len(bucket))
		for key, record := range bucket {
			clone[key] = record
		}
		out[namespace] = clone
	}
	return out
}

func wallclock() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
