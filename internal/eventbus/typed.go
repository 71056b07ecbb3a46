package eventbus

import "fmt"

// TopicDef binds a Topic string to a payload type T at compile time.
// Use with Publish and SubscribeTo for type-safe messaging.
type TopicDef[T any] struct{ topic Topic }

// NewTopicDef creates a typed topic descriptor for the given topic string.
func NewTopicDef[T any](topic Topic) TopicDef[T] { return TopicDef[T]{topic: topic} }

// Topic returns the underlying topic string.
func (d TopicDef[T]) Topic() Topic { return d.topic }

// Publish sends a typed payload on the bus using the topic descriptor.
// The compiler enforces that payload matches the type bound to the
// descriptor. If bus is nil the call is a no-op.
func Publish[T any](bus *Bus, td TopicDef[T], source Source, payload T) {
	if bus == nil {
		return
	}
	bus.PublishEnvelope(Envelope{
		Topic:   td.topic,
		Source:  source,
		Payload: payload,
	})
}

// SubscribeTo registers a typed handler using a topic descriptor. An
// envelope whose payload is not of type T fails the handler, which the
// bus logs without disturbing other subscribers.
func SubscribeTo[T any](bus *Bus, td TopicDef[T], handler func(T) error, opts ...SubscriptionOption) uint64 {
	if bus == nil || handler == nil {
		return 0
	}
	return bus.Subscribe(td.topic, func(env Envelope) error {
		payload, ok := env.Payload.(T)
		if !ok {
			return fmt.Errorf("unexpected payload %T on topic %s", env.Payload, td.topic)
		}
		return handler(payload)
	}, opts...)
}

// System groups the core OS topic descriptors.
var System = struct {
	CheckRequest       TopicDef[SystemCheckRequest]
	CheckResponse      TopicDef[SystemCheckResponse]
	LoaderCheckRequest TopicDef[SystemCheckRequest]
	ShutdownRequest    TopicDef[ShutdownRequest]
	Fatal              TopicDef[FatalEvent]
	BootComplete       TopicDef[BootCompleteEvent]
}{
	CheckRequest:       NewTopicDef[SystemCheckRequest](TopicSystemCheckRequest),
	CheckResponse:      NewTopicDef[SystemCheckResponse](TopicSystemCheckResponse),
	LoaderCheckRequest: NewTopicDef[SystemCheckRequest](TopicLoaderSystemCheckRequest),
	ShutdownRequest:    NewTopicDef[ShutdownRequest](TopicSystemShutdownRequest),
	Fatal:              NewTopicDef[FatalEvent](TopicSystemFatal),
	BootComplete:       NewTopicDef[BootCompleteEvent](TopicOSBootComplete),
}

// Comms groups the comms module topic descriptors.
var Comms = struct {
	Send            TopicDef[CommsCommand]
	MessageReceived TopicDef[CommsMessage]
	MethodChanged   TopicDef[CommsMethodChangedEvent]
	Response        TopicDef[CommsMessage]
}{
	Send:            NewTopicDef[CommsCommand](TopicCommsSend),
	MessageReceived: NewTopicDef[CommsMessage](TopicCommsMessageReceived),
	MethodChanged:   NewTopicDef[CommsMethodChangedEvent](TopicCommsMethodChanged),
	Response:        NewTopicDef[CommsMessage](TopicCommsResponse),
}

// DataStore groups the data store module topic descriptors.
var DataStore = struct {
	Put             TopicDef[DataStoreRequest]
	Get             TopicDef[DataStoreRequest]
	Delete          TopicDef[DataStoreRequest]
	List            TopicDef[DataStoreRequest]
	SnapshotRequest TopicDef[DataStoreRequest]
	Updated         TopicDef[DataStoreUpdateEvent]
	Snapshot        TopicDef[DataStoreSnapshotEvent]
	Response        TopicDef[DataStoreValueEvent]
}{
	Put:             NewTopicDef[DataStoreRequest](TopicDataStorePut),
	Get:             NewTopicDef[DataStoreRequest](TopicDataStoreGet),
	Delete:          NewTopicDef[DataStoreRequest](TopicDataStoreDelete),
	List:            NewTopicDef[DataStoreRequest](TopicDataStoreList),
	SnapshotRequest: NewTopicDef[DataStoreRequest](TopicDataStoreSnapshotRequest),
	Updated:         NewTopicDef[DataStoreUpdateEvent](TopicDataStoreUpdated),
	Snapshot:        NewTopicDef[DataStoreSnapshotEvent](TopicDataStoreSnapshot),
	Response:        NewTopicDef[DataStoreValueEvent](TopicDataStoreResponse),
}

// Operations groups the operations module topic descriptors.
var Operations = struct {
	Heartbeat TopicDef[HeartbeatEvent]
}{
	Heartbeat: NewTopicDef[HeartbeatEvent](TopicOperationsHeartbeat),
}
