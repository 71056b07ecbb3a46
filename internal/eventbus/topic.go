package eventbus

// Topic identifies a logical channel on the bus. Topics are exact-match
// strings; the bus never interprets them.
type Topic string

// Topics owned by the OS core.
const (
	TopicSystemCheckRequest       Topic = "system.check.request"
	TopicSystemCheckResponse      Topic = "system.check.response"
	TopicLoaderSystemCheckRequest Topic = "module_loader.system_check.request"
	TopicSystemShutdownRequest    Topic = "system.shutdown.request"
	TopicSystemFatal              Topic = "system.fatal"
	TopicOSBootComplete           Topic = "os.boot_complete"
	TopicOSShutdown               Topic = "os.shutdown"
)

// Topics owned by the builtin modules.
const (
	TopicOperationsHeartbeat Topic = "operations.heartbeat"

	TopicCommsSend            Topic = "comms.send"
	TopicCommsMessageReceived Topic = "comms.message_received"
	TopicCommsMethodChanged   Topic = "comms.method_changed"
	TopicCommsResponse        Topic = "comms.response"

	TopicDataStorePut             Topic = "data_store.put"
	TopicDataStoreGet             Topic = "data_store.get"
	TopicDataStoreDelete          Topic = "data_store.delete"
	TopicDataStoreList            Topic = "data_store.list"
	TopicDataStoreSnapshotRequest Topic = "data_store.snapshot.request"
	TopicDataStoreUpdated         Topic = "data_store.updated"
	TopicDataStoreSnapshot        Topic = "data_store.snapshot"
	TopicDataStoreResponse        Topic = "data_store.response"
)

// Source describes which component produced an event.
type Source string

const (
	SourceOSManager    Source = "os_manager"
	SourceModuleLoader Source = "module_loader"
	SourceComms        Source = "comms"
	SourceOperations   Source = "operations"
	SourceDataStore    Source = "data_store"
	SourceUnknown      Source = "unknown"
)
