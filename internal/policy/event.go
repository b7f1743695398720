package policy

import eventemitter "github.com/vansante/go-event-emitter"

// Event types emitted by Dispatcher, in the teacher's job/event.go idiom -
// so the Status API and CLI summary can subscribe instead of re-deriving
// state from logs.
const (
	SnapshotTakenEvent      eventemitter.EventType = "snapshot-taken"
	SnapshotDestroyedEvent  eventemitter.EventType = "snapshot-destroyed"
	ReplicationStartEvent   eventemitter.EventType = "replication-start"
	ReplicationActionEvent  eventemitter.EventType = "replication-action"
	ReplicationDoneEvent    eventemitter.EventType = "replication-done"
	DatasetFailedEvent      eventemitter.EventType = "dataset-failed"
)
