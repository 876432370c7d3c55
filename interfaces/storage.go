package interfaces

import (
	"github.com/maxpert/mqengine/protocol"
)

// Storage bundles the metadata store and the per-vhost body stores of one data directory
type Storage interface {
	// Metadata returns the shared topology and message-index store
	Metadata() MetadataStore

	// Bodies returns the message body store of a virtual host
	Bodies(vhost string) (BodyStore, error)

	// Close releases the data directory
	Close() error
}

// QueueEntry is one persisted message reference of a durable queue, in enqueue order
type QueueEntry struct {
	Seq       uint64
	MessageID string
}

// MetadataStore persists exchanges, queues, bindings and the message index.
// Every mutation goes through Update so multi-record changes commit atomically.
type MetadataStore interface {
	// Update runs fn in a read-write transaction; an error from fn discards it
	Update(fn func(tx MetadataTxn) error) error

	ListVHosts() ([]string, error)
	ListExchanges(vhost string) ([]*protocol.Exchange, error)
	ListQueues(vhost string) ([]*protocol.Queue, error)
	ListBindings(vhost string) ([]*protocol.Binding, error)

	// ListQueueEntries returns the message references of a queue ordered by Seq
	ListQueueEntries(vhost, queue string) ([]QueueEntry, error)

	// ListMessageIndexes returns every message index record of a vhost
	ListMessageIndexes(vhost string) ([]*protocol.MessageIndex, error)

	// PurgeQueueEntries deletes every message reference of a queue and returns the count
	PurgeQueueEntries(vhost, queue string) (int, error)

	Close() error
}

// MetadataTxn is the write side of a metadata transaction
type MetadataTxn interface {
	PutVHost(vhost string) error

	PutExchange(vhost string, exchange *protocol.Exchange) error
	DeleteExchange(vhost, name string) error

	PutQueue(vhost string, queue *protocol.Queue) error
	DeleteQueue(vhost, name string) error

	PutBinding(vhost string, binding *protocol.Binding) error
	DeleteBinding(vhost string, binding *protocol.Binding) error

	PutQueueEntry(vhost, queue string, entry QueueEntry) error
	DeleteQueueEntry(vhost, queue string, seq uint64) error

	PutMessageIndex(vhost string, index *protocol.MessageIndex) error
	DeleteMessageIndex(vhost, id string) error
}

// BodyStore holds the bodies of persistent messages of one virtual host
type BodyStore interface {
	// Write stores the message durably; it is visible under its id only once complete
	Write(message *protocol.Message) error

	// Read loads a stored message
	Read(id string) (*protocol.Message, error)

	// Remove deletes a stored message; removing a missing id is not an error
	Remove(id string) error

	// Recover deletes in-progress writes and every committed body for which keep
	// returns false, and reports how many files were removed
	Recover(keep func(id string) bool) (int, error)
}
