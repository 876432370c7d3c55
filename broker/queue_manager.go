package broker

import (
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	mqerrors "github.com/maxpert/mqengine/errors"
	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
)

// QueueManager is the queue registry of a vhost. Callers hold the vhost topology lock.
type QueueManager struct {
	vhost    string
	metadata interfaces.MetadataStore
	bindings *BindingManager
	messages *MessageManager
	logger   *zap.Logger
	metrics  interfaces.MetricsCollector
	queues   map[string]*Queue

	// snapshot is a copy of queues for lookups that do not take the topology lock
	snapshot atomic.Pointer[map[string]*Queue]
}

func NewQueueManager(vhost string, metadata interfaces.MetadataStore, bindings *BindingManager,
	messages *MessageManager, logger *zap.Logger, metrics interfaces.MetricsCollector) *QueueManager {
	m := &QueueManager{
		vhost:    vhost,
		metadata: metadata,
		bindings: bindings,
		messages: messages,
		logger:   logger,
		metrics:  metrics,
		queues:   make(map[string]*Queue),
	}
	m.refresh()
	return m
}

func (m *QueueManager) refresh() {
	snapshot := make(map[string]*Queue, len(m.queues))
	for name, queue := range m.queues {
		snapshot[name] = queue
	}
	m.snapshot.Store(&snapshot)
}

// Lookup resolves a queue without the topology lock. A queue deleted concurrently
// may still be returned; its operations then fail with NotFound.
func (m *QueueManager) Lookup(name string) (*Queue, bool) {
	queue, ok := (*m.snapshot.Load())[name]
	return queue, ok
}

// Declare creates a queue owned by owner, or returns the existing one when the
// parameters match. It reports whether a new queue was created.
func (m *QueueManager) Declare(desc protocol.Queue, owner string) (*Queue, bool, error) {
	if existing, ok := m.queues[desc.Name]; ok {
		if existing.desc.Exclusive && existing.owner != owner {
			return nil, false, mqerrors.NewInUse("queue", desc.Name, "queue is exclusive to another connection")
		}
		if !existing.desc.Equivalent(&desc) {
			return nil, false, mqerrors.NewAlreadyExists("queue", desc.Name, "durable, exclusive, auto-delete or arguments differ")
		}
		return existing, false, nil
	}

	if err := protocol.ValidateName("queue", desc.Name); err != nil {
		return nil, false, err
	}
	if !desc.Exclusive {
		owner = ""
	}

	queue := newQueue(m.vhost, desc, owner, m.messages, m.metadata, m.logger, m.metrics)
	if queue.persisted() {
		// Entries left behind by an interrupted delete of an earlier queue with this name
		if _, err := m.metadata.PurgeQueueEntries(m.vhost, desc.Name); err != nil {
			return nil, false, mqerrors.NewStorageFailure("purge queue entries", desc.Name, err)
		}
		err := m.metadata.Update(func(tx interfaces.MetadataTxn) error {
			return tx.PutQueue(m.vhost, &desc)
		})
		if err != nil {
			return nil, false, mqerrors.NewStorageFailure("store queue", desc.Name, err)
		}
	}

	m.queues[desc.Name] = queue
	m.refresh()
	m.metrics.RecordQueueDeclared()
	queue.mutex.Lock()
	queue.reportLocked()
	queue.mutex.Unlock()
	return queue, true, nil
}

// Remove deletes a queue together with its bindings and drains its messages. It
// returns the removed bindings and the number of messages discarded.
func (m *QueueManager) Remove(name string, ifUnused, ifEmpty bool, owner string) ([]*protocol.Binding, int, error) {
	queue, ok := m.queues[name]
	if !ok {
		return nil, 0, mqerrors.NewQueueNotFound(name)
	}
	if queue.desc.Exclusive && queue.owner != owner {
		return nil, 0, mqerrors.NewInUse("queue", name, "queue is exclusive to another connection")
	}

	ready, _, consumers := queue.Stats()
	if ifUnused && consumers > 0 {
		return nil, 0, mqerrors.NewInUse("queue", name, "queue has consumers")
	}
	if ifEmpty && ready > 0 {
		return nil, 0, mqerrors.NewInUse("queue", name, "queue is not empty")
	}

	return m.remove(queue)
}

func (m *QueueManager) remove(queue *Queue) ([]*protocol.Binding, int, error) {
	name := queue.Name()
	bindings := m.bindings.ForQueue(name)

	err := m.metadata.Update(func(tx interfaces.MetadataTxn) error {
		if queue.persisted() {
			if err := tx.DeleteQueue(m.vhost, name); err != nil {
				return err
			}
		}
		return m.bindings.deleteDurable(tx, bindings)
	})
	if err != nil {
		return nil, 0, mqerrors.NewStorageFailure("delete queue", name, err)
	}

	m.bindings.forget(bindings)
	delete(m.queues, name)
	m.refresh()
	drained := queue.markDeleted()

	if queue.persisted() {
		// The queue record is gone, so leftovers are purged again at the next declare
		if _, err := m.metadata.PurgeQueueEntries(m.vhost, name); err != nil {
			m.metrics.RecordStorageError("purge_queue_entries")
			m.logger.Warn("Failed to purge entries of deleted queue",
				zap.String("queue", name),
				zap.Error(err))
		}
	}

	m.metrics.RecordQueueDeleted()
	return bindings, drained, nil
}

func (m *QueueManager) Get(name string) (*Queue, bool) {
	queue, ok := m.queues[name]
	return queue, ok
}

// List returns every queue sorted by name.
func (m *QueueManager) List() []*Queue {
	queues := make([]*Queue, 0, len(m.queues))
	for _, queue := range m.queues {
		queues = append(queues, queue)
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name() < queues[j].Name() })
	return queues
}

// ownedBy returns the exclusive queues of a connection.
func (m *QueueManager) ownedBy(owner string) []*Queue {
	var owned []*Queue
	for _, queue := range m.queues {
		if queue.desc.Exclusive && queue.owner == owner {
			owned = append(owned, queue)
		}
	}
	return owned
}

// restore registers a recovered queue without writing it back.
func (m *QueueManager) restore(desc protocol.Queue) *Queue {
	queue := newQueue(m.vhost, desc, "", m.messages, m.metadata, m.logger, m.metrics)
	m.queues[desc.Name] = queue
	m.refresh()
	return queue
}
