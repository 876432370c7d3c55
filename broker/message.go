package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	mqerrors "github.com/maxpert/mqengine/errors"
	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
)

type messageRef struct {
	count     int
	persisted bool // body is in the body store
	indexed   bool // a message index record exists
}

// MessageManager creates messages, persists bodies of persistent ones, and removes
// them once no queue references them any more.
type MessageManager struct {
	vhost    string
	bodies   interfaces.BodyStore
	metadata interfaces.MetadataStore
	logger   *zap.Logger
	metrics  interfaces.MetricsCollector

	mutex sync.Mutex
	refs  map[string]*messageRef
}

func NewMessageManager(vhost string, bodies interfaces.BodyStore, metadata interfaces.MetadataStore,
	logger *zap.Logger, metrics interfaces.MetricsCollector) *MessageManager {
	return &MessageManager{
		vhost:    vhost,
		bodies:   bodies,
		metadata: metadata,
		logger:   logger,
		metrics:  metrics,
		refs:     make(map[string]*messageRef),
	}
}

// Create assigns a fresh id and, for a persistent message headed to at least one
// durable queue, writes the body before returning. The message starts with no
// references.
func (m *MessageManager) Create(exchange, routingKey string, props protocol.Properties, body []byte, durable bool) (*protocol.Message, error) {
	message := &protocol.Message{
		ID:         uuid.NewString(),
		Exchange:   exchange,
		RoutingKey: routingKey,
		Properties: props,
		Body:       body,
		Timestamp:  time.Now().UnixMilli(),
	}

	ref := &messageRef{}
	if durable && props.Persistent() {
		if err := m.bodies.Write(message); err != nil {
			m.metrics.RecordStorageError("write_body")
			return nil, mqerrors.NewStorageFailure("write message body", message.ID, err)
		}
		ref.persisted = true
	}

	m.mutex.Lock()
	m.refs[message.ID] = ref
	m.mutex.Unlock()

	return message, nil
}

// Load reads a persisted message back from the body store.
func (m *MessageManager) Load(id string) (*protocol.Message, error) {
	message, err := m.bodies.Read(id)
	if err != nil {
		return nil, mqerrors.NewStorageFailure("read message body", id, err)
	}
	return message, nil
}

// Retain adds n queue references to a message.
func (m *MessageManager) Retain(id string, n int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if ref, ok := m.refs[id]; ok {
		ref.count += n
	}
}

// MarkIndexed records that a message index entry was committed for id.
func (m *MessageManager) MarkIndexed(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if ref, ok := m.refs[id]; ok {
		ref.indexed = true
	}
}

// Release drops one reference; the last release removes the stored body and index.
func (m *MessageManager) Release(id string) {
	m.mutex.Lock()
	ref, ok := m.refs[id]
	if !ok {
		m.mutex.Unlock()
		return
	}
	ref.count--
	if ref.count > 0 {
		m.mutex.Unlock()
		return
	}
	delete(m.refs, id)
	m.mutex.Unlock()

	m.remove(id, ref)
}

// Discard forgets a message that was created but never enqueued.
func (m *MessageManager) Discard(id string) {
	m.mutex.Lock()
	ref, ok := m.refs[id]
	delete(m.refs, id)
	m.mutex.Unlock()

	if ok {
		m.remove(id, ref)
	}
}

// A failed removal leaves garbage that recovery collects, so errors are only logged.
func (m *MessageManager) remove(id string, ref *messageRef) {
	if ref.indexed {
		err := m.metadata.Update(func(tx interfaces.MetadataTxn) error {
			return tx.DeleteMessageIndex(m.vhost, id)
		})
		if err != nil {
			m.metrics.RecordStorageError("delete_message_index")
			m.logger.Warn("Failed to delete message index",
				zap.String("message_id", id),
				zap.Error(err))
		}
	}
	if ref.persisted {
		if err := m.bodies.Remove(id); err != nil {
			m.metrics.RecordStorageError("remove_body")
			m.logger.Warn("Failed to remove message body",
				zap.String("message_id", id),
				zap.Error(err))
		}
	}
}

// RefCount returns the live reference count of id, or 0 if it is unknown.
func (m *MessageManager) RefCount(id string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if ref, ok := m.refs[id]; ok {
		return ref.count
	}
	return 0
}

// Live returns the number of messages currently tracked.
func (m *MessageManager) Live() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.refs)
}

// adopt registers a recovered message that already has its body and index stored.
func (m *MessageManager) adopt(id string, count int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.refs[id] = &messageRef{count: count, persisted: true, indexed: true}
}

func (m *MessageManager) known(id string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	_, ok := m.refs[id]
	return ok
}
