package broker

import (
	"container/list"
	"sort"
	"sync"

	"go.uber.org/zap"

	mqerrors "github.com/maxpert/mqengine/errors"
	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
)

// queueEntry is one message reference inside one queue
type queueEntry struct {
	seq         uint64 // key of the persisted reference, 0 when not persisted
	message     *protocol.Message
	redelivered bool
}

type outstanding struct {
	entry    *queueEntry
	consumer *Consumer
}

// Queue is the live state of a declared queue: a FIFO of ready entries, the
// registered consumers and the deliveries awaiting acknowledgment.
type Queue struct {
	desc  protocol.Queue
	owner string // connection id of an exclusive queue

	vhost    string
	messages *MessageManager
	metadata interfaces.MetadataStore
	logger   *zap.Logger
	metrics  interfaces.MetricsCollector

	mutex     sync.Mutex
	ready     *list.List // of *queueEntry
	consumers []*Consumer
	cursor    int
	unacked   map[uint64]*outstanding
	nextSeq   uint64
	deleted   bool
}

func newQueue(vhost string, desc protocol.Queue, owner string, messages *MessageManager,
	metadata interfaces.MetadataStore, logger *zap.Logger, metrics interfaces.MetricsCollector) *Queue {
	return &Queue{
		desc:     desc,
		owner:    owner,
		vhost:    vhost,
		messages: messages,
		metadata: metadata,
		logger:   logger.With(zap.String("queue", desc.Name)),
		metrics:  metrics,
		ready:    list.New(),
		unacked:  make(map[uint64]*outstanding),
		nextSeq:  1,
	}
}

func (q *Queue) Name() string { return q.desc.Name }

// Descriptor returns the declared parameters of the queue.
func (q *Queue) Descriptor() protocol.Queue { return q.desc }

// Owner returns the owning connection of an exclusive queue
func (q *Queue) Owner() string { return q.owner }

// persisted reports whether the queue record and its entries live in the store.
// Exclusive queues die with their connection and are never written.
func (q *Queue) persisted() bool {
	return q.desc.Durable && !q.desc.Exclusive
}

// Stats returns ready, unacknowledged and consumer counts.
func (q *Queue) Stats() (ready, unacked, consumers int) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.ready.Len(), len(q.unacked), len(q.consumers)
}

func (q *Queue) reportLocked() {
	q.metrics.UpdateQueueMetrics(q.desc.Name, q.vhost, q.ready.Len(), len(q.unacked), len(q.consumers))
}

// Enqueue appends a message and dispatches. The caller must already hold a
// reference for this queue on the message.
func (q *Queue) Enqueue(message *protocol.Message) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.deleted {
		return mqerrors.NewQueueNotFound(q.desc.Name)
	}
	q.enqueueLocked(&queueEntry{message: message})
	q.dispatchLocked()
	return nil
}

func (q *Queue) enqueueLocked(entry *queueEntry) {
	q.ready.PushBack(entry)
}

// RegisterConsumer adds a consumer and starts dispatching to it.
func (q *Queue) RegisterConsumer(consumer *Consumer) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.deleted {
		return mqerrors.NewQueueNotFound(q.desc.Name)
	}
	for _, existing := range q.consumers {
		if existing.Tag == consumer.Tag {
			return mqerrors.NewConsumerTagInUse(consumer.Tag, q.desc.Name)
		}
	}

	q.consumers = append(q.consumers, consumer)
	q.metrics.RecordConsumerAdded()
	q.dispatchLocked()
	q.reportLocked()
	return nil
}

// nextConsumerLocked walks the consumers round-robin from the cursor and returns
// the first one with spare prefetch capacity whose sink accepted a reservation.
func (q *Queue) nextConsumerLocked() *Consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		if c := q.consumers[idx]; c.hasCapacity() && c.sink.Reserve() {
			q.cursor = (idx + 1) % n
			return c
		}
	}
	return nil
}

// Dispatch resumes delivery after a consumer's sink made room again.
func (q *Queue) Dispatch() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.deleted {
		return
	}
	q.dispatchLocked()
	q.reportLocked()
}

func (q *Queue) dispatchLocked() {
	for q.ready.Len() > 0 {
		consumer := q.nextConsumerLocked()
		if consumer == nil {
			return
		}

		front := q.ready.Front()
		entry := front.Value.(*queueEntry)

		if consumer.AutoAck {
			if err := q.deleteEntryLocked(entry); err != nil {
				// Leave the entry at the head; the next mutation retries
				consumer.sink.Unreserve()
				q.logger.Error("Failed to remove auto-acked entry", zap.Error(err))
				return
			}
		}
		q.ready.Remove(front)

		delivery := &Delivery{
			Queue:       q.desc.Name,
			ConsumerTag: consumer.Tag,
			DeliveryTag: consumer.sink.NextDeliveryTag(),
			Redelivered: entry.redelivered,
			AutoAck:     consumer.AutoAck,
			Message:     entry.message,
		}

		if consumer.AutoAck {
			q.messages.Release(entry.message.ID)
		} else {
			q.unacked[delivery.DeliveryTag] = &outstanding{entry: entry, consumer: consumer}
			consumer.unacked++
		}

		q.metrics.RecordMessageDelivered(len(entry.message.Body))
		if entry.redelivered {
			q.metrics.RecordMessageRedelivered()
		}
		consumer.sink.Deliver(delivery)
	}
}

// deleteEntryLocked removes the persisted reference of an entry, if any.
func (q *Queue) deleteEntryLocked(entry *queueEntry) error {
	if entry.seq == 0 {
		return nil
	}
	err := q.metadata.Update(func(tx interfaces.MetadataTxn) error {
		return tx.DeleteQueueEntry(q.vhost, q.desc.Name, entry.seq)
	})
	if err != nil {
		q.metrics.RecordStorageError("delete_queue_entry")
		return mqerrors.NewStorageFailure("delete queue entry", q.desc.Name, err)
	}
	return nil
}

// Acknowledge completes a delivery and releases the message reference.
func (q *Queue) Acknowledge(deliveryTag uint64) error {
	return q.settle(deliveryTag, false)
}

// Reject drops a delivery without redelivering it.
func (q *Queue) Reject(deliveryTag uint64) error {
	return q.settle(deliveryTag, true)
}

func (q *Queue) settle(deliveryTag uint64, rejected bool) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.deleted {
		return mqerrors.NewQueueNotFound(q.desc.Name)
	}
	out, ok := q.unacked[deliveryTag]
	if !ok {
		return mqerrors.NewInvalidDeliveryTag(deliveryTag)
	}

	// The persisted reference goes first so a storage error leaves the delivery outstanding
	if err := q.deleteEntryLocked(out.entry); err != nil {
		return err
	}

	delete(q.unacked, deliveryTag)
	out.consumer.unacked--
	q.messages.Release(out.entry.message.ID)

	if rejected {
		q.metrics.RecordMessageRejected()
	} else {
		q.metrics.RecordMessageAcknowledged()
	}

	q.dispatchLocked()
	q.reportLocked()
	return nil
}

// Requeue returns a delivery to the head of the queue flagged as redelivered.
func (q *Queue) Requeue(deliveryTag uint64) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.deleted {
		return mqerrors.NewQueueNotFound(q.desc.Name)
	}
	out, ok := q.unacked[deliveryTag]
	if !ok {
		return mqerrors.NewInvalidDeliveryTag(deliveryTag)
	}

	delete(q.unacked, deliveryTag)
	out.consumer.unacked--
	out.entry.redelivered = true
	q.ready.PushFront(out.entry)

	q.dispatchLocked()
	q.reportLocked()
	return nil
}

// CancelConsumer removes a consumer and puts every delivery it still held back at
// the head of the queue in original delivery order. It returns the delivery tags
// that were requeued and the number of consumers left.
func (q *Queue) CancelConsumer(consumerTag string) ([]uint64, int, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.deleted {
		return nil, 0, mqerrors.NewQueueNotFound(q.desc.Name)
	}

	idx := -1
	for i, c := range q.consumers {
		if c.Tag == consumerTag {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, len(q.consumers), mqerrors.NewConsumerNotFound(consumerTag)
	}
	consumer := q.consumers[idx]
	q.consumers = append(q.consumers[:idx], q.consumers[idx+1:]...)
	if idx < q.cursor {
		q.cursor--
	}
	if len(q.consumers) == 0 || q.cursor >= len(q.consumers) {
		q.cursor = 0
	}
	q.metrics.RecordConsumerRemoved()

	var tags []uint64
	for tag, out := range q.unacked {
		if out.consumer == consumer {
			tags = append(tags, tag)
		}
	}
	// Tags grow monotonically, so ascending tag order is delivery order
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	for i := len(tags) - 1; i >= 0; i-- {
		out := q.unacked[tags[i]]
		delete(q.unacked, tags[i])
		out.entry.redelivered = true
		q.ready.PushFront(out.entry)
	}
	consumer.unacked = 0

	if len(tags) > 0 {
		q.logger.Debug("Requeued unacknowledged deliveries",
			zap.String("consumer_tag", consumerTag),
			zap.Int("count", len(tags)))
	}

	q.dispatchLocked()
	q.reportLocked()
	return tags, len(q.consumers), nil
}

// markDeleted drains the queue and detaches its consumers. Later operations fail
// with NotFound.
func (q *Queue) markDeleted() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.deleted {
		return 0
	}
	q.deleted = true

	drained := 0
	for e := q.ready.Front(); e != nil; e = e.Next() {
		q.messages.Release(e.Value.(*queueEntry).message.ID)
		drained++
	}
	q.ready.Init()

	for tag, out := range q.unacked {
		q.messages.Release(out.entry.message.ID)
		delete(q.unacked, tag)
		drained++
	}

	for _, c := range q.consumers {
		c.sink.ConsumerCancelled(c.Tag)
		q.metrics.RecordConsumerRemoved()
	}
	q.consumers = nil
	q.metrics.DeleteQueueMetrics(q.desc.Name, q.vhost)

	return drained
}

// restore appends a recovered persisted entry. Used only before the queue is
// reachable, so it does not dispatch.
func (q *Queue) restore(seq uint64, message *protocol.Message) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.ready.PushBack(&queueEntry{seq: seq, message: message})
	if seq >= q.nextSeq {
		q.nextSeq = seq + 1
	}
}
