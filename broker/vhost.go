package broker

import (
	"sync"

	"go.uber.org/zap"

	mqerrors "github.com/maxpert/mqengine/errors"
	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
)

// PublishResult reports where a published message went
type PublishResult struct {
	MessageID string
	Routed    int // number of queues that received the message
}

// VirtualHost is an isolated namespace of exchanges, queues and bindings.
//
// Topology changes take the write side of topology. Publish takes the read side
// only while resolving target queues. Consume, ack and nack resolve queues from
// the lock-free snapshot and never take it.
type VirtualHost struct {
	name     string
	metadata interfaces.MetadataStore
	bodies   interfaces.BodyStore
	logger   *zap.Logger
	metrics  interfaces.MetricsCollector

	topology  sync.RWMutex
	exchanges *ExchangeManager
	bindings  *BindingManager
	queues    *QueueManager
	messages  *MessageManager

	recoveryWorkers int
	stats           protocol.RecoveryStats
}

func openVirtualHost(name string, storage interfaces.Storage, opts Options) (*VirtualHost, error) {
	metadata := storage.Metadata()
	bodies, err := storage.Bodies(name)
	if err != nil {
		return nil, mqerrors.NewStorageFailure("open body store", name, err)
	}

	logger := opts.Logger.With(zap.String("vhost", name))
	bindings := NewBindingManager(name, metadata)
	messages := NewMessageManager(name, bodies, metadata, logger, opts.Metrics)

	v := &VirtualHost{
		name:            name,
		metadata:        metadata,
		bodies:          bodies,
		logger:          logger,
		metrics:         opts.Metrics,
		bindings:        bindings,
		exchanges:       NewExchangeManager(name, metadata, bindings),
		queues:          NewQueueManager(name, metadata, bindings, messages, logger, opts.Metrics),
		messages:        messages,
		recoveryWorkers: opts.RecoveryWorkers,
	}

	err = metadata.Update(func(tx interfaces.MetadataTxn) error {
		return tx.PutVHost(name)
	})
	if err != nil {
		return nil, mqerrors.NewStorageFailure("store vhost", name, err)
	}

	if err := newRecoveryManager(v).perform(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *VirtualHost) Name() string { return v.name }

// RecoveryStats returns what was rebuilt from the store when the vhost opened.
func (v *VirtualHost) RecoveryStats() protocol.RecoveryStats { return v.stats }

// DeclareExchange creates an exchange or confirms an equivalent existing one.
func (v *VirtualHost) DeclareExchange(name, kind string, durable, autoDelete bool, args map[string]string) error {
	exchange, err := NewExchange(name, kind, durable, autoDelete, args)
	if err != nil {
		return err
	}

	v.topology.Lock()
	defer v.topology.Unlock()

	created, err := v.exchanges.Declare(exchange)
	if err != nil {
		return err
	}
	if created {
		v.metrics.RecordExchangeDeclared()
		v.logger.Debug("Exchange declared",
			zap.String("exchange", name),
			zap.String("type", exchange.Type.String()),
			zap.Bool("durable", durable))
	}
	return nil
}

// DeleteExchange removes an exchange and its bindings.
func (v *VirtualHost) DeleteExchange(name string, ifUnused bool) error {
	v.topology.Lock()
	defer v.topology.Unlock()

	if _, err := v.exchanges.Remove(name, ifUnused); err != nil {
		return err
	}
	v.metrics.RecordExchangeDeleted()
	v.logger.Debug("Exchange deleted", zap.String("exchange", name))
	return nil
}

// Exchange returns a copy of the named exchange descriptor.
func (v *VirtualHost) Exchange(name string) (protocol.Exchange, bool) {
	v.topology.RLock()
	defer v.topology.RUnlock()

	exchange, ok := v.exchanges.Get(name)
	if !ok {
		return protocol.Exchange{}, false
	}
	return *exchange, true
}

func (v *VirtualHost) Exchanges() []protocol.Exchange {
	v.topology.RLock()
	defer v.topology.RUnlock()

	list := v.exchanges.List()
	exchanges := make([]protocol.Exchange, len(list))
	for i, exchange := range list {
		exchanges[i] = *exchange
	}
	return exchanges
}

// DeclareQueue creates a queue or returns an equivalent existing one. owner is
// the declaring connection and only matters for exclusive queues.
func (v *VirtualHost) DeclareQueue(desc protocol.Queue, owner string) (*Queue, error) {
	v.topology.Lock()
	defer v.topology.Unlock()

	queue, created, err := v.queues.Declare(desc, owner)
	if err != nil {
		return nil, err
	}
	if created {
		v.logger.Debug("Queue declared",
			zap.String("queue", desc.Name),
			zap.Bool("durable", desc.Durable),
			zap.Bool("exclusive", desc.Exclusive),
			zap.Bool("auto_delete", desc.AutoDelete))
	}
	return queue, nil
}

// DeleteQueue removes a queue and its bindings, discarding its messages. It
// returns the number of messages discarded.
func (v *VirtualHost) DeleteQueue(name string, ifUnused, ifEmpty bool, owner string) (int, error) {
	v.topology.Lock()
	defer v.topology.Unlock()

	bindings, drained, err := v.queues.Remove(name, ifUnused, ifEmpty, owner)
	if err != nil {
		return 0, err
	}
	v.logger.Debug("Queue deleted", zap.String("queue", name), zap.Int("discarded", drained))
	v.autoDeleteExchangesLocked(bindings)
	return drained, nil
}

// Queue resolves a live queue by name.
func (v *VirtualHost) Queue(name string) (*Queue, bool) {
	return v.queues.Lookup(name)
}

func (v *VirtualHost) Queues() []*Queue {
	v.topology.RLock()
	defer v.topology.RUnlock()
	return v.queues.List()
}

// Bind routes messages matching key from exchange to queue.
func (v *VirtualHost) Bind(exchangeName, queueName, key, owner string) error {
	v.topology.Lock()
	defer v.topology.Unlock()

	exchange, ok := v.exchanges.Get(exchangeName)
	if !ok {
		return mqerrors.NewExchangeNotFound(exchangeName)
	}
	queue, ok := v.queues.Get(queueName)
	if !ok {
		return mqerrors.NewQueueNotFound(queueName)
	}
	if queue.desc.Exclusive && queue.owner != owner {
		return mqerrors.NewInUse("queue", queueName, "queue is exclusive to another connection")
	}

	created, err := v.bindings.Declare(exchange, queue, key)
	if err != nil {
		return err
	}
	if created {
		v.logger.Debug("Queue bound",
			zap.String("exchange", exchangeName),
			zap.String("queue", queueName),
			zap.String("binding_key", key))
	}
	return nil
}

// Unbind removes one binding. An auto-delete exchange left without bindings is removed.
func (v *VirtualHost) Unbind(exchangeName, queueName, key, owner string) error {
	v.topology.Lock()
	defer v.topology.Unlock()

	if queue, ok := v.queues.Get(queueName); ok && queue.desc.Exclusive && queue.owner != owner {
		return mqerrors.NewInUse("queue", queueName, "queue is exclusive to another connection")
	}

	binding, err := v.bindings.Remove(exchangeName, queueName, key)
	if err != nil {
		return err
	}
	v.autoDeleteExchangesLocked([]*protocol.Binding{binding})
	return nil
}

func (v *VirtualHost) Bindings() []protocol.Binding {
	v.topology.RLock()
	defer v.topology.RUnlock()

	list := v.bindings.List()
	bindings := make([]protocol.Binding, len(list))
	for i, binding := range list {
		bindings[i] = *binding
	}
	return bindings
}

// autoDeleteExchangesLocked removes the auto-delete source exchanges of removed
// bindings once no binding is left on them.
func (v *VirtualHost) autoDeleteExchangesLocked(removed []*protocol.Binding) {
	seen := make(map[string]bool)
	for _, binding := range removed {
		if seen[binding.Exchange] {
			continue
		}
		seen[binding.Exchange] = true

		exchange, ok := v.exchanges.Get(binding.Exchange)
		if !ok || !exchange.AutoDelete || len(v.bindings.ForExchange(exchange.Name)) > 0 {
			continue
		}
		if _, err := v.exchanges.Remove(exchange.Name, true); err != nil {
			v.logger.Warn("Failed to auto-delete exchange",
				zap.String("exchange", exchange.Name),
				zap.Error(err))
			continue
		}
		v.metrics.RecordExchangeDeleted()
		v.logger.Debug("Exchange auto-deleted", zap.String("exchange", exchange.Name))
	}
}

// resolve returns the live target queues of a publish in ascending name order.
func (v *VirtualHost) resolve(exchangeName, routingKey string) ([]*Queue, error) {
	v.topology.RLock()
	defer v.topology.RUnlock()

	exchange, ok := v.exchanges.Get(exchangeName)
	if !ok {
		return nil, mqerrors.NewExchangeNotFound(exchangeName)
	}

	var names []string
	if exchange.Name == protocol.DefaultExchange {
		names = []string{routingKey}
	} else {
		names = Route(exchange.Type, v.bindings.ForExchange(exchange.Name), routingKey)
	}

	targets := make([]*Queue, 0, len(names))
	for _, name := range names {
		if queue, ok := v.queues.Get(name); ok {
			targets = append(targets, queue)
		}
	}
	return targets, nil
}

// Publish routes a message through an exchange and enqueues it on every matched
// queue as one atomic fan-out. A message that matches no queue is dropped and
// reported with Routed == 0.
func (v *VirtualHost) Publish(exchangeName, routingKey string, props protocol.Properties, body []byte) (PublishResult, error) {
	if err := protocol.ValidateRoutingKey(routingKey); err != nil {
		return PublishResult{}, err
	}
	if props.DeliveryMode == 0 {
		props.DeliveryMode = protocol.Transient
	}

	targets, err := v.resolve(exchangeName, routingKey)
	if err != nil {
		return PublishResult{}, err
	}
	if len(targets) == 0 {
		v.metrics.RecordMessageUnroutable()
		return PublishResult{}, nil
	}

	durableTarget := false
	for _, queue := range targets {
		durableTarget = durableTarget || queue.persisted()
	}
	message, err := v.messages.Create(exchangeName, routingKey, props, body, durableTarget)
	if err != nil {
		return PublishResult{}, err
	}

	// targets are sorted by name, which is the queue lock order
	live := make([]*Queue, 0, len(targets))
	for _, queue := range targets {
		queue.mutex.Lock()
		if queue.deleted {
			queue.mutex.Unlock()
			continue
		}
		live = append(live, queue)
	}
	unlock := func() {
		for i := len(live) - 1; i >= 0; i-- {
			live[i].mutex.Unlock()
		}
	}

	if len(live) == 0 {
		v.messages.Discard(message.ID)
		v.metrics.RecordMessageUnroutable()
		return PublishResult{MessageID: message.ID}, nil
	}

	var durable []*Queue
	if props.Persistent() {
		for _, queue := range live {
			if queue.persisted() {
				durable = append(durable, queue)
			}
		}
	}

	if len(durable) > 0 {
		err := v.metadata.Update(func(tx interfaces.MetadataTxn) error {
			index := &protocol.MessageIndex{ID: message.ID, Durable: true}
			for _, queue := range durable {
				entry := interfaces.QueueEntry{Seq: queue.nextSeq, MessageID: message.ID}
				if err := tx.PutQueueEntry(v.name, queue.Name(), entry); err != nil {
					return err
				}
				index.Queues = append(index.Queues, queue.Name())
			}
			return tx.PutMessageIndex(v.name, index)
		})
		if err != nil {
			unlock()
			v.messages.Discard(message.ID)
			v.metrics.RecordStorageError("publish")
			return PublishResult{}, mqerrors.NewStorageFailure("store message index", message.ID, err)
		}
		v.messages.MarkIndexed(message.ID)
	}

	v.messages.Retain(message.ID, len(live))
	next := 0
	for _, queue := range live {
		entry := &queueEntry{message: message}
		if next < len(durable) && durable[next] == queue {
			entry.seq = queue.nextSeq
			queue.nextSeq++
			next++
		}
		queue.enqueueLocked(entry)
		queue.dispatchLocked()
		queue.reportLocked()
	}
	unlock()

	v.metrics.RecordMessagePublished(len(body))
	return PublishResult{MessageID: message.ID, Routed: len(live)}, nil
}

// Consume registers a consumer on a queue. Deliveries are pushed to sink.
func (v *VirtualHost) Consume(queueName, consumerTag string, autoAck bool, prefetch int, owner string, sink DeliverySink) (*Consumer, error) {
	queue, ok := v.queues.Lookup(queueName)
	if !ok {
		return nil, mqerrors.NewQueueNotFound(queueName)
	}
	if queue.desc.Exclusive && queue.owner != owner {
		return nil, mqerrors.NewInUse("queue", queueName, "queue is exclusive to another connection")
	}

	consumer := NewConsumer(consumerTag, queueName, autoAck, prefetch, sink)
	if err := queue.RegisterConsumer(consumer); err != nil {
		return nil, err
	}
	return consumer, nil
}

// Cancel removes a consumer, requeueing what it still held. It returns the
// requeued delivery tags. An auto-delete queue left without consumers is removed.
func (v *VirtualHost) Cancel(queueName, consumerTag string) ([]uint64, error) {
	queue, ok := v.queues.Lookup(queueName)
	if !ok {
		return nil, mqerrors.NewQueueNotFound(queueName)
	}

	requeued, remaining, err := queue.CancelConsumer(consumerTag)
	if err != nil {
		return nil, err
	}
	if remaining == 0 && queue.desc.AutoDelete {
		v.autoDeleteQueue(queue)
	}
	return requeued, nil
}

func (v *VirtualHost) autoDeleteQueue(queue *Queue) {
	v.topology.Lock()
	defer v.topology.Unlock()

	// A consumer may have arrived, or the queue may be gone, since the cancel
	current, ok := v.queues.Get(queue.Name())
	if !ok || current != queue {
		return
	}
	if _, _, consumers := queue.Stats(); consumers > 0 {
		return
	}

	bindings, _, err := v.queues.remove(queue)
	if err != nil {
		v.logger.Warn("Failed to auto-delete queue",
			zap.String("queue", queue.Name()),
			zap.Error(err))
		return
	}
	v.logger.Debug("Queue auto-deleted", zap.String("queue", queue.Name()))
	v.autoDeleteExchangesLocked(bindings)
}

// Ack acknowledges a delivery of queueName.
func (v *VirtualHost) Ack(queueName string, deliveryTag uint64) error {
	queue, ok := v.queues.Lookup(queueName)
	if !ok {
		return mqerrors.NewInvalidDeliveryTag(deliveryTag)
	}
	return queue.Acknowledge(deliveryTag)
}

// Nack negatively acknowledges a delivery, returning it to the queue head when
// requeue is set and discarding it otherwise.
func (v *VirtualHost) Nack(queueName string, deliveryTag uint64, requeue bool) error {
	queue, ok := v.queues.Lookup(queueName)
	if !ok {
		return mqerrors.NewInvalidDeliveryTag(deliveryTag)
	}
	if requeue {
		return queue.Requeue(deliveryTag)
	}
	return queue.Reject(deliveryTag)
}

// ReleaseOwner deletes every exclusive queue owned by a closing connection.
func (v *VirtualHost) ReleaseOwner(owner string) {
	v.topology.Lock()
	defer v.topology.Unlock()

	for _, queue := range v.queues.ownedBy(owner) {
		bindings, _, err := v.queues.remove(queue)
		if err != nil {
			v.logger.Warn("Failed to delete exclusive queue",
				zap.String("queue", queue.Name()),
				zap.String("connection", owner),
				zap.Error(err))
			continue
		}
		v.autoDeleteExchangesLocked(bindings)
	}
}

