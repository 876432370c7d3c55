package server

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	"go.uber.org/zap"

	"github.com/maxpert/mqengine/broker"
	mqerrors "github.com/maxpert/mqengine/errors"
	"github.com/maxpert/mqengine/protocol"
)

// ChannelState is the protocol state of a channel
type ChannelState int

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type pendingDelivery struct {
	queue       string
	consumerTag string
}

// Channel sequences the requests of one logical session and receives the
// deliveries of its consumers. It implements broker.DeliverySink.
//
// The channel mutex is never held while calling into a queue, because queues
// call Deliver with their own lock held.
type Channel struct {
	ID    uint16
	conn  *Connection
	vhost *broker.VirtualHost

	logger   *zap.Logger
	outbound *outboundRing

	mutex     sync.Mutex
	state     ChannelState
	consumers map[string]string // consumer tag -> queue
	pending   map[uint64]pendingDelivery
	unacked   *roaring64.Bitmap
}

func newChannel(id uint16, conn *Connection, vhost *broker.VirtualHost) *Channel {
	ch := &Channel{
		ID:        id,
		conn:      conn,
		vhost:     vhost,
		logger:    conn.logger.With(zap.Uint16("channel_id", id), zap.String("vhost", vhost.Name())),
		state:     ChannelOpening,
		consumers: make(map[string]string),
		pending:   make(map[uint64]pendingDelivery),
		unacked:   roaring64.New(),
	}
	ch.outbound = newOutboundRing(conn.outboundBuffer, ch.writeDelivery, ch.redispatch)
	ch.state = ChannelOpen
	return ch
}

func (ch *Channel) State() ChannelState {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	return ch.state
}

func (ch *Channel) isOpen() bool {
	return ch.State() == ChannelOpen
}

// Unacked returns the number of deliveries awaiting acknowledgment.
func (ch *Channel) Unacked() int {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	return int(ch.unacked.GetCardinality())
}

// ConsumerCount returns the consumers registered through this channel.
func (ch *Channel) ConsumerCount() int {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	return len(ch.consumers)
}

func (ch *Channel) NextDeliveryTag() uint64 {
	return ch.conn.broker.NextDeliveryTag()
}

// Reserve claims a slot in the outbound ring. A full ring turns into missing
// consumer capacity, so the queue keeps the entry ready instead of waiting.
func (ch *Channel) Reserve() bool {
	return ch.outbound.tryReserve()
}

func (ch *Channel) Unreserve() {
	ch.outbound.unreserve()
}

func (ch *Channel) Deliver(delivery *broker.Delivery) {
	if !delivery.AutoAck {
		ch.mutex.Lock()
		ch.unacked.Add(delivery.DeliveryTag)
		ch.pending[delivery.DeliveryTag] = pendingDelivery{queue: delivery.Queue, consumerTag: delivery.ConsumerTag}
		ch.mutex.Unlock()
	}

	// A closed ring drops the push; the delivery stays outstanding until the
	// consumer cancellation requeues it
	ch.outbound.publish(delivery)
}

// redispatch runs when the outbound ring has room again after a refused
// reservation and lets the queues of this channel's consumers resume.
func (ch *Channel) redispatch() {
	ch.mutex.Lock()
	queues := make([]string, 0, len(ch.consumers))
	seen := make(map[string]struct{}, len(ch.consumers))
	for _, queue := range ch.consumers {
		if _, ok := seen[queue]; !ok {
			seen[queue] = struct{}{}
			queues = append(queues, queue)
		}
	}
	ch.mutex.Unlock()

	for _, name := range queues {
		if queue, ok := ch.vhost.Queue(name); ok {
			queue.Dispatch()
		}
	}
}

func (ch *Channel) ConsumerCancelled(consumerTag string) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	delete(ch.consumers, consumerTag)
	for tag, p := range ch.pending {
		if p.consumerTag == consumerTag {
			delete(ch.pending, tag)
			ch.unacked.Remove(tag)
		}
	}
	ch.logger.Debug("Consumer cancelled by broker", zap.String("consumer_tag", consumerTag))
}

func (ch *Channel) writeDelivery(delivery *broker.Delivery) error {
	message := delivery.Message
	return ch.conn.sendDelivery(&protocol.BasicConsumeResponse{
		ChannelID:   ch.ID,
		ConsumerTag: delivery.ConsumerTag,
		DeliveryTag: delivery.DeliveryTag,
		Redelivered: delivery.Redelivered,
		MessageID:   message.ID,
		Exchange:    message.Exchange,
		RoutingKey:  message.RoutingKey,
		Properties:  message.Properties,
		Body:        message.Body,
	})
}

// addConsumer reserves a consumer tag on the channel before registering it
// with the queue, so deliveries racing the registration find it.
func (ch *Channel) addConsumer(tag, queue string) error {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if _, exists := ch.consumers[tag]; exists {
		return mqerrors.NewConsumerTagInUse(tag, queue)
	}
	ch.consumers[tag] = queue
	return nil
}

func (ch *Channel) removeConsumer(tag string) (string, bool) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	queue, ok := ch.consumers[tag]
	delete(ch.consumers, tag)
	return queue, ok
}

// forget drops delivery tags that are no longer outstanding on this channel.
func (ch *Channel) forget(tags ...uint64) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	for _, tag := range tags {
		ch.unacked.Remove(tag)
		delete(ch.pending, tag)
	}
}

// resolveTags returns the outstanding deliveries selected by an ack or nack, in
// ascending tag order. With multiple every tag up to deliveryTag is selected,
// and deliveryTag 0 selects all of them.
func (ch *Channel) resolveTags(deliveryTag uint64, multiple bool) ([]uint64, []pendingDelivery, error) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if !multiple {
		p, ok := ch.pending[deliveryTag]
		if !ok || !ch.unacked.Contains(deliveryTag) {
			return nil, nil, mqerrors.NewInvalidDeliveryTag(deliveryTag)
		}
		return []uint64{deliveryTag}, []pendingDelivery{p}, nil
	}

	if deliveryTag != 0 && !ch.unacked.Contains(deliveryTag) {
		return nil, nil, mqerrors.NewInvalidDeliveryTag(deliveryTag)
	}

	var tags []uint64
	it := ch.unacked.Iterator()
	for it.HasNext() {
		tag := it.Next()
		if deliveryTag != 0 && tag > deliveryTag {
			break
		}
		tags = append(tags, tag)
	}
	deliveries := make([]pendingDelivery, len(tags))
	for i, tag := range tags {
		deliveries[i] = ch.pending[tag]
	}
	return tags, deliveries, nil
}

// settle applies fn to every selected delivery and stops at the first failure.
// Deliveries the queue no longer knows are forgotten as well.
func (ch *Channel) settle(deliveryTag uint64, multiple bool, fn func(queue string, tag uint64) error) error {
	tags, deliveries, err := ch.resolveTags(deliveryTag, multiple)
	if err != nil {
		return err
	}

	for i, tag := range tags {
		err := fn(deliveries[i].queue, tag)
		if err != nil && !mqerrors.IsInvalidDeliveryTag(err) {
			return err
		}
		ch.forget(tag)
		if err != nil {
			return err
		}
	}
	return nil
}

// close cancels every consumer, which requeues everything they still held,
// and stops the outbound ring. Closing a closed channel does nothing.
func (ch *Channel) close() {
	ch.mutex.Lock()
	if ch.state == ChannelClosing || ch.state == ChannelClosed {
		ch.mutex.Unlock()
		return
	}
	ch.state = ChannelClosing
	tags := make([]string, 0, len(ch.consumers))
	for tag := range ch.consumers {
		tags = append(tags, tag)
	}
	ch.mutex.Unlock()

	sort.Strings(tags)
	requeued := 0
	for _, tag := range tags {
		queue, ok := ch.removeConsumer(tag)
		if !ok {
			continue
		}
		returned, err := ch.vhost.Cancel(queue, tag)
		if err != nil && !mqerrors.IsNotFound(err) {
			ch.logger.Warn("Failed to cancel consumer on channel close",
				zap.String("consumer_tag", tag),
				zap.String("queue", queue),
				zap.Error(err))
		}
		ch.forget(returned...)
		requeued += len(returned)
	}

	ch.outbound.close()

	ch.mutex.Lock()
	ch.pending = make(map[uint64]pendingDelivery)
	ch.unacked.Clear()
	ch.state = ChannelClosed
	ch.mutex.Unlock()

	ch.logger.Debug("Channel closed", zap.Int("requeued", requeued))
}
