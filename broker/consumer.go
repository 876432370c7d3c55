package broker

import "github.com/maxpert/mqengine/protocol"

// Delivery is one push of one message to one consumer
type Delivery struct {
	Queue       string
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	AutoAck     bool
	Message     *protocol.Message
}

// DeliverySink receives deliveries for the consumers of one channel. Methods are
// called with the queue lock held, must not block and must not call back into
// the queue.
type DeliverySink interface {
	// NextDeliveryTag returns a tag unique across the broker
	NextDeliveryTag() uint64

	// Reserve claims room for one delivery. It reports false while the channel
	// cannot take more; the sink then calls Queue.Dispatch once it has room again.
	Reserve() bool

	// Unreserve returns a claim that was not used for a delivery
	Unreserve()

	// Deliver hands off a delivery using a claim taken by Reserve
	Deliver(delivery *Delivery)

	// ConsumerCancelled reports that the broker removed the consumer, e.g. because
	// its queue was deleted
	ConsumerCancelled(consumerTag string)
}

// Consumer is a registered subscription on a queue
type Consumer struct {
	Tag      string
	Queue    string
	AutoAck  bool
	Prefetch int

	sink    DeliverySink
	unacked int // guarded by the queue lock
}

func NewConsumer(tag, queue string, autoAck bool, prefetch int, sink DeliverySink) *Consumer {
	return &Consumer{
		Tag:      tag,
		Queue:    queue,
		AutoAck:  autoAck,
		Prefetch: prefetch,
		sink:     sink,
	}
}

func (c *Consumer) hasCapacity() bool {
	return c.AutoAck || c.Prefetch <= 0 || c.unacked < c.Prefetch
}
