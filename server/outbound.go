package server

import (
	"sync"
	"sync/atomic"

	disruptor "github.com/smartystreets-prototypes/go-disruptor"

	"github.com/maxpert/mqengine/broker"
)

const (
	DefaultOutboundBuffer = 1024
	minOutboundBuffer     = 16
)

// outboundRing carries deliveries from queue dispatch to the connection writer.
//
// Queues publish into it under their own locks, so a slot is claimed with
// tryReserve before the delivery is built. Claims are counted as credits that
// come back once the reader has released a batch of slots. A producer holding
// a credit therefore never waits on the connection writer, and a producer that
// found no credit gets onDrain called when credits return.
type outboundRing struct {
	slots []*broker.Delivery
	mask  int64
	ring  disruptor.Disruptor

	write  func(*broker.Delivery) error
	failed atomic.Bool

	credits atomic.Int64
	starved atomic.Bool
	drained chan struct{}
	done    chan struct{}

	// several queues can publish into one channel, the disruptor writer is single-producer
	producer sync.Mutex
	closed   atomic.Bool
}

// newOutboundRing starts a ring of at least capacity slots, rounded up to a power
// of two, whose reader goroutine hands every delivery to write. onDrain may be nil.
func newOutboundRing(capacity int, write func(*broker.Delivery) error, onDrain func()) *outboundRing {
	size := int64(minOutboundBuffer)
	for size < int64(capacity) {
		size <<= 1
	}

	o := &outboundRing{
		slots:   make([]*broker.Delivery, size),
		mask:    size - 1,
		write:   write,
		drained: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	o.credits.Store(size)
	o.ring = disruptor.New(
		disruptor.WithCapacity(size),
		disruptor.WithConsumerGroup(o),
	)
	go o.ring.Read()
	if onDrain != nil {
		go o.notifyDrained(onDrain)
	}
	return o
}

// Consume implements disruptor.Consumer.
func (o *outboundRing) Consume(lower, upper int64) {
	for sequence := lower; sequence <= upper; sequence++ {
		index := sequence & o.mask
		delivery := o.slots[index]
		o.slots[index] = nil

		// After a write failure keep draining so producers never block on a dead connection
		if o.failed.Load() || delivery == nil {
			continue
		}
		if err := o.write(delivery); err != nil {
			o.failed.Store(true)
		}
	}
	// The reader releases the whole batch right after Consume returns
	o.release(upper - lower + 1)
}

// tryReserve claims one slot. It reports false when the ring is full or closed.
func (o *outboundRing) tryReserve() bool {
	for !o.closed.Load() {
		if n := o.credits.Load(); n > 0 {
			if o.credits.CompareAndSwap(n, n-1) {
				return true
			}
			continue
		}
		// Flag before the second look so a concurrent release cannot miss us
		o.starved.Store(true)
		if o.credits.Load() <= 0 {
			return false
		}
	}
	return false
}

// unreserve returns an unused claim.
func (o *outboundRing) unreserve() {
	o.release(1)
}

func (o *outboundRing) release(n int64) {
	o.credits.Add(n)
	if o.starved.Swap(false) {
		select {
		case o.drained <- struct{}{}:
		default:
		}
	}
}

// notifyDrained runs onDrain outside the reader goroutine, because onDrain takes
// queue locks whose holders may be waiting for the reader to release slots.
func (o *outboundRing) notifyDrained(onDrain func()) {
	for {
		select {
		case <-o.done:
			return
		case <-o.drained:
			onDrain()
		}
	}
}

// publish enqueues a delivery under a claim taken by tryReserve. It reports
// false once the ring is closed.
func (o *outboundRing) publish(delivery *broker.Delivery) bool {
	o.producer.Lock()
	defer o.producer.Unlock()

	if o.closed.Load() {
		return false
	}
	sequence := o.ring.Reserve(1)
	o.slots[sequence&o.mask] = delivery
	o.ring.Commit(sequence, sequence)
	return true
}

func (o *outboundRing) close() {
	o.producer.Lock()
	if o.closed.Load() {
		o.producer.Unlock()
		return
	}
	o.closed.Store(true)
	o.producer.Unlock()

	close(o.done)
	_ = o.ring.Close()
}
