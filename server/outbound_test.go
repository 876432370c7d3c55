package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/mqengine/broker"
)

type recordingWriter struct {
	mutex sync.Mutex
	tags  []uint64
	fail  bool
	block chan struct{} // when set, every write waits for it to close
	done  chan struct{}
	want  int
}

func (w *recordingWriter) write(d *broker.Delivery) error {
	if w.block != nil {
		<-w.block
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.tags = append(w.tags, d.DeliveryTag)
	if len(w.tags) == w.want {
		close(w.done)
	}
	if w.fail {
		return errors.New("broken pipe")
	}
	return nil
}

func (w *recordingWriter) seen() []uint64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return append([]uint64(nil), w.tags...)
}

// reserveAndPublish waits for a free slot the way a queue would retry after a
// drain notification.
func reserveAndPublish(t *testing.T, ring *outboundRing, tag uint64) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !ring.tryReserve() {
		if time.Now().After(deadline) {
			t.Fatalf("no slot for delivery %d", tag)
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, ring.publish(&broker.Delivery{DeliveryTag: tag}))
}

func TestOutboundRingPreservesOrder(t *testing.T) {
	w := &recordingWriter{done: make(chan struct{}), want: 100}
	ring := newOutboundRing(4, w.write, nil)
	defer ring.close()

	assert.Equal(t, int64(minOutboundBuffer-1), ring.mask, "capacity rounds up to the minimum")

	for tag := uint64(1); tag <= 100; tag++ {
		reserveAndPublish(t, ring, tag)
	}

	select {
	case <-w.done:
	case <-time.After(waitTimeout):
		t.Fatal("ring did not drain")
	}

	tags := w.seen()
	require.Len(t, tags, 100)
	for i, tag := range tags {
		assert.Equal(t, uint64(i+1), tag)
	}
}

func TestOutboundRingRefusesWhenFull(t *testing.T) {
	w := &recordingWriter{block: make(chan struct{}), done: make(chan struct{}), want: minOutboundBuffer + 1}
	drained := make(chan struct{}, 4)
	ring := newOutboundRing(minOutboundBuffer, w.write, func() { drained <- struct{}{} })
	defer ring.close()

	for tag := uint64(1); tag <= minOutboundBuffer; tag++ {
		require.True(t, ring.tryReserve())
		require.True(t, ring.publish(&broker.Delivery{DeliveryTag: tag}))
	}

	// The writer is stuck, so a further claim is refused instead of waiting
	refused := make(chan bool, 1)
	go func() { refused <- !ring.tryReserve() }()
	select {
	case ok := <-refused:
		assert.True(t, ok)
	case <-time.After(waitTimeout):
		t.Fatal("reservation blocked on a full ring")
	}

	close(w.block)
	select {
	case <-drained:
	case <-time.After(waitTimeout):
		t.Fatal("no drain notification after the writer recovered")
	}

	reserveAndPublish(t, ring, minOutboundBuffer+1)
	select {
	case <-w.done:
	case <-time.After(waitTimeout):
		t.Fatal("ring did not drain")
	}
	assert.Len(t, w.seen(), minOutboundBuffer+1)
}

func TestOutboundRingUnreserveReturnsSlot(t *testing.T) {
	w := &recordingWriter{block: make(chan struct{}), done: make(chan struct{}), want: -1}
	ring := newOutboundRing(minOutboundBuffer, w.write, nil)
	defer func() {
		close(w.block)
		ring.close()
	}()

	for i := 0; i < minOutboundBuffer; i++ {
		require.True(t, ring.tryReserve())
	}
	assert.False(t, ring.tryReserve())

	ring.unreserve()
	assert.True(t, ring.tryReserve())
}

func TestOutboundRingStopsWritingAfterFailure(t *testing.T) {
	w := &recordingWriter{done: make(chan struct{}), want: 1, fail: true}
	ring := newOutboundRing(16, w.write, nil)
	defer ring.close()

	// More deliveries than slots keep flowing once the writer has failed
	published := make(chan struct{})
	go func() {
		defer close(published)
		for tag := uint64(1); tag <= 64; tag++ {
			for !ring.tryReserve() {
				time.Sleep(time.Millisecond)
			}
			ring.publish(&broker.Delivery{DeliveryTag: tag})
		}
	}()

	select {
	case <-published:
	case <-time.After(waitTimeout):
		t.Fatal("publish blocked after a write failure")
	}
	<-w.done
	assert.Equal(t, []uint64{1}, w.seen())
}

func TestOutboundRingClose(t *testing.T) {
	w := &recordingWriter{done: make(chan struct{}), want: -1}
	ring := newOutboundRing(16, w.write, nil)

	ring.close()
	ring.close()
	assert.False(t, ring.tryReserve())
	assert.False(t, ring.publish(&broker.Delivery{DeliveryTag: 1}))
}
