package broker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
	"github.com/maxpert/mqengine/storage"
)

var testTags atomic.Uint64

// recordingSink collects deliveries synchronously. A limited sink accepts only
// as many reservations as it was granted.
type recordingSink struct {
	mutex      sync.Mutex
	deliveries []*Delivery
	cancelled  []string
	limited    bool
	room       int
}

func (s *recordingSink) NextDeliveryTag() uint64 { return testTags.Add(1) }

func (s *recordingSink) Reserve() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.limited {
		return true
	}
	if s.room == 0 {
		return false
	}
	s.room--
	return true
}

func (s *recordingSink) Unreserve() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.limited {
		s.room++
	}
}

func (s *recordingSink) grant(n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.room += n
}

func (s *recordingSink) Deliver(delivery *Delivery) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.deliveries = append(s.deliveries, delivery)
}

func (s *recordingSink) ConsumerCancelled(consumerTag string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cancelled = append(s.cancelled, consumerTag)
}

func (s *recordingSink) all() []*Delivery {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]*Delivery(nil), s.deliveries...)
}

func (s *recordingSink) bodies() []string {
	var out []string
	for _, d := range s.all() {
		out = append(out, string(d.Message.Body))
	}
	return out
}

func (s *recordingSink) reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.deliveries = nil
}

func openMemoryStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(interfaces.StorageConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func openBroker(t *testing.T, store interfaces.Storage) *Broker {
	t.Helper()
	b, err := Open(store, []string{DefaultVHost}, Options{RecoveryWorkers: 2})
	require.NoError(t, err)
	return b
}

func openVHost(t *testing.T) *VirtualHost {
	t.Helper()
	vhost, err := openBroker(t, openMemoryStore(t)).VHost(DefaultVHost)
	require.NoError(t, err)
	return vhost
}

func persistent() protocol.Properties {
	return protocol.Properties{DeliveryMode: protocol.Persistent}
}

func transient() protocol.Properties {
	return protocol.Properties{DeliveryMode: protocol.Transient}
}
