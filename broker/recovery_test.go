package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
)

func TestRecoveryDropsStaleRecords(t *testing.T) {
	dir := t.TempDir()

	store := openDiskStore(t, dir)
	vhost, err := openBroker(t, store).VHost(DefaultVHost)
	require.NoError(t, err)
	_, err = vhost.DeclareQueue(protocol.Queue{Name: "billing", Durable: true}, "")
	require.NoError(t, err)

	// A binding to a queue that is gone, an entry without an index record and an
	// index record no queue refers to
	err = store.Metadata().Update(func(tx interfaces.MetadataTxn) error {
		if err := tx.PutBinding(DefaultVHost, &protocol.Binding{Exchange: "amq.direct", Queue: "vanished", Key: "k", Durable: true}); err != nil {
			return err
		}
		if err := tx.PutQueueEntry(DefaultVHost, "billing", interfaces.QueueEntry{Seq: 7, MessageID: "no-index"}); err != nil {
			return err
		}
		return tx.PutMessageIndex(DefaultVHost, &protocol.MessageIndex{ID: "no-entry", Durable: true, Queues: []string{"billing"}})
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store = openDiskStore(t, dir)
	defer store.Close()
	vhost, err = openBroker(t, store).VHost(DefaultVHost)
	require.NoError(t, err)

	stats := vhost.RecoveryStats()
	assert.Equal(t, 1, stats.QueuesRecovered)
	assert.Equal(t, 0, stats.BindingsRecovered)
	assert.Equal(t, 0, stats.MessagesRecovered)
	assert.Equal(t, 3, stats.OrphansRemoved)

	bindings, err := store.Metadata().ListBindings(DefaultVHost)
	require.NoError(t, err)
	assert.Empty(t, bindings)
	entries, err := store.Metadata().ListQueueEntries(DefaultVHost, "billing")
	require.NoError(t, err)
	assert.Empty(t, entries)
	indexes, err := store.Metadata().ListMessageIndexes(DefaultVHost)
	require.NoError(t, err)
	assert.Empty(t, indexes)

	queue, ok := vhost.Queue("billing")
	require.True(t, ok)
	ready, _, _ := queue.Stats()
	assert.Equal(t, 0, ready)
}
