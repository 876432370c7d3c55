package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
)

func newMemoryMetadata(t *testing.T) *BadgerMetadataStore {
	t.Helper()
	store, err := NewBadgerMetadataStore("", false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBadgerMetadataTopology(t *testing.T) {
	store := newMemoryMetadata(t)

	exchange := &protocol.Exchange{Name: "logs", Type: protocol.ExchangeTopic, Durable: true}
	queue := &protocol.Queue{Name: "errs", Durable: true, Arguments: map[string]string{"x": "1"}}
	binding := &protocol.Binding{Exchange: "logs", Queue: "errs", Key: "*.error", Durable: true}

	err := store.Update(func(tx interfaces.MetadataTxn) error {
		require.NoError(t, tx.PutVHost("/"))
		require.NoError(t, tx.PutExchange("/", exchange))
		require.NoError(t, tx.PutQueue("/", queue))
		return tx.PutBinding("/", binding)
	})
	require.NoError(t, err)

	vhosts, err := store.ListVHosts()
	require.NoError(t, err)
	assert.Equal(t, []string{"/"}, vhosts)

	exchanges, err := store.ListExchanges("/")
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, exchange, exchanges[0])

	queues, err := store.ListQueues("/")
	require.NoError(t, err)
	require.Len(t, queues, 1)
	assert.Equal(t, queue, queues[0])

	bindings, err := store.ListBindings("/")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, binding, bindings[0])

	// Other vhosts see nothing
	queues, err = store.ListQueues("other")
	require.NoError(t, err)
	assert.Empty(t, queues)

	err = store.Update(func(tx interfaces.MetadataTxn) error {
		require.NoError(t, tx.DeleteBinding("/", binding))
		require.NoError(t, tx.DeleteQueue("/", "errs"))
		// Deleting a missing record is not an error
		return tx.DeleteExchange("/", "missing")
	})
	require.NoError(t, err)

	bindings, err = store.ListBindings("/")
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestBadgerMetadataUpdateIsAtomic(t *testing.T) {
	store := newMemoryMetadata(t)

	boom := errors.New("boom")
	err := store.Update(func(tx interfaces.MetadataTxn) error {
		require.NoError(t, tx.PutQueue("/", &protocol.Queue{Name: "q1", Durable: true}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	queues, err := store.ListQueues("/")
	require.NoError(t, err)
	assert.Empty(t, queues)
}

func TestBadgerQueueEntriesOrdered(t *testing.T) {
	store := newMemoryMetadata(t)

	err := store.Update(func(tx interfaces.MetadataTxn) error {
		// Insert out of order; keys sort by big-endian sequence
		for _, seq := range []uint64{3, 1, 256, 2} {
			entry := interfaces.QueueEntry{Seq: seq, MessageID: "m" + string(rune('0'+seq%10))}
			if err := tx.PutQueueEntry("/", "q", entry); err != nil {
				return err
			}
		}
		// A queue whose name extends "q" must not leak into q's entries
		return tx.PutQueueEntry("/", "q2", interfaces.QueueEntry{Seq: 1, MessageID: "other"})
	})
	require.NoError(t, err)

	entries, err := store.ListQueueEntries("/", "q")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, []uint64{1, 2, 3, 256}, []uint64{entries[0].Seq, entries[1].Seq, entries[2].Seq, entries[3].Seq})

	require.NoError(t, store.Update(func(tx interfaces.MetadataTxn) error {
		return tx.DeleteQueueEntry("/", "q", 2)
	}))
	entries, err = store.ListQueueEntries("/", "q")
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	removed, err := store.PurgeQueueEntries("/", "q")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err = store.ListQueueEntries("/", "q")
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = store.ListQueueEntries("/", "q2")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBadgerMessageIndex(t *testing.T) {
	store := newMemoryMetadata(t)

	index := &protocol.MessageIndex{ID: "m1", Durable: true, Queues: []string{"a", "b"}}
	require.NoError(t, store.Update(func(tx interfaces.MetadataTxn) error {
		return tx.PutMessageIndex("/", index)
	}))

	indexes, err := store.ListMessageIndexes("/")
	require.NoError(t, err)
	require.Len(t, indexes, 1)
	assert.Equal(t, index, indexes[0])

	require.NoError(t, store.Update(func(tx interfaces.MetadataTxn) error {
		return tx.DeleteMessageIndex("/", "m1")
	}))
	indexes, err = store.ListMessageIndexes("/")
	require.NoError(t, err)
	assert.Empty(t, indexes)
}

func TestBadgerMetadataSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "metadata")

	store, err := NewBadgerMetadataStore(dir, true, nil)
	require.NoError(t, err)
	require.NoError(t, store.Update(func(tx interfaces.MetadataTxn) error {
		return tx.PutExchange("v1", &protocol.Exchange{Name: "orders", Type: protocol.ExchangeDirect, Durable: true})
	}))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerMetadataStore(dir, true, nil)
	require.NoError(t, err)
	defer reopened.Close()

	exchanges, err := reopened.ListExchanges("v1")
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "orders", exchanges[0].Name)
	assert.Equal(t, protocol.ExchangeDirect, exchanges[0].Type)
}
