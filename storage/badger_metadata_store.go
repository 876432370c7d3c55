package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
)

// Key layout. Components are joined with a NUL byte, which names never contain:
//
//	vhost <vh>
//	v <vh> exchange <name>
//	v <vh> queue <name>
//	v <vh> binding <exchange> <queue> <key>
//	v <vh> qmsg <queue> <seq:8 bytes big endian>
//	v <vh> message <id>
const (
	sep           = "\x00"
	vhostPrefix   = "vhost" + sep
	kindExchange  = "exchange"
	kindQueue     = "queue"
	kindBinding   = "binding"
	kindQueueMsg  = "qmsg"
	kindMsgIndex  = "message"
	seqKeyLength  = 8
	purgeMaxBatch = 10000
)

func vhostKeyPrefix(vhost, kind string) []byte {
	return []byte("v" + sep + vhost + sep + kind + sep)
}

func entityKey(vhost, kind string, parts ...string) []byte {
	return append(vhostKeyPrefix(vhost, kind), strings.Join(parts, sep)...)
}

func queueEntryPrefix(vhost, queue string) []byte {
	return entityKey(vhost, kindQueueMsg, queue+sep)
}

func queueEntryKey(vhost, queue string, seq uint64) []byte {
	key := queueEntryPrefix(vhost, queue)
	return binary.BigEndian.AppendUint64(key, seq)
}

// BadgerMetadataStore implements MetadataStore on top of a Badger database
type BadgerMetadataStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerMetadataStore opens (or creates) the database at dbPath. An empty path
// opens an in-memory database.
func NewBadgerMetadataStore(dbPath string, syncWrites bool, logger *zap.Logger) (*BadgerMetadataStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(dbPath).
		WithSyncWrites(syncWrites).
		WithLogger(&badgerLogger{logger.Named("badger").Sugar()})
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &BadgerMetadataStore{db: db, logger: logger}, nil
}

func (b *BadgerMetadataStore) Update(fn func(tx interfaces.MetadataTxn) error) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

func (b *BadgerMetadataStore) ListVHosts() ([]string, error) {
	var vhosts []string
	err := b.scan([]byte(vhostPrefix), func(key, _ []byte) error {
		vhosts = append(vhosts, string(key[len(vhostPrefix):]))
		return nil
	})
	sort.Strings(vhosts)
	return vhosts, err
}

func (b *BadgerMetadataStore) ListExchanges(vhost string) ([]*protocol.Exchange, error) {
	var exchanges []*protocol.Exchange
	err := b.scan(vhostKeyPrefix(vhost, kindExchange), func(_, val []byte) error {
		exchange := &protocol.Exchange{}
		if err := protocol.Unmarshal(val, exchange); err != nil {
			return fmt.Errorf("failed to unmarshal exchange: %w", err)
		}
		exchanges = append(exchanges, exchange)
		return nil
	})
	return exchanges, err
}

func (b *BadgerMetadataStore) ListQueues(vhost string) ([]*protocol.Queue, error) {
	var queues []*protocol.Queue
	err := b.scan(vhostKeyPrefix(vhost, kindQueue), func(_, val []byte) error {
		queue := &protocol.Queue{}
		if err := protocol.Unmarshal(val, queue); err != nil {
			return fmt.Errorf("failed to unmarshal queue: %w", err)
		}
		queues = append(queues, queue)
		return nil
	})
	return queues, err
}

func (b *BadgerMetadataStore) ListBindings(vhost string) ([]*protocol.Binding, error) {
	var bindings []*protocol.Binding
	err := b.scan(vhostKeyPrefix(vhost, kindBinding), func(_, val []byte) error {
		binding := &protocol.Binding{}
		if err := protocol.Unmarshal(val, binding); err != nil {
			return fmt.Errorf("failed to unmarshal binding: %w", err)
		}
		bindings = append(bindings, binding)
		return nil
	})
	return bindings, err
}

func (b *BadgerMetadataStore) ListQueueEntries(vhost, queue string) ([]interfaces.QueueEntry, error) {
	prefix := queueEntryPrefix(vhost, queue)
	var entries []interfaces.QueueEntry
	err := b.scan(prefix, func(key, val []byte) error {
		suffix := key[len(prefix):]
		if len(suffix) != seqKeyLength {
			return fmt.Errorf("malformed queue entry key for queue %s", queue)
		}
		entries = append(entries, interfaces.QueueEntry{
			Seq:       binary.BigEndian.Uint64(suffix),
			MessageID: string(val),
		})
		return nil
	})
	return entries, err
}

func (b *BadgerMetadataStore) ListMessageIndexes(vhost string) ([]*protocol.MessageIndex, error) {
	var indexes []*protocol.MessageIndex
	err := b.scan(vhostKeyPrefix(vhost, kindMsgIndex), func(_, val []byte) error {
		index := &protocol.MessageIndex{}
		if err := protocol.Unmarshal(val, index); err != nil {
			return fmt.Errorf("failed to unmarshal message index: %w", err)
		}
		indexes = append(indexes, index)
		return nil
	})
	return indexes, err
}

// PurgeQueueEntries removes a queue's message references with a write batch, since a
// long queue can exceed the size of a single transaction.
func (b *BadgerMetadataStore) PurgeQueueEntries(vhost, queue string) (int, error) {
	prefix := queueEntryPrefix(vhost, queue)
	total := 0

	for {
		var keys [][]byte
		err := b.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid() && len(keys) < purgeMaxBatch; it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		if len(keys) == 0 {
			return total, nil
		}

		wb := b.db.NewWriteBatch()
		for _, key := range keys {
			if err := wb.Delete(key); err != nil {
				wb.Cancel()
				return total, err
			}
		}
		if err := wb.Flush(); err != nil {
			return total, err
		}
		total += len(keys)
	}
}

func (b *BadgerMetadataStore) Close() error {
	return b.db.Close()
}

func (b *BadgerMetadataStore) scan(prefix []byte, fn func(key, val []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			err := item.Value(func(val []byte) error {
				return fn(key, val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// badgerTxn adapts a badger transaction to MetadataTxn
type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) put(key []byte, v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return t.txn.Set(key, data)
}

func (t *badgerTxn) delete(key []byte) error {
	err := t.txn.Delete(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (t *badgerTxn) PutVHost(vhost string) error {
	return t.txn.Set([]byte(vhostPrefix+vhost), nil)
}

func (t *badgerTxn) PutExchange(vhost string, exchange *protocol.Exchange) error {
	return t.put(entityKey(vhost, kindExchange, exchange.Name), exchange)
}

func (t *badgerTxn) DeleteExchange(vhost, name string) error {
	return t.delete(entityKey(vhost, kindExchange, name))
}

func (t *badgerTxn) PutQueue(vhost string, queue *protocol.Queue) error {
	return t.put(entityKey(vhost, kindQueue, queue.Name), queue)
}

func (t *badgerTxn) DeleteQueue(vhost, name string) error {
	return t.delete(entityKey(vhost, kindQueue, name))
}

func (t *badgerTxn) PutBinding(vhost string, binding *protocol.Binding) error {
	return t.put(entityKey(vhost, kindBinding, binding.Exchange, binding.Queue, binding.Key), binding)
}

func (t *badgerTxn) DeleteBinding(vhost string, binding *protocol.Binding) error {
	return t.delete(entityKey(vhost, kindBinding, binding.Exchange, binding.Queue, binding.Key))
}

func (t *badgerTxn) PutQueueEntry(vhost, queue string, entry interfaces.QueueEntry) error {
	return t.txn.Set(queueEntryKey(vhost, queue, entry.Seq), []byte(entry.MessageID))
}

func (t *badgerTxn) DeleteQueueEntry(vhost, queue string, seq uint64) error {
	return t.delete(queueEntryKey(vhost, queue, seq))
}

func (t *badgerTxn) PutMessageIndex(vhost string, index *protocol.MessageIndex) error {
	return t.put(entityKey(vhost, kindMsgIndex, index.ID), index)
}

func (t *badgerTxn) DeleteMessageIndex(vhost, id string) error {
	return t.delete(entityKey(vhost, kindMsgIndex, id))
}

// badgerLogger routes badger's internal logging to zap
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
