package broker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	mqerrors "github.com/maxpert/mqengine/errors"
	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
)

// recoveryManager rebuilds the durable state of one vhost from the store. It
// runs before the vhost is reachable, so it touches managers without the
// topology lock.
type recoveryManager struct {
	vhost  *VirtualHost
	logger *zap.Logger
	stats  protocol.RecoveryStats

	// message id -> index record, filled by the message step
	indexed map[string]*protocol.MessageIndex
}

func newRecoveryManager(vhost *VirtualHost) *recoveryManager {
	return &recoveryManager{vhost: vhost, logger: vhost.logger}
}

// perform runs every recovery step in order and records the stats on the vhost
func (r *recoveryManager) perform() error {
	start := time.Now()

	steps := []struct {
		name string
		run  func() error
	}{
		{"exchanges", r.recoverExchanges},
		{"queues", r.recoverQueues},
		{"bindings", r.recoverBindings},
		{"messages", r.recoverMessages},
		{"bodies", r.sweepBodies},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("%s recovery failed: %w", step.name, err)
		}
	}

	for _, queue := range r.vhost.queues.List() {
		queue.mutex.Lock()
		queue.reportLocked()
		queue.mutex.Unlock()
	}

	r.stats.Duration = time.Since(start)
	r.vhost.stats = r.stats
	r.vhost.metrics.RecordRecovery(r.vhost.name, r.stats.Duration.Seconds())
	r.logger.Info("Virtual host recovered",
		zap.Int("exchanges", r.stats.ExchangesRecovered),
		zap.Int("queues", r.stats.QueuesRecovered),
		zap.Int("bindings", r.stats.BindingsRecovered),
		zap.Int("messages", r.stats.MessagesRecovered),
		zap.Int("orphans_removed", r.stats.OrphansRemoved),
		zap.Duration("duration", r.stats.Duration))
	return nil
}

func (r *recoveryManager) recoverExchanges() error {
	v := r.vhost
	exchanges, err := v.metadata.ListExchanges(v.name)
	if err != nil {
		return mqerrors.NewStorageFailure("list exchanges", v.name, err)
	}
	for _, exchange := range exchanges {
		if v.exchanges.restore(exchange) {
			r.stats.ExchangesRecovered++
		}
	}
	return nil
}

func (r *recoveryManager) recoverQueues() error {
	v := r.vhost
	queues, err := v.metadata.ListQueues(v.name)
	if err != nil {
		return mqerrors.NewStorageFailure("list queues", v.name, err)
	}
	for _, desc := range queues {
		v.queues.restore(*desc)
		r.stats.QueuesRecovered++
	}
	return nil
}

// recoverBindings restores bindings whose exchange and queue both came back and
// deletes the rest.
func (r *recoveryManager) recoverBindings() error {
	v := r.vhost
	bindings, err := v.metadata.ListBindings(v.name)
	if err != nil {
		return mqerrors.NewStorageFailure("list bindings", v.name, err)
	}

	var stale []*protocol.Binding
	for _, binding := range bindings {
		_, exchangeOK := v.exchanges.Get(binding.Exchange)
		_, queueOK := v.queues.Get(binding.Queue)
		if !exchangeOK || !queueOK {
			stale = append(stale, binding)
			continue
		}
		v.bindings.add(binding)
		r.stats.BindingsRecovered++
	}
	if len(stale) == 0 {
		return nil
	}

	err = v.metadata.Update(func(tx interfaces.MetadataTxn) error {
		return v.bindings.deleteDurable(tx, stale)
	})
	if err != nil {
		return mqerrors.NewStorageFailure("delete stale bindings", v.name, err)
	}
	r.stats.OrphansRemoved += len(stale)
	return nil
}

// recoverMessages refills every queue in parallel, then adopts the reference
// counts and deletes index records no queue entry points at.
func (r *recoveryManager) recoverMessages() error {
	v := r.vhost
	indexes, err := v.metadata.ListMessageIndexes(v.name)
	if err != nil {
		return mqerrors.NewStorageFailure("list message indexes", v.name, err)
	}
	r.indexed = make(map[string]*protocol.MessageIndex, len(indexes))
	for _, index := range indexes {
		r.indexed[index.ID] = index
	}

	loader := &bodyLoader{messages: v.messages, cache: make(map[string]*protocol.Message)}
	var countMutex sync.Mutex
	counts := make(map[string]int)

	group := errgroup.Group{}
	if v.recoveryWorkers > 0 {
		group.SetLimit(v.recoveryWorkers)
	}
	for _, queue := range v.queues.List() {
		group.Go(func() error {
			restored, dropped, err := r.recoverQueue(queue, loader)
			if err != nil {
				return err
			}
			countMutex.Lock()
			defer countMutex.Unlock()
			for id, n := range restored {
				counts[id] += n
			}
			r.stats.OrphansRemoved += dropped
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	var unreferenced []string
	for id := range r.indexed {
		if n := counts[id]; n > 0 {
			v.messages.adopt(id, n)
			r.stats.MessagesRecovered++
		} else {
			unreferenced = append(unreferenced, id)
		}
	}
	if len(unreferenced) == 0 {
		return nil
	}

	err = v.metadata.Update(func(tx interfaces.MetadataTxn) error {
		for _, id := range unreferenced {
			if err := tx.DeleteMessageIndex(v.name, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mqerrors.NewStorageFailure("delete message indexes", v.name, err)
	}
	r.stats.OrphansRemoved += len(unreferenced)
	return nil
}

// recoverQueue refills one queue from its persisted entries. Entries without an
// index record or a readable body are deleted. It returns the restored reference
// count per message id and the number of entries dropped.
func (r *recoveryManager) recoverQueue(queue *Queue, loader *bodyLoader) (map[string]int, int, error) {
	v := r.vhost
	entries, err := v.metadata.ListQueueEntries(v.name, queue.Name())
	if err != nil {
		return nil, 0, mqerrors.NewStorageFailure("list queue entries", queue.Name(), err)
	}

	restored := make(map[string]int)
	var dropped []uint64
	for _, entry := range entries {
		if _, ok := r.indexed[entry.MessageID]; !ok {
			dropped = append(dropped, entry.Seq)
			continue
		}
		message, err := loader.load(entry.MessageID)
		if err != nil {
			r.logger.Warn("Dropping queue entry with unreadable body",
				zap.String("queue", queue.Name()),
				zap.String("message_id", entry.MessageID),
				zap.Error(err))
			dropped = append(dropped, entry.Seq)
			continue
		}
		queue.restore(entry.Seq, message)
		restored[entry.MessageID]++
	}

	if len(dropped) > 0 {
		err := v.metadata.Update(func(tx interfaces.MetadataTxn) error {
			for _, seq := range dropped {
				if err := tx.DeleteQueueEntry(v.name, queue.Name(), seq); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, 0, mqerrors.NewStorageFailure("delete orphan queue entries", queue.Name(), err)
		}
	}
	return restored, len(dropped), nil
}

// sweepBodies removes temp files and committed bodies no live message owns
func (r *recoveryManager) sweepBodies() error {
	v := r.vhost
	removed, err := v.bodies.Recover(v.messages.known)
	if err != nil {
		return mqerrors.NewStorageFailure("recover message bodies", v.name, err)
	}
	r.stats.OrphansRemoved += removed
	return nil
}

// bodyLoader reads each recovered body once, however many queues reference it.
type bodyLoader struct {
	messages *MessageManager
	group    singleflight.Group

	mutex sync.Mutex
	cache map[string]*protocol.Message
}

func (l *bodyLoader) load(id string) (*protocol.Message, error) {
	l.mutex.Lock()
	message, ok := l.cache[id]
	l.mutex.Unlock()
	if ok {
		return message, nil
	}

	value, err, _ := l.group.Do(id, func() (any, error) {
		message, err := l.messages.Load(id)
		if err != nil {
			return nil, err
		}
		l.mutex.Lock()
		l.cache[id] = message
		l.mutex.Unlock()
		return message, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*protocol.Message), nil
}
