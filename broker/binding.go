package broker

import (
	"sort"

	mqerrors "github.com/maxpert/mqengine/errors"
	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
)

type bindingID struct {
	exchange, queue, key string
}

func idOf(b *protocol.Binding) bindingID {
	return bindingID{b.Exchange, b.Queue, b.Key}
}

// BindingManager is the binding table of a vhost. Callers hold the vhost topology
// lock. Per-exchange slices are replaced, never mutated, so a slice handed to Route
// stays valid after the lock is released.
type BindingManager struct {
	vhost      string
	metadata   interfaces.MetadataStore
	index      map[bindingID]*protocol.Binding
	byExchange map[string][]*protocol.Binding
	byQueue    map[string][]*protocol.Binding
}

func NewBindingManager(vhost string, metadata interfaces.MetadataStore) *BindingManager {
	return &BindingManager{
		vhost:      vhost,
		metadata:   metadata,
		index:      make(map[bindingID]*protocol.Binding),
		byExchange: make(map[string][]*protocol.Binding),
		byQueue:    make(map[string][]*protocol.Binding),
	}
}

// Declare binds queue to exchange with key. The binding is durable when both ends
// are; re-binding an identical triple is a no-op. It reports whether a binding was added.
func (m *BindingManager) Declare(exchange *protocol.Exchange, queue *Queue, key string) (bool, error) {
	if exchange.Name == protocol.DefaultExchange {
		return false, mqerrors.NewInvalidArgument(exchange.Name, "the default exchange cannot be bound explicitly")
	}
	if err := protocol.ValidateBindingKey(exchange.Type, key); err != nil {
		return false, err
	}

	binding := &protocol.Binding{
		Exchange: exchange.Name,
		Queue:    queue.Name(),
		Key:      key,
		Durable:  exchange.Durable && queue.desc.Durable,
	}
	if _, ok := m.index[idOf(binding)]; ok {
		return false, nil
	}

	if binding.Durable && queue.persisted() {
		err := m.metadata.Update(func(tx interfaces.MetadataTxn) error {
			return tx.PutBinding(m.vhost, binding)
		})
		if err != nil {
			return false, mqerrors.NewStorageFailure("store binding", exchange.Name+"->"+queue.Name(), err)
		}
	}

	m.add(binding)
	return true, nil
}

// Remove deletes one binding.
func (m *BindingManager) Remove(exchange, queue, key string) (*protocol.Binding, error) {
	binding, ok := m.index[bindingID{exchange, queue, key}]
	if !ok {
		return nil, mqerrors.NewBindingNotFound(exchange, queue, key)
	}

	bindings := []*protocol.Binding{binding}
	err := m.metadata.Update(func(tx interfaces.MetadataTxn) error {
		return m.deleteDurable(tx, bindings)
	})
	if err != nil {
		return nil, mqerrors.NewStorageFailure("delete binding", exchange+"->"+queue, err)
	}

	m.forget(bindings)
	return binding, nil
}

func (m *BindingManager) Get(exchange, queue, key string) (*protocol.Binding, bool) {
	binding, ok := m.index[bindingID{exchange, queue, key}]
	return binding, ok
}

// List returns every binding ordered by exchange, queue and key.
func (m *BindingManager) List() []*protocol.Binding {
	bindings := make([]*protocol.Binding, 0, len(m.index))
	for _, binding := range m.index {
		bindings = append(bindings, binding)
	}
	sort.Slice(bindings, func(i, j int) bool {
		a, b := bindings[i], bindings[j]
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		if a.Queue != b.Queue {
			return a.Queue < b.Queue
		}
		return a.Key < b.Key
	})
	return bindings
}

// ForExchange returns the bindings whose source is exchange.
func (m *BindingManager) ForExchange(exchange string) []*protocol.Binding {
	return m.byExchange[exchange]
}

// ForQueue returns the bindings whose destination is queue.
func (m *BindingManager) ForQueue(queue string) []*protocol.Binding {
	return m.byQueue[queue]
}

func (m *BindingManager) add(binding *protocol.Binding) {
	m.index[idOf(binding)] = binding
	m.byExchange[binding.Exchange] = appendCopy(m.byExchange[binding.Exchange], binding)
	m.byQueue[binding.Queue] = appendCopy(m.byQueue[binding.Queue], binding)
}

// deleteDurable removes the stored records of bindings inside tx.
func (m *BindingManager) deleteDurable(tx interfaces.MetadataTxn, bindings []*protocol.Binding) error {
	for _, binding := range bindings {
		if !binding.Durable {
			continue
		}
		if err := tx.DeleteBinding(m.vhost, binding); err != nil {
			return err
		}
	}
	return nil
}

// forget drops bindings from memory once their removal is committed.
func (m *BindingManager) forget(bindings []*protocol.Binding) {
	for _, binding := range bindings {
		id := idOf(binding)
		if _, ok := m.index[id]; !ok {
			continue
		}
		delete(m.index, id)
		m.byExchange[binding.Exchange] = removeCopy(m.byExchange[binding.Exchange], id)
		m.byQueue[binding.Queue] = removeCopy(m.byQueue[binding.Queue], id)
		if len(m.byExchange[binding.Exchange]) == 0 {
			delete(m.byExchange, binding.Exchange)
		}
		if len(m.byQueue[binding.Queue]) == 0 {
			delete(m.byQueue, binding.Queue)
		}
	}
}

func appendCopy(bindings []*protocol.Binding, binding *protocol.Binding) []*protocol.Binding {
	out := make([]*protocol.Binding, len(bindings), len(bindings)+1)
	copy(out, bindings)
	return append(out, binding)
}

func removeCopy(bindings []*protocol.Binding, id bindingID) []*protocol.Binding {
	out := make([]*protocol.Binding, 0, len(bindings))
	for _, binding := range bindings {
		if idOf(binding) != id {
			out = append(out, binding)
		}
	}
	return out
}
