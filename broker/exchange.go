package broker

import (
	"sort"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	mqerrors "github.com/maxpert/mqengine/errors"
	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
)

// builtinExchanges exist in every vhost and are never persisted
var builtinExchanges = []protocol.Exchange{
	{Name: protocol.DefaultExchange, Type: protocol.ExchangeDirect, Durable: true},
	{Name: "amq.direct", Type: protocol.ExchangeDirect, Durable: true},
	{Name: "amq.fanout", Type: protocol.ExchangeFanout, Durable: true},
	{Name: "amq.topic", Type: protocol.ExchangeTopic, Durable: true},
}

func isBuiltinExchange(name string) bool {
	return name == protocol.DefaultExchange || strings.HasPrefix(name, protocol.ReservedPrefix)
}

// ExchangeManager is the exchange registry of a vhost. Callers hold the vhost
// topology lock.
type ExchangeManager struct {
	vhost     string
	metadata  interfaces.MetadataStore
	bindings  *BindingManager
	exchanges map[string]*protocol.Exchange
}

func NewExchangeManager(vhost string, metadata interfaces.MetadataStore, bindings *BindingManager) *ExchangeManager {
	m := &ExchangeManager{
		vhost:     vhost,
		metadata:  metadata,
		bindings:  bindings,
		exchanges: make(map[string]*protocol.Exchange),
	}
	for i := range builtinExchanges {
		exchange := builtinExchanges[i]
		m.exchanges[exchange.Name] = &exchange
	}
	return m
}

// Declare creates an exchange, or succeeds without change when an equivalent one
// exists. It reports whether a new exchange was created.
func (m *ExchangeManager) Declare(exchange *protocol.Exchange) (bool, error) {
	if existing, ok := m.exchanges[exchange.Name]; ok {
		if !existing.Equivalent(exchange) {
			return false, mqerrors.NewAlreadyExists("exchange", exchange.Name, "type, durable, auto-delete or arguments differ")
		}
		return false, nil
	}

	if err := protocol.ValidateName("exchange", exchange.Name); err != nil {
		return false, err
	}
	if isBuiltinExchange(exchange.Name) {
		return false, mqerrors.NewInvalidArgument(exchange.Name,
			"exchange names starting with '"+protocol.ReservedPrefix+"' are reserved")
	}
	switch exchange.Type {
	case protocol.ExchangeDirect, protocol.ExchangeFanout, protocol.ExchangeTopic:
	default:
		return false, mqerrors.NewInvalidArgument(exchange.Name, "unknown exchange type")
	}

	if exchange.Durable {
		err := m.metadata.Update(func(tx interfaces.MetadataTxn) error {
			return tx.PutExchange(m.vhost, exchange)
		})
		if err != nil {
			return false, mqerrors.NewStorageFailure("store exchange", exchange.Name, err)
		}
	}

	m.exchanges[exchange.Name] = exchange
	return true, nil
}

// Remove deletes an exchange and every binding from it in one store transaction.
// With ifUnused an exchange that still has bindings is not removed.
func (m *ExchangeManager) Remove(name string, ifUnused bool) ([]*protocol.Binding, error) {
	exchange, ok := m.exchanges[name]
	if !ok {
		return nil, mqerrors.NewExchangeNotFound(name)
	}
	if isBuiltinExchange(name) {
		return nil, mqerrors.NewInUse("exchange", name, "built-in exchanges cannot be deleted")
	}

	bindings := m.bindings.ForExchange(name)
	if ifUnused && len(bindings) > 0 {
		return nil, mqerrors.NewInUse("exchange", name, "exchange has bindings")
	}

	err := m.metadata.Update(func(tx interfaces.MetadataTxn) error {
		if exchange.Durable {
			if err := tx.DeleteExchange(m.vhost, name); err != nil {
				return err
			}
		}
		return m.bindings.deleteDurable(tx, bindings)
	})
	if err != nil {
		return nil, mqerrors.NewStorageFailure("delete exchange", name, err)
	}

	m.bindings.forget(bindings)
	delete(m.exchanges, name)
	return bindings, nil
}

func (m *ExchangeManager) Get(name string) (*protocol.Exchange, bool) {
	exchange, ok := m.exchanges[name]
	return exchange, ok
}

// List returns every exchange sorted by name, built-ins included.
func (m *ExchangeManager) List() []*protocol.Exchange {
	exchanges := make([]*protocol.Exchange, 0, len(m.exchanges))
	for _, exchange := range m.exchanges {
		exchanges = append(exchanges, exchange)
	}
	sort.Slice(exchanges, func(i, j int) bool { return exchanges[i].Name < exchanges[j].Name })
	return exchanges
}

// restore registers a recovered exchange without writing it back.
func (m *ExchangeManager) restore(exchange *protocol.Exchange) bool {
	if isBuiltinExchange(exchange.Name) {
		return false
	}
	m.exchanges[exchange.Name] = exchange
	return true
}

// NewExchange builds an exchange descriptor from the AMQP type name.
func NewExchange(name, kind string, durable, autoDelete bool, args map[string]string) (*protocol.Exchange, error) {
	if kind == "" {
		kind = amqp.ExchangeDirect
	}
	exchangeType, err := protocol.ParseExchangeType(kind)
	if err != nil {
		return nil, err
	}
	return &protocol.Exchange{
		Name:       name,
		Type:       exchangeType,
		Durable:    durable,
		AutoDelete: autoDelete,
		Arguments:  args,
	}, nil
}
