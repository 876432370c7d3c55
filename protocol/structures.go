package protocol

import (
	"maps"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	mqerrors "github.com/maxpert/mqengine/errors"
)

// ExchangeType selects the routing algorithm of an exchange
type ExchangeType uint8

const (
	ExchangeDirect ExchangeType = iota + 1
	ExchangeFanout
	ExchangeTopic
)

func (t ExchangeType) String() string {
	switch t {
	case ExchangeDirect:
		return amqp.ExchangeDirect
	case ExchangeFanout:
		return amqp.ExchangeFanout
	case ExchangeTopic:
		return amqp.ExchangeTopic
	default:
		return "unknown"
	}
}

// ParseExchangeType maps an AMQP exchange type name to an ExchangeType.
func ParseExchangeType(kind string) (ExchangeType, error) {
	switch kind {
	case amqp.ExchangeDirect:
		return ExchangeDirect, nil
	case amqp.ExchangeFanout:
		return ExchangeFanout, nil
	case amqp.ExchangeTopic:
		return ExchangeTopic, nil
	default:
		return 0, mqerrors.NewInvalidArgument(kind, "unknown exchange type '"+kind+"'")
	}
}

// DeliveryMode uses the AMQP basic.properties values
type DeliveryMode uint8

const (
	Transient  = DeliveryMode(amqp.Transient)
	Persistent = DeliveryMode(amqp.Persistent)
)

// Exchange describes a declared exchange
type Exchange struct {
	Name       string            `cbor:"1,keyasint"`
	Type       ExchangeType      `cbor:"2,keyasint"`
	Durable    bool              `cbor:"3,keyasint"`
	AutoDelete bool              `cbor:"4,keyasint"`
	Arguments  map[string]string `cbor:"5,keyasint,omitempty"`
}

// Equivalent reports whether a redeclare of e with other's parameters is a no-op.
func (e *Exchange) Equivalent(other *Exchange) bool {
	return e.Type == other.Type &&
		e.Durable == other.Durable &&
		e.AutoDelete == other.AutoDelete &&
		argumentsEqual(e.Arguments, other.Arguments)
}

// Queue describes a declared queue. The live queue state is owned by the broker.
type Queue struct {
	Name       string            `cbor:"1,keyasint"`
	Durable    bool              `cbor:"2,keyasint"`
	Exclusive  bool              `cbor:"3,keyasint"`
	AutoDelete bool              `cbor:"4,keyasint"`
	Arguments  map[string]string `cbor:"5,keyasint,omitempty"`
}

func (q *Queue) Equivalent(other *Queue) bool {
	return q.Durable == other.Durable &&
		q.Exclusive == other.Exclusive &&
		q.AutoDelete == other.AutoDelete &&
		argumentsEqual(q.Arguments, other.Arguments)
}

// Binding links an exchange to a queue under a binding key
type Binding struct {
	Exchange string `cbor:"1,keyasint"`
	Queue    string `cbor:"2,keyasint"`
	Key      string `cbor:"3,keyasint"`
	Durable  bool   `cbor:"4,keyasint"`
}

// Properties carries the delivery mode and application headers of a message
type Properties struct {
	DeliveryMode DeliveryMode      `cbor:"1,keyasint"`
	Headers      map[string]string `cbor:"2,keyasint,omitempty"`
}

// Persistent reports whether the message body must survive a restart.
func (p Properties) Persistent() bool {
	return p.DeliveryMode == Persistent
}

// Message is a published message. Body and Properties are immutable once created.
type Message struct {
	ID         string     `cbor:"1,keyasint"`
	Exchange   string     `cbor:"2,keyasint"`
	RoutingKey string     `cbor:"3,keyasint"`
	Properties Properties `cbor:"4,keyasint"`
	Body       []byte     `cbor:"5,keyasint"`
	Timestamp  int64      `cbor:"6,keyasint"`
}

// MessageIndex is the metadata record of a persisted message
type MessageIndex struct {
	ID      string   `cbor:"1,keyasint"`
	Durable bool     `cbor:"2,keyasint"`
	Queues  []string `cbor:"3,keyasint"`
}

// RecoveryStats tracks statistics during vhost recovery
type RecoveryStats struct {
	ExchangesRecovered int           `json:"exchanges_recovered"`
	QueuesRecovered    int           `json:"queues_recovered"`
	BindingsRecovered  int           `json:"bindings_recovered"`
	MessagesRecovered  int           `json:"messages_recovered"`
	OrphansRemoved     int           `json:"orphans_removed"`
	Duration           time.Duration `json:"duration"`
}

func argumentsEqual(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return maps.Equal(a, b)
}
