package protocol

import "fmt"

// MethodID identifies the logical request or response carried by a frame
type MethodID byte

const (
	MethodOpenChannel MethodID = iota + 1
	MethodCloseChannel
	MethodDeclareExchange
	MethodDeleteExchange
	MethodDeclareQueue
	MethodDeleteQueue
	MethodQueueBind
	MethodQueueUnbind
	MethodBasicPublish
	MethodBasicConsume
	MethodBasicCancel
	MethodBasicAck
	MethodBasicNack

	MethodBasicResponse MethodID = 0x40
	MethodBasicDeliver  MethodID = 0x41
)

var methodNames = map[MethodID]string{
	MethodOpenChannel:     "channel.open",
	MethodCloseChannel:    "channel.close",
	MethodDeclareExchange: "exchange.declare",
	MethodDeleteExchange:  "exchange.delete",
	MethodDeclareQueue:    "queue.declare",
	MethodDeleteQueue:     "queue.delete",
	MethodQueueBind:       "queue.bind",
	MethodQueueUnbind:     "queue.unbind",
	MethodBasicPublish:    "basic.publish",
	MethodBasicConsume:    "basic.consume",
	MethodBasicCancel:     "basic.cancel",
	MethodBasicAck:        "basic.ack",
	MethodBasicNack:       "basic.nack",
	MethodBasicResponse:   "basic.response",
	MethodBasicDeliver:    "basic.deliver",
}

func (m MethodID) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("method(%d)", byte(m))
}

// Request is implemented by every client to broker request
type Request interface {
	Method() MethodID
	Header() *RequestHeader
}

// RequestHeader is the correlation envelope shared by all requests
type RequestHeader struct {
	RequestID string `cbor:"rid"`
	ChannelID uint16 `cbor:"cid"`
}

func (h *RequestHeader) Header() *RequestHeader { return h }

// OpenChannelRequest opens a channel on a virtual host; an empty VHost selects
// the server default.
type OpenChannelRequest struct {
	RequestHeader
	VHost string `cbor:"vhost,omitempty"`
}

type CloseChannelRequest struct {
	RequestHeader
}

type DeclareExchangeRequest struct {
	RequestHeader
	Exchange   string            `cbor:"exchange"`
	Type       string            `cbor:"type"`
	Durable    bool              `cbor:"durable"`
	AutoDelete bool              `cbor:"auto_delete"`
	Args       map[string]string `cbor:"args,omitempty"`
}

type DeleteExchangeRequest struct {
	RequestHeader
	Exchange string `cbor:"exchange"`
	IfUnused bool   `cbor:"if_unused"`
}

type DeclareQueueRequest struct {
	RequestHeader
	Queue      string            `cbor:"queue"`
	Durable    bool              `cbor:"durable"`
	Exclusive  bool              `cbor:"exclusive"`
	AutoDelete bool              `cbor:"auto_delete"`
	Args       map[string]string `cbor:"args,omitempty"`
}

type DeleteQueueRequest struct {
	RequestHeader
	Queue    string `cbor:"queue"`
	IfUnused bool   `cbor:"if_unused"`
	IfEmpty  bool   `cbor:"if_empty"`
}

type QueueBindRequest struct {
	RequestHeader
	Exchange   string `cbor:"exchange"`
	Queue      string `cbor:"queue"`
	BindingKey string `cbor:"binding_key"`
}

type QueueUnbindRequest struct {
	RequestHeader
	Exchange   string `cbor:"exchange"`
	Queue      string `cbor:"queue"`
	BindingKey string `cbor:"binding_key"`
}

// BasicPublishRequest publishes one message. Confirm asks for a BasicResponse even
// when publisher confirms are disabled server-wide.
type BasicPublishRequest struct {
	RequestHeader
	Exchange   string     `cbor:"exchange"`
	RoutingKey string     `cbor:"routing_key"`
	Properties Properties `cbor:"properties"`
	Body       []byte     `cbor:"body"`
	Confirm    bool       `cbor:"confirm,omitempty"`
}

type BasicConsumeRequest struct {
	RequestHeader
	Queue       string `cbor:"queue"`
	ConsumerTag string `cbor:"consumer_tag,omitempty"`
	AutoAck     bool   `cbor:"auto_ack"`
	Prefetch    int    `cbor:"prefetch,omitempty"`
}

type BasicCancelRequest struct {
	RequestHeader
	ConsumerTag string `cbor:"consumer_tag"`
}

// BasicAckRequest acknowledges one delivery, or with Multiple every outstanding
// delivery on the channel up to and including DeliveryTag.
type BasicAckRequest struct {
	RequestHeader
	DeliveryTag uint64 `cbor:"delivery_tag"`
	Multiple    bool   `cbor:"multiple,omitempty"`
}

type BasicNackRequest struct {
	RequestHeader
	DeliveryTag uint64 `cbor:"delivery_tag"`
	Multiple    bool   `cbor:"multiple,omitempty"`
	Requeue     bool   `cbor:"requeue"`
}

func (*OpenChannelRequest) Method() MethodID     { return MethodOpenChannel }
func (*CloseChannelRequest) Method() MethodID    { return MethodCloseChannel }
func (*DeclareExchangeRequest) Method() MethodID { return MethodDeclareExchange }
func (*DeleteExchangeRequest) Method() MethodID  { return MethodDeleteExchange }
func (*DeclareQueueRequest) Method() MethodID    { return MethodDeclareQueue }
func (*DeleteQueueRequest) Method() MethodID     { return MethodDeleteQueue }
func (*QueueBindRequest) Method() MethodID       { return MethodQueueBind }
func (*QueueUnbindRequest) Method() MethodID     { return MethodQueueUnbind }
func (*BasicPublishRequest) Method() MethodID    { return MethodBasicPublish }
func (*BasicConsumeRequest) Method() MethodID    { return MethodBasicConsume }
func (*BasicCancelRequest) Method() MethodID     { return MethodBasicCancel }
func (*BasicAckRequest) Method() MethodID        { return MethodBasicAck }
func (*BasicNackRequest) Method() MethodID       { return MethodBasicNack }

// BasicResponse answers a request. Reason and Code are set when OK is false, and
// Reason may also carry an informational note such as "unroutable".
type BasicResponse struct {
	RequestID   string `cbor:"rid"`
	ChannelID   uint16 `cbor:"cid"`
	OK          bool   `cbor:"ok"`
	Reason      string `cbor:"reason,omitempty"`
	Code        int    `cbor:"code,omitempty"`
	ConsumerTag string `cbor:"consumer_tag,omitempty"`
}

// BasicConsumeResponse is pushed to the channel for every delivery
type BasicConsumeResponse struct {
	ChannelID   uint16     `cbor:"cid"`
	ConsumerTag string     `cbor:"consumer_tag"`
	DeliveryTag uint64     `cbor:"delivery_tag"`
	Redelivered bool       `cbor:"redelivered"`
	MessageID   string     `cbor:"message_id"`
	Exchange    string     `cbor:"exchange"`
	RoutingKey  string     `cbor:"routing_key"`
	Properties  Properties `cbor:"properties"`
	Body        []byte     `cbor:"body"`
}
