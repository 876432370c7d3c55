package errors

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Kind classifies broker failures independently of the reply code sent to clients.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidArgument
	KindInUse
	KindStorageFailure
	KindConnectionLost
	KindInvalidDeliveryTag
	KindChannelClosed
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindNotFound:           "not-found",
	KindAlreadyExists:      "already-exists",
	KindInvalidArgument:    "invalid-argument",
	KindInUse:              "in-use",
	KindStorageFailure:     "storage-failure",
	KindConnectionLost:     "connection-lost",
	KindInvalidDeliveryTag: "invalid-delivery-tag",
	KindChannelClosed:      "channel-closed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Reply codes (AMQP 0.9.1), re-exported so callers do not import the client library.
const (
	NotFound           = amqp.NotFound
	ResourceLocked     = amqp.ResourceLocked
	PreconditionFailed = amqp.PreconditionFailed
	ConnectionForced   = amqp.ConnectionForced
	SyntaxError        = amqp.SyntaxError
	ChannelErrorCode   = amqp.ChannelError
	ResourceError      = amqp.ResourceError
	InternalError      = amqp.InternalError
	NoRoute            = amqp.NoRoute
)

// codeForKind is the reply code reported for each kind unless a constructor overrides it.
var codeForKind = map[Kind]int{
	KindUnknown:            InternalError,
	KindNotFound:           NotFound,
	KindAlreadyExists:      PreconditionFailed,
	KindInvalidArgument:    SyntaxError,
	KindInUse:              ResourceLocked,
	KindStorageFailure:     InternalError,
	KindConnectionLost:     ConnectionForced,
	KindInvalidDeliveryTag: PreconditionFailed,
	KindChannelClosed:      ChannelErrorCode,
}

// AMQPError is the single error type returned by broker operations
type AMQPError struct {
	Kind     Kind   `json:"kind"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Method   string `json:"method,omitempty"`
	Resource string `json:"resource,omitempty"`
	Cause    error  `json:"cause,omitempty"`
}

func (e *AMQPError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Method != "" {
		return fmt.Sprintf("AMQP Error %d in %s: %s", e.Code, e.Method, msg)
	}
	return fmt.Sprintf("AMQP Error %d: %s", e.Code, msg)
}

func (e *AMQPError) Unwrap() error {
	return e.Cause
}

// Is reports kind equality so sentinels like ErrNotFound work with errors.Is.
func (e *AMQPError) Is(target error) bool {
	t, ok := target.(*AMQPError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// WithMethod records the protocol method that failed.
func (e *AMQPError) WithMethod(method string) *AMQPError {
	e.Method = method
	return e
}

// Sentinels for errors.Is comparisons; they only match on kind.
var (
	ErrNotFound           = &AMQPError{Kind: KindNotFound}
	ErrAlreadyExists      = &AMQPError{Kind: KindAlreadyExists}
	ErrInvalidArgument    = &AMQPError{Kind: KindInvalidArgument}
	ErrInUse              = &AMQPError{Kind: KindInUse}
	ErrStorageFailure     = &AMQPError{Kind: KindStorageFailure}
	ErrConnectionLost     = &AMQPError{Kind: KindConnectionLost}
	ErrInvalidDeliveryTag = &AMQPError{Kind: KindInvalidDeliveryTag}
	ErrChannelClosed      = &AMQPError{Kind: KindChannelClosed}
)

func newError(kind Kind, resource, message string, cause error) *AMQPError {
	return &AMQPError{
		Kind:     kind,
		Code:     codeForKind[kind],
		Message:  message,
		Resource: resource,
		Cause:    cause,
	}
}

func NewExchangeNotFound(name string) *AMQPError {
	return newError(KindNotFound, name, fmt.Sprintf("exchange '%s' not found", name), nil)
}

func NewQueueNotFound(name string) *AMQPError {
	return newError(KindNotFound, name, fmt.Sprintf("queue '%s' not found", name), nil)
}

func NewVHostNotFound(name string) *AMQPError {
	return newError(KindNotFound, name, fmt.Sprintf("vhost '%s' not found", name), nil)
}

func NewBindingNotFound(exchange, queue, key string) *AMQPError {
	resource := exchange + "->" + queue
	return newError(KindNotFound, resource,
		fmt.Sprintf("binding '%s' -> '%s' with key '%s' not found", exchange, queue, key), nil)
}

func NewConsumerNotFound(tag string) *AMQPError {
	return newError(KindNotFound, tag, fmt.Sprintf("consumer '%s' not found", tag), nil)
}

func NewChannelNotFound(channelID uint16) *AMQPError {
	return newError(KindNotFound, fmt.Sprint(channelID), fmt.Sprintf("channel %d not found", channelID), nil)
}

func NewMessageNotFound(id string) *AMQPError {
	return newError(KindNotFound, id, fmt.Sprintf("message '%s' not found", id), nil)
}

// NewAlreadyExists reports a declare whose parameters conflict with the existing entity.
func NewAlreadyExists(kind, name, reason string) *AMQPError {
	return newError(KindAlreadyExists, name,
		fmt.Sprintf("%s '%s' already exists with different parameters: %s", kind, name, reason), nil)
}

func NewConsumerTagInUse(tag, queue string) *AMQPError {
	return newError(KindAlreadyExists, tag,
		fmt.Sprintf("consumer tag '%s' already in use on queue '%s'", tag, queue), nil)
}

func NewChannelAlreadyOpen(channelID uint16) *AMQPError {
	return newError(KindAlreadyExists, fmt.Sprint(channelID), fmt.Sprintf("channel %d already open", channelID), nil)
}

func NewInvalidArgument(resource, reason string) *AMQPError {
	return newError(KindInvalidArgument, resource, reason, nil)
}

func NewInUse(kind, name, reason string) *AMQPError {
	return newError(KindInUse, name, fmt.Sprintf("%s '%s' is in use: %s", kind, name, reason), nil)
}

// NewStorageFailure wraps a persistence error; the operation that produced it did not
// change in-memory state.
func NewStorageFailure(operation, resource string, cause error) *AMQPError {
	err := newError(KindStorageFailure, resource,
		fmt.Sprintf("storage failure during %s on %s", operation, resource), cause)
	err.Code = ResourceError
	return err
}

func NewConnectionLost(connectionID string, cause error) *AMQPError {
	return newError(KindConnectionLost, connectionID,
		fmt.Sprintf("connection %s lost", connectionID), cause)
}

func NewInvalidDeliveryTag(tag uint64) *AMQPError {
	return newError(KindInvalidDeliveryTag, fmt.Sprint(tag), fmt.Sprintf("unknown delivery tag %d", tag), nil)
}

func NewChannelClosed(channelID uint16) *AMQPError {
	return newError(KindChannelClosed, fmt.Sprint(channelID), fmt.Sprintf("channel %d is not open", channelID), nil)
}

// KindOf returns the kind of the first AMQPError in err's chain.
func KindOf(err error) Kind {
	var amqpErr *AMQPError
	if errors.As(err, &amqpErr) {
		return amqpErr.Kind
	}
	return KindUnknown
}

// GetErrorCode returns the AMQP reply code if the error is an AMQPError
func GetErrorCode(err error) int {
	var amqpErr *AMQPError
	if errors.As(err, &amqpErr) {
		return amqpErr.Code
	}
	return 0
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func IsAlreadyExists(err error) bool {
	return KindOf(err) == KindAlreadyExists
}

func IsInvalidArgument(err error) bool {
	return KindOf(err) == KindInvalidArgument
}

func IsInUse(err error) bool {
	return KindOf(err) == KindInUse
}

func IsStorageFailure(err error) bool {
	return KindOf(err) == KindStorageFailure
}

func IsInvalidDeliveryTag(err error) bool {
	return KindOf(err) == KindInvalidDeliveryTag
}
