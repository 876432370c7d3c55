package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding keeps stored records and frames byte-stable.
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxMapPairs: 1 << 16}).DecMode(); err != nil {
		panic(err)
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func newMessageFor(method MethodID) (any, error) {
	switch method {
	case MethodOpenChannel:
		return &OpenChannelRequest{}, nil
	case MethodCloseChannel:
		return &CloseChannelRequest{}, nil
	case MethodDeclareExchange:
		return &DeclareExchangeRequest{}, nil
	case MethodDeleteExchange:
		return &DeleteExchangeRequest{}, nil
	case MethodDeclareQueue:
		return &DeclareQueueRequest{}, nil
	case MethodDeleteQueue:
		return &DeleteQueueRequest{}, nil
	case MethodQueueBind:
		return &QueueBindRequest{}, nil
	case MethodQueueUnbind:
		return &QueueUnbindRequest{}, nil
	case MethodBasicPublish:
		return &BasicPublishRequest{}, nil
	case MethodBasicConsume:
		return &BasicConsumeRequest{}, nil
	case MethodBasicCancel:
		return &BasicCancelRequest{}, nil
	case MethodBasicAck:
		return &BasicAckRequest{}, nil
	case MethodBasicNack:
		return &BasicNackRequest{}, nil
	case MethodBasicResponse:
		return &BasicResponse{}, nil
	case MethodBasicDeliver:
		return &BasicConsumeResponse{}, nil
	default:
		return nil, fmt.Errorf("unknown method id %d", byte(method))
	}
}

// EncodeRequest wraps a request into a frame on the request's channel.
func EncodeRequest(req Request) (*Frame, error) {
	return encodeFrame(req.Method(), req.Header().ChannelID, req)
}

// EncodeResponse wraps a response into a frame on the response's channel.
func EncodeResponse(resp *BasicResponse) (*Frame, error) {
	return encodeFrame(MethodBasicResponse, resp.ChannelID, resp)
}

// EncodeDelivery wraps a pushed delivery into a frame.
func EncodeDelivery(delivery *BasicConsumeResponse) (*Frame, error) {
	return encodeFrame(MethodBasicDeliver, delivery.ChannelID, delivery)
}

func encodeFrame(method MethodID, channel uint16, v any) (*Frame, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", method, err)
	}
	return &Frame{
		Type:    byte(method),
		Channel: channel,
		Size:    uint32(len(payload)),
		Payload: payload,
	}, nil
}

// DecodeFrame decodes a frame payload into the message type named by its method id.
// The channel id in the frame header wins over the one in the payload.
func DecodeFrame(frame *Frame) (any, error) {
	method := MethodID(frame.Type)
	msg, err := newMessageFor(method)
	if err != nil {
		return nil, err
	}
	if err := decMode.Unmarshal(frame.Payload, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", method, err)
	}

	switch m := msg.(type) {
	case Request:
		m.Header().ChannelID = frame.Channel
	case *BasicResponse:
		m.ChannelID = frame.Channel
	case *BasicConsumeResponse:
		m.ChannelID = frame.Channel
	}
	return msg, nil
}

// DecodeRequest decodes a client frame; response frames are rejected.
func DecodeRequest(frame *Frame) (Request, error) {
	msg, err := DecodeFrame(frame)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(Request)
	if !ok {
		return nil, fmt.Errorf("%s is not a request", MethodID(frame.Type))
	}
	return req, nil
}
