package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestCodec(t *testing.T) {
	requests := []Request{
		&OpenChannelRequest{RequestHeader: RequestHeader{RequestID: "r1", ChannelID: 1}},
		&DeclareExchangeRequest{
			RequestHeader: RequestHeader{RequestID: "r2", ChannelID: 1},
			Exchange:      "logs",
			Type:          "topic",
			Durable:       true,
			Args:          map[string]string{"alternate": "none"},
		},
		&BasicPublishRequest{
			RequestHeader: RequestHeader{RequestID: "r3", ChannelID: 4},
			Exchange:      "logs",
			RoutingKey:    "app.error",
			Properties:    Properties{DeliveryMode: Persistent, Headers: map[string]string{"k": "v"}},
			Body:          []byte("payload"),
			Confirm:       true,
		},
		&BasicNackRequest{RequestHeader: RequestHeader{RequestID: "r4", ChannelID: 2}, DeliveryTag: 99, Requeue: true},
	}

	for _, req := range requests {
		t.Run(req.Method().String(), func(t *testing.T) {
			frame, err := EncodeRequest(req)
			require.NoError(t, err)
			assert.Equal(t, byte(req.Method()), frame.Type)
			assert.Equal(t, req.Header().ChannelID, frame.Channel)

			decoded, err := DecodeRequest(frame)
			require.NoError(t, err)
			assert.Equal(t, req, decoded)
		})
	}
}

func TestResponseCodec(t *testing.T) {
	resp := &BasicResponse{RequestID: "r1", ChannelID: 3, OK: false, Reason: "queue 'x' not found", Code: 404}
	frame, err := EncodeResponse(resp)
	require.NoError(t, err)

	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)

	_, err = DecodeRequest(frame)
	assert.Error(t, err)
}

func TestDeliveryCodec(t *testing.T) {
	delivery := &BasicConsumeResponse{
		ChannelID:   5,
		ConsumerTag: "ctag-1",
		DeliveryTag: 12,
		Redelivered: true,
		MessageID:   "m1",
		Exchange:    "bcast",
		RoutingKey:  "",
		Properties:  Properties{DeliveryMode: Transient},
		Body:        []byte{0, 1, 2},
	}
	frame, err := EncodeDelivery(delivery)
	require.NoError(t, err)

	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, delivery, decoded)
}

func TestDecodeUnknownMethod(t *testing.T) {
	_, err := DecodeFrame(&Frame{Type: 0x7f, Payload: []byte{0xa0}})
	assert.Error(t, err)
}

func TestHeaderChannelComesFromFrame(t *testing.T) {
	frame, err := EncodeRequest(&BasicAckRequest{RequestHeader: RequestHeader{RequestID: "a", ChannelID: 1}, DeliveryTag: 1})
	require.NoError(t, err)
	frame.Channel = 9

	req, err := DecodeRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), req.Header().ChannelID)
}
