package server

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	mqerrors "github.com/maxpert/mqengine/errors"
	"github.com/maxpert/mqengine/protocol"
)

// UnroutableReason is the confirm reason for a publish that reached no queue
const UnroutableReason = "unroutable"

const consumerTagPrefix = "ctag-"

// handleBasicPublish handles the basic.publish request. A successful publish is
// answered only when confirms are enabled on the server or asked for by the
// request; failures are always answered.
func (ch *Channel) handleBasicPublish(req *protocol.BasicPublishRequest) (*protocol.BasicResponse, error) {
	result, err := ch.vhost.Publish(req.Exchange, req.RoutingKey, req.Properties, req.Body)
	if err != nil {
		return nil, err
	}

	if result.Routed == 0 {
		ch.logger.Debug("Message unroutable",
			zap.String("exchange", req.Exchange),
			zap.String("routing_key", req.RoutingKey))
	}

	if !ch.conn.publisherConfirms && !req.Confirm {
		return nil, nil
	}
	resp := ch.conn.okResponse(&req.RequestHeader)
	if result.Routed == 0 {
		resp.Reason = UnroutableReason
	}
	return resp, nil
}

// handleBasicConsume handles the basic.consume request. An empty consumer tag
// is replaced by a generated one, returned in the response.
func (ch *Channel) handleBasicConsume(req *protocol.BasicConsumeRequest) (*protocol.BasicResponse, error) {
	tag := req.ConsumerTag
	if tag == "" {
		tag = consumerTagPrefix + uuid.NewString()
	}
	if req.Prefetch < 0 {
		return nil, mqerrors.NewInvalidArgument("prefetch", "prefetch must not be negative")
	}

	if err := ch.addConsumer(tag, req.Queue); err != nil {
		return nil, err
	}
	if _, err := ch.vhost.Consume(req.Queue, tag, req.AutoAck, req.Prefetch, ch.conn.ID, ch); err != nil {
		ch.removeConsumer(tag)
		return nil, err
	}

	ch.logger.Debug("Consumer registered",
		zap.String("queue", req.Queue),
		zap.String("consumer_tag", tag),
		zap.Bool("auto_ack", req.AutoAck),
		zap.Int("prefetch", req.Prefetch))

	resp := ch.conn.okResponse(&req.RequestHeader)
	resp.ConsumerTag = tag
	return resp, nil
}

// handleBasicCancel handles the basic.cancel request. Deliveries the consumer
// still held go back to the head of its queue.
func (ch *Channel) handleBasicCancel(req *protocol.BasicCancelRequest) (*protocol.BasicResponse, error) {
	queue, ok := ch.removeConsumer(req.ConsumerTag)
	if !ok {
		return nil, mqerrors.NewConsumerNotFound(req.ConsumerTag)
	}

	requeued, err := ch.vhost.Cancel(queue, req.ConsumerTag)
	// The queue may have been deleted under the consumer
	if err != nil && !mqerrors.IsNotFound(err) {
		return nil, err
	}
	ch.forget(requeued...)

	ch.logger.Debug("Consumer cancelled",
		zap.String("queue", queue),
		zap.String("consumer_tag", req.ConsumerTag),
		zap.Int("requeued", len(requeued)))

	resp := ch.conn.okResponse(&req.RequestHeader)
	resp.ConsumerTag = req.ConsumerTag
	return resp, nil
}

// handleBasicAck handles the basic.ack request
func (ch *Channel) handleBasicAck(req *protocol.BasicAckRequest) (*protocol.BasicResponse, error) {
	if err := ch.settle(req.DeliveryTag, req.Multiple, ch.vhost.Ack); err != nil {
		return nil, err
	}
	return ch.conn.okResponse(&req.RequestHeader), nil
}

// handleBasicNack handles the basic.nack request
func (ch *Channel) handleBasicNack(req *protocol.BasicNackRequest) (*protocol.BasicResponse, error) {
	err := ch.settle(req.DeliveryTag, req.Multiple, func(queue string, tag uint64) error {
		return ch.vhost.Nack(queue, tag, req.Requeue)
	})
	if err != nil {
		return nil, err
	}
	return ch.conn.okResponse(&req.RequestHeader), nil
}
