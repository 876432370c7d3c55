package server

import (
	"fmt"

	"go.uber.org/zap"

	mqerrors "github.com/maxpert/mqengine/errors"
	"github.com/maxpert/mqengine/protocol"
)

// handleOpenChannel opens a channel on the requested vhost
func (c *Connection) handleOpenChannel(req *protocol.OpenChannelRequest) (*protocol.BasicResponse, error) {
	id := req.ChannelID
	if id == 0 {
		return nil, mqerrors.NewInvalidArgument("channel", "channel 0 is reserved")
	}

	name := req.VHost
	if name == "" {
		name = c.defaultVHost
	}
	vhost, err := c.broker.VHost(name)
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil, mqerrors.NewChannelClosed(id)
	}
	if _, exists := c.channels[id]; exists {
		return nil, mqerrors.NewChannelAlreadyOpen(id)
	}
	if c.maxChannels > 0 && len(c.channels) >= c.maxChannels {
		return nil, mqerrors.NewInvalidArgument("channel", fmt.Sprintf("channel limit %d reached", c.maxChannels))
	}

	c.channels[id] = newChannel(id, c, vhost)
	c.metrics.RecordChannelCreated()

	c.logger.Debug("Channel opened",
		zap.Uint16("channel_id", id),
		zap.String("vhost", name))
	return c.okResponse(&req.RequestHeader), nil
}

// handleCloseChannel closes a channel, requeueing its unacknowledged deliveries.
// Closing an unknown or already closed channel succeeds.
func (c *Connection) handleCloseChannel(req *protocol.CloseChannelRequest) (*protocol.BasicResponse, error) {
	c.mutex.Lock()
	ch, ok := c.channels[req.ChannelID]
	delete(c.channels, req.ChannelID)
	c.mutex.Unlock()

	if ok {
		ch.close()
		c.metrics.RecordChannelClosed()
	}
	return c.okResponse(&req.RequestHeader), nil
}

// handle dispatches a request to an open channel
func (ch *Channel) handle(req protocol.Request) (*protocol.BasicResponse, error) {
	switch r := req.(type) {
	case *protocol.DeclareExchangeRequest:
		return ch.handleDeclareExchange(r)
	case *protocol.DeleteExchangeRequest:
		return ch.handleDeleteExchange(r)
	case *protocol.DeclareQueueRequest:
		return ch.handleDeclareQueue(r)
	case *protocol.DeleteQueueRequest:
		return ch.handleDeleteQueue(r)
	case *protocol.QueueBindRequest:
		return ch.handleQueueBind(r)
	case *protocol.QueueUnbindRequest:
		return ch.handleQueueUnbind(r)
	case *protocol.BasicPublishRequest:
		return ch.handleBasicPublish(r)
	case *protocol.BasicConsumeRequest:
		return ch.handleBasicConsume(r)
	case *protocol.BasicCancelRequest:
		return ch.handleBasicCancel(r)
	case *protocol.BasicAckRequest:
		return ch.handleBasicAck(r)
	case *protocol.BasicNackRequest:
		return ch.handleBasicNack(r)
	default:
		return nil, mqerrors.NewInvalidArgument(req.Method().String(), "unsupported request")
	}
}
