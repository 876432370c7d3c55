package server

import (
	"go.uber.org/zap"

	"github.com/maxpert/mqengine/protocol"
)

// handleDeclareQueue handles the queue.declare request
func (ch *Channel) handleDeclareQueue(req *protocol.DeclareQueueRequest) (*protocol.BasicResponse, error) {
	ch.logger.Debug("Queue declare",
		zap.String("queue", req.Queue),
		zap.Bool("durable", req.Durable),
		zap.Bool("exclusive", req.Exclusive),
		zap.Bool("auto_delete", req.AutoDelete))

	desc := protocol.Queue{
		Name:       req.Queue,
		Durable:    req.Durable,
		Exclusive:  req.Exclusive,
		AutoDelete: req.AutoDelete,
		Arguments:  req.Args,
	}
	if _, err := ch.vhost.DeclareQueue(desc, ch.conn.ID); err != nil {
		return nil, err
	}
	return ch.conn.okResponse(&req.RequestHeader), nil
}

// handleDeleteQueue handles the queue.delete request
func (ch *Channel) handleDeleteQueue(req *protocol.DeleteQueueRequest) (*protocol.BasicResponse, error) {
	drained, err := ch.vhost.DeleteQueue(req.Queue, req.IfUnused, req.IfEmpty, ch.conn.ID)
	if err != nil {
		return nil, err
	}

	ch.logger.Debug("Queue deleted",
		zap.String("queue", req.Queue),
		zap.Int("messages_discarded", drained))
	return ch.conn.okResponse(&req.RequestHeader), nil
}

// handleQueueBind handles the queue.bind request
func (ch *Channel) handleQueueBind(req *protocol.QueueBindRequest) (*protocol.BasicResponse, error) {
	err := ch.vhost.Bind(req.Exchange, req.Queue, req.BindingKey, ch.conn.ID)
	if err != nil {
		return nil, err
	}
	return ch.conn.okResponse(&req.RequestHeader), nil
}

// handleQueueUnbind handles the queue.unbind request
func (ch *Channel) handleQueueUnbind(req *protocol.QueueUnbindRequest) (*protocol.BasicResponse, error) {
	err := ch.vhost.Unbind(req.Exchange, req.Queue, req.BindingKey, ch.conn.ID)
	if err != nil {
		return nil, err
	}
	return ch.conn.okResponse(&req.RequestHeader), nil
}
