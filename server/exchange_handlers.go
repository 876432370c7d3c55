package server

import (
	"go.uber.org/zap"

	"github.com/maxpert/mqengine/protocol"
)

// handleDeclareExchange handles the exchange.declare request
func (ch *Channel) handleDeclareExchange(req *protocol.DeclareExchangeRequest) (*protocol.BasicResponse, error) {
	ch.logger.Debug("Exchange declare",
		zap.String("exchange", req.Exchange),
		zap.String("type", req.Type),
		zap.Bool("durable", req.Durable),
		zap.Bool("auto_delete", req.AutoDelete))

	err := ch.vhost.DeclareExchange(req.Exchange, req.Type, req.Durable, req.AutoDelete, req.Args)
	if err != nil {
		return nil, err
	}
	return ch.conn.okResponse(&req.RequestHeader), nil
}

// handleDeleteExchange handles the exchange.delete request
func (ch *Channel) handleDeleteExchange(req *protocol.DeleteExchangeRequest) (*protocol.BasicResponse, error) {
	ch.logger.Debug("Exchange delete",
		zap.String("exchange", req.Exchange),
		zap.Bool("if_unused", req.IfUnused))

	if err := ch.vhost.DeleteExchange(req.Exchange, req.IfUnused); err != nil {
		return nil, err
	}
	return ch.conn.okResponse(&req.RequestHeader), nil
}
