package server

import (
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/maxpert/mqengine/broker"
	mqerrors "github.com/maxpert/mqengine/errors"
	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
)

// ConnectionOptions are the per-connection protocol settings
type ConnectionOptions struct {
	DefaultVHost      string
	PublisherConfirms bool
	OutboundBuffer    int
	MaxChannels       int
	MaxFrameSize      uint32
}

// Connection multiplexes channels over one transport. One goroutine reads and
// handles requests in order; responses and deliveries share a locked writer.
type Connection struct {
	ID string

	transport io.ReadWriteCloser
	broker    *broker.Broker
	logger    *zap.Logger
	metrics   interfaces.MetricsCollector

	defaultVHost      string
	publisherConfirms bool
	outboundBuffer    int
	maxChannels       int
	maxFrameSize      uint32

	writeMutex sync.Mutex

	mutex    sync.Mutex
	channels map[uint16]*Channel
	closed   bool
}

func NewConnection(id string, transport io.ReadWriteCloser, b *broker.Broker, opts ConnectionOptions,
	logger *zap.Logger, metrics interfaces.MetricsCollector) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = interfaces.NoOpMetricsCollector{}
	}
	if opts.DefaultVHost == "" {
		opts.DefaultVHost = broker.DefaultVHost
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = DefaultOutboundBuffer
	}

	return &Connection{
		ID:                id,
		transport:         transport,
		broker:            b,
		logger:            logger.With(zap.String("connection_id", id)),
		metrics:           metrics,
		defaultVHost:      opts.DefaultVHost,
		publisherConfirms: opts.PublisherConfirms,
		outboundBuffer:    opts.OutboundBuffer,
		maxChannels:       opts.MaxChannels,
		maxFrameSize:      opts.MaxFrameSize,
		channels:          make(map[uint16]*Channel),
	}
}

// Serve reads and handles frames until the transport fails or is closed, then
// tears the connection down.
func (c *Connection) Serve() error {
	defer c.Close()

	for {
		frame, err := protocol.ReadFrame(c.transport, c.maxFrameSize)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debug("Connection closed by peer")
				return nil
			}
			c.logger.Warn("Error reading frame", zap.Error(err))
			return mqerrors.NewConnectionLost(c.ID, err)
		}

		req, err := protocol.DecodeRequest(frame)
		if err != nil {
			header := &protocol.RequestHeader{ChannelID: frame.Channel}
			resp := c.errorResponse(header, protocol.MethodID(frame.Type), mqerrors.NewInvalidArgument("frame", err.Error()))
			if err := c.sendResponse(resp); err != nil {
				return err
			}
			continue
		}

		if resp := c.Handle(req); resp != nil {
			if err := c.sendResponse(resp); err != nil {
				return err
			}
		}
	}
}

// Handle runs one request to completion and returns its response, or nil when
// the request is not answered (an unconfirmed publish).
func (c *Connection) Handle(req protocol.Request) *protocol.BasicResponse {
	header := req.Header()

	var (
		resp *protocol.BasicResponse
		err  error
	)
	switch r := req.(type) {
	case *protocol.OpenChannelRequest:
		resp, err = c.handleOpenChannel(r)
	case *protocol.CloseChannelRequest:
		resp, err = c.handleCloseChannel(r)
	default:
		var ch *Channel
		if ch, err = c.openChannel(header.ChannelID); err == nil {
			resp, err = ch.handle(req)
		}
	}

	if err != nil {
		return c.errorResponse(header, req.Method(), err)
	}
	return resp
}

func (c *Connection) channel(id uint16) (*Channel, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// openChannel returns the channel only when it accepts requests.
func (c *Connection) openChannel(id uint16) (*Channel, error) {
	ch, ok := c.channel(id)
	if !ok || !ch.isOpen() {
		return nil, mqerrors.NewChannelClosed(id)
	}
	return ch, nil
}

// ChannelCount returns the number of open channels.
func (c *Connection) ChannelCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.channels)
}

func (c *Connection) okResponse(header *protocol.RequestHeader) *protocol.BasicResponse {
	return &protocol.BasicResponse{
		RequestID: header.RequestID,
		ChannelID: header.ChannelID,
		OK:        true,
	}
}

func (c *Connection) errorResponse(header *protocol.RequestHeader, method protocol.MethodID, err error) *protocol.BasicResponse {
	var amqpErr *mqerrors.AMQPError
	if errors.As(err, &amqpErr) && amqpErr.Method == "" {
		amqpErr.WithMethod(method.String())
	}
	code := mqerrors.GetErrorCode(err)
	if code == 0 {
		code = mqerrors.InternalError
	}

	c.metrics.RecordChannelError(mqerrors.KindOf(err).String())
	c.logger.Debug("Request failed",
		zap.Uint16("channel_id", header.ChannelID),
		zap.String("method", method.String()),
		zap.Error(err))

	return &protocol.BasicResponse{
		RequestID: header.RequestID,
		ChannelID: header.ChannelID,
		OK:        false,
		Reason:    err.Error(),
		Code:      code,
	}
}

func (c *Connection) sendResponse(resp *protocol.BasicResponse) error {
	frame, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

func (c *Connection) sendDelivery(delivery *protocol.BasicConsumeResponse) error {
	frame, err := protocol.EncodeDelivery(delivery)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

func (c *Connection) writeFrame(frame *protocol.Frame) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if err := protocol.WriteFrame(c.transport, frame); err != nil {
		c.logger.Debug("Error writing frame", zap.Error(err))
		return mqerrors.NewConnectionLost(c.ID, err)
	}
	return nil
}

// Close closes the transport and every channel, then releases the exclusive
// queues of the connection. It is idempotent.
func (c *Connection) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[uint16]*Channel)
	c.mutex.Unlock()

	// Closing the transport first fails any write blocked on the peer so the
	// outbound rings drain
	err := c.transport.Close()

	for _, ch := range channels {
		ch.close()
		c.metrics.RecordChannelClosed()
	}
	c.broker.ReleaseOwner(c.ID)

	return err
}
