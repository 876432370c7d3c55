package server

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maxpert/mqengine/broker"
	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
	"github.com/maxpert/mqengine/storage"
)

const waitTimeout = 2 * time.Second

var connectionIDs atomic.Uint64

// testClient speaks the frame protocol over one side of a net.Pipe
type testClient struct {
	t          *testing.T
	conn       net.Conn
	requestIDs atomic.Uint64
	responses  chan *protocol.BasicResponse
	deliveries chan *protocol.BasicConsumeResponse
}

func openTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	store, err := storage.Open(interfaces.StorageConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b, err := broker.Open(store, []string{broker.DefaultVHost, "orders"}, broker.Options{RecoveryWorkers: 1})
	require.NoError(t, err)
	return b
}

// connect serves a new connection on b and returns it with its client
func connect(t *testing.T, b *broker.Broker, opts ConnectionOptions) (*Connection, *testClient) {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	id := fmt.Sprintf("conn-%d", connectionIDs.Add(1))
	conn := NewConnection(id, serverSide, b, opts, nil, nil)

	served := make(chan struct{})
	go func() {
		defer close(served)
		conn.Serve()
	}()

	client := &testClient{
		t:          t,
		conn:       clientSide,
		responses:  make(chan *protocol.BasicResponse, 256),
		deliveries: make(chan *protocol.BasicConsumeResponse, 256),
	}
	go client.readLoop()

	t.Cleanup(func() {
		clientSide.Close()
		<-served
	})
	return conn, client
}

func (c *testClient) readLoop() {
	for {
		frame, err := protocol.ReadFrame(c.conn, 0)
		if err != nil {
			return
		}
		decoded, err := protocol.DecodeFrame(frame)
		if err != nil {
			continue
		}
		switch msg := decoded.(type) {
		case *protocol.BasicResponse:
			c.responses <- msg
		case *protocol.BasicConsumeResponse:
			c.deliveries <- msg
		}
	}
}

// send writes a request without waiting for an answer
func (c *testClient) send(req protocol.Request) string {
	c.t.Helper()
	header := req.Header()
	if header.RequestID == "" {
		header.RequestID = fmt.Sprintf("req-%d", c.requestIDs.Add(1))
	}
	frame, err := protocol.EncodeRequest(req)
	require.NoError(c.t, err)
	require.NoError(c.t, protocol.WriteFrame(c.conn, frame))
	return header.RequestID
}

// call sends a request and returns its response, which must be the next one
func (c *testClient) call(req protocol.Request) *protocol.BasicResponse {
	c.t.Helper()
	id := c.send(req)
	resp := c.response()
	require.Equal(c.t, id, resp.RequestID, "response out of order")
	require.Equal(c.t, req.Header().ChannelID, resp.ChannelID)
	return resp
}

// mustCall is call that requires an OK response
func (c *testClient) mustCall(req protocol.Request) *protocol.BasicResponse {
	c.t.Helper()
	resp := c.call(req)
	require.True(c.t, resp.OK, "request %s failed: %s", req.Method(), resp.Reason)
	return resp
}

func (c *testClient) response() *protocol.BasicResponse {
	c.t.Helper()
	select {
	case resp := <-c.responses:
		return resp
	case <-time.After(waitTimeout):
		c.t.Fatal("timed out waiting for a response")
		return nil
	}
}

func (c *testClient) delivery() *protocol.BasicConsumeResponse {
	c.t.Helper()
	select {
	case d := <-c.deliveries:
		return d
	case <-time.After(waitTimeout):
		c.t.Fatal("timed out waiting for a delivery")
		return nil
	}
}

func (c *testClient) noDelivery(wait time.Duration) {
	c.t.Helper()
	select {
	case d := <-c.deliveries:
		c.t.Fatalf("unexpected delivery %d of %q", d.DeliveryTag, d.Body)
	case <-time.After(wait):
	}
}

func onChannel(channel uint16) protocol.RequestHeader {
	return protocol.RequestHeader{ChannelID: channel}
}

func (c *testClient) openChannel(channel uint16) {
	c.t.Helper()
	c.mustCall(&protocol.OpenChannelRequest{RequestHeader: onChannel(channel)})
}

func (c *testClient) declareQueue(channel uint16, name string) {
	c.t.Helper()
	c.mustCall(&protocol.DeclareQueueRequest{RequestHeader: onChannel(channel), Queue: name})
}

func (c *testClient) consume(channel uint16, queue string, autoAck bool, prefetch int) string {
	c.t.Helper()
	resp := c.mustCall(&protocol.BasicConsumeRequest{
		RequestHeader: onChannel(channel),
		Queue:         queue,
		AutoAck:       autoAck,
		Prefetch:      prefetch,
	})
	return resp.ConsumerTag
}

// publish sends to the default exchange and waits for the confirm
func (c *testClient) publish(channel uint16, queue, body string) *protocol.BasicResponse {
	c.t.Helper()
	return c.mustCall(&protocol.BasicPublishRequest{
		RequestHeader: onChannel(channel),
		RoutingKey:    queue,
		Body:          []byte(body),
		Confirm:       true,
	})
}

func queueStats(t *testing.T, b *broker.Broker, vhost, name string) (ready, unacked, consumers int) {
	t.Helper()
	v, err := b.VHost(vhost)
	require.NoError(t, err)
	q, ok := v.Queue(name)
	require.True(t, ok, "queue %s missing", name)
	return q.Stats()
}
