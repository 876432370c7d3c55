package server

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/mqengine/broker"
	"github.com/maxpert/mqengine/protocol"
)

// stalledTransport never completes a read or a write until it is closed
type stalledTransport struct {
	once   sync.Once
	closed chan struct{}
}

func newStalledTransport() *stalledTransport {
	return &stalledTransport{closed: make(chan struct{})}
}

func (s *stalledTransport) Read([]byte) (int, error) {
	<-s.closed
	return 0, io.EOF
}

func (s *stalledTransport) Write([]byte) (int, error) {
	<-s.closed
	return 0, io.ErrClosedPipe
}

func (s *stalledTransport) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestStalledConsumerDoesNotBlockPublishers(t *testing.T) {
	b := openTestBroker(t)
	vhost, err := b.VHost(broker.DefaultVHost)
	require.NoError(t, err)

	conn := NewConnection("conn-stalled", newStalledTransport(), b, ConnectionOptions{OutboundBuffer: 16}, nil, nil)
	defer conn.Close()

	for _, req := range []protocol.Request{
		&protocol.OpenChannelRequest{RequestHeader: onChannel(1)},
		&protocol.DeclareQueueRequest{RequestHeader: onChannel(1), Queue: "slow"},
		&protocol.BasicConsumeRequest{RequestHeader: onChannel(1), Queue: "slow", AutoAck: true},
	} {
		resp := conn.Handle(req)
		require.True(t, resp.OK, "%s: %s", req.Method(), resp.Reason)
	}

	_, err = vhost.DeclareQueue(protocol.Queue{Name: "other"}, "")
	require.NoError(t, err)
	require.NoError(t, vhost.DeclareExchange("fan", "fanout", false, false, nil))
	require.NoError(t, vhost.Bind("fan", "slow", "", ""))
	require.NoError(t, vhost.Bind("fan", "other", "", ""))

	const published = 40
	done := make(chan error, 1)
	go func() {
		for i := 0; i < published; i++ {
			if _, err := vhost.Publish("fan", "", protocol.Properties{}, []byte(fmt.Sprintf("m%d", i))); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("publishing blocked on a stalled consumer")
	}

	ready, _, _ := queueStats(t, b, broker.DefaultVHost, "other")
	assert.Equal(t, published, ready)

	// The stalled channel took what its ring holds, the rest stays ready
	slowReady, _, consumers := queueStats(t, b, broker.DefaultVHost, "slow")
	assert.Equal(t, 1, consumers)
	assert.Greater(t, slowReady, 0)
	assert.Less(t, slowReady, published)

	// The queue lock stays free for unrelated work
	_, err = vhost.DeclareQueue(protocol.Queue{Name: "after"}, "")
	require.NoError(t, err)
	_, err = vhost.Publish("", "after", protocol.Properties{}, []byte("x"))
	require.NoError(t, err)
}

func TestDrainedRingResumesDispatch(t *testing.T) {
	b := openTestBroker(t)
	_, client := connect(t, b, ConnectionOptions{OutboundBuffer: 16})
	client.openChannel(1)
	client.declareQueue(1, "jobs")

	const published = 100
	for i := 0; i < published; i++ {
		client.publish(1, "jobs", fmt.Sprintf("m%d", i))
	}
	client.consume(1, "jobs", true, 0)

	// More messages than ring slots all arrive, in order
	for i := 0; i < published; i++ {
		d := client.delivery()
		assert.Equal(t, fmt.Sprintf("m%d", i), string(d.Body))
	}
	ready, _, _ := queueStats(t, b, broker.DefaultVHost, "jobs")
	assert.Equal(t, 0, ready)
}
