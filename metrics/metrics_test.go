package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector("")
	require.NotNil(t, c)
	assert.NotNil(t, c.ConnectionsTotal)
	assert.NotNil(t, c.MessagesPublished)
	assert.NotNil(t, c.Registry())

	// Each collector has its own registry
	assert.NotPanics(t, func() { NewCollector("") })
}

func TestConnectionAndChannelGauges(t *testing.T) {
	c := NewCollector("test")

	c.RecordConnectionCreated()
	c.RecordConnectionCreated()
	c.RecordConnectionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ConnectionsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ConnectionsCreated))

	c.RecordChannelCreated()
	c.RecordChannelClosed()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.ChannelsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ChannelsClosed))

	c.RecordChannelError("not_found")
	c.RecordChannelError("not_found")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ChannelErrors.WithLabelValues("not_found")))
}

func TestMessageCounters(t *testing.T) {
	c := NewCollector("test")

	c.RecordMessagePublished(1024)
	c.RecordMessagePublished(16)
	c.RecordMessageDelivered(512)
	c.RecordMessageAcknowledged()
	c.RecordMessageRedelivered()
	c.RecordMessageRejected()
	c.RecordMessageUnroutable()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.MessagesPublished))
	assert.Equal(t, 1040.0, testutil.ToFloat64(c.MessagesPublishedBytes))
	assert.Equal(t, 512.0, testutil.ToFloat64(c.MessagesDeliveredBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.MessagesAcknowledged))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.MessagesRedelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.MessagesRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.MessagesUnroutable))
}

func TestQueueMetrics(t *testing.T) {
	c := NewCollector("test")

	c.UpdateQueueMetrics("orders", "/", 10, 5, 2)
	assert.Equal(t, 10.0, testutil.ToFloat64(c.QueueMessagesReady.WithLabelValues("orders", "/")))
	assert.Equal(t, 15.0, testutil.ToFloat64(c.QueueMessagesTotal.WithLabelValues("orders", "/")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.QueueConsumers))

	c.DeleteQueueMetrics("orders", "/")
	assert.Equal(t, 0, testutil.CollectAndCount(c.QueueConsumers))
}

func TestStorageAndProcessMetrics(t *testing.T) {
	c := NewCollector("test")

	c.RecordConsumerAdded()
	c.RecordConsumerAdded()
	c.RecordConsumerRemoved()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ConsumersTotal))

	c.RecordStorageError("publish")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StorageErrors.WithLabelValues("publish")))

	c.RecordRecovery("/", 0.25)
	assert.Equal(t, 0.25, testutil.ToFloat64(c.RecoveryDuration.WithLabelValues("/")))

	c.UpdateServerUptime(42)
	c.UpdateMemoryMetrics(2048, 1024)
	c.UpdateGoroutines(12)
	c.UpdateDiskMetrics(100, 50)
	assert.Equal(t, 42.0, testutil.ToFloat64(c.ServerUptime))
	assert.Equal(t, 1024.0, testutil.ToFloat64(c.MemoryHeapBytes))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.Goroutines))
	assert.Equal(t, 50.0, testutil.ToFloat64(c.DiskUsedBytes))
}

func TestServerEndpoints(t *testing.T) {
	c := NewCollector("test")
	c.RecordMessageUnroutable()

	var healthy atomic.Bool
	healthy.Store(true)
	srv := NewServer(0, c.Registry(), func() (bool, string) {
		if healthy.Load() {
			return true, "healthy"
		}
		return false, "stopping"
	})
	assert.Equal(t, DefaultPort, srv.Port())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "test_messages_unroutable_total 1")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthy.Store(false)
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "stopping", string(body))
}
