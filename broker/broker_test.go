package broker

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mqerrors "github.com/maxpert/mqengine/errors"
	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/protocol"
	"github.com/maxpert/mqengine/storage"
)

func openDiskStore(t *testing.T, dir string) *storage.Store {
	t.Helper()
	store, err := storage.Open(interfaces.StorageConfig{Backend: "badger", Path: dir}, nil)
	require.NoError(t, err)
	return store
}

func TestBrokerVHosts(t *testing.T) {
	b, err := Open(openMemoryStore(t), []string{"/", "staging"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"/", "staging"}, b.VHostNames())
	_, err = b.VHost("missing")
	assert.True(t, mqerrors.IsNotFound(err))

	first := b.NextDeliveryTag()
	assert.Equal(t, first+1, b.NextDeliveryTag())
}

func TestBrokerDefaultVHost(t *testing.T) {
	b, err := Open(openMemoryStore(t), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultVHost}, b.VHostNames())
}

func TestDurableRoundTripAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	props := protocol.Properties{
		DeliveryMode: protocol.Persistent,
		Headers:      map[string]string{"trace": "abc"},
	}

	store := openDiskStore(t, dir)
	b := openBroker(t, store)
	vhost, err := b.VHost(DefaultVHost)
	require.NoError(t, err)

	require.NoError(t, vhost.DeclareExchange("orders", "direct", true, false, nil))
	_, err = vhost.DeclareQueue(protocol.Queue{Name: "billing", Durable: true}, "")
	require.NoError(t, err)
	_, err = vhost.DeclareQueue(protocol.Queue{Name: "scratch"}, "")
	require.NoError(t, err)
	require.NoError(t, vhost.Bind("orders", "billing", "new", ""))
	require.NoError(t, vhost.Bind("orders", "scratch", "new", ""))

	kept, err := vhost.Publish("orders", "new", props, []byte("order-1"))
	require.NoError(t, err)
	require.Equal(t, 2, kept.Routed)
	_, err = vhost.Publish("orders", "new", transient(), []byte("volatile"))
	require.NoError(t, err)
	_, err = vhost.Publish("orders", "new", persistent(), []byte("order-2"))
	require.NoError(t, err)

	// consume and ack order-2 only ahead of the restart
	sink := &recordingSink{}
	_, err = vhost.Consume("billing", "c", false, 0, "", sink)
	require.NoError(t, err)
	require.Len(t, sink.all(), 3)
	require.NoError(t, vhost.Ack("billing", sink.all()[2].DeliveryTag))
	require.NoError(t, store.Close())

	store = openDiskStore(t, dir)
	defer store.Close()
	vhost, err = openBroker(t, store).VHost(DefaultVHost)
	require.NoError(t, err)

	stats := vhost.RecoveryStats()
	assert.Equal(t, 1, stats.ExchangesRecovered)
	assert.Equal(t, 1, stats.QueuesRecovered)
	assert.Equal(t, 1, stats.BindingsRecovered)
	assert.Equal(t, 1, stats.MessagesRecovered)

	_, ok := vhost.Queue("scratch")
	assert.False(t, ok)
	exchange, ok := vhost.Exchange("orders")
	require.True(t, ok)
	assert.Equal(t, protocol.ExchangeDirect, exchange.Type)

	sink = &recordingSink{}
	_, err = vhost.Consume("billing", "c", false, 0, "", sink)
	require.NoError(t, err)
	require.Len(t, sink.all(), 1)

	got := sink.all()[0].Message
	assert.Equal(t, kept.MessageID, got.ID)
	assert.Equal(t, []byte("order-1"), got.Body)
	assert.Equal(t, props, got.Properties)
	assert.Equal(t, "orders", got.Exchange)
	assert.Equal(t, "new", got.RoutingKey)

	// the recovered binding still routes
	res, err := vhost.Publish("orders", "new", persistent(), []byte("order-3"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Routed)
}

func TestAckedMessageDoesNotReturn(t *testing.T) {
	dir := t.TempDir()

	store := openDiskStore(t, dir)
	vhost, err := openBroker(t, store).VHost(DefaultVHost)
	require.NoError(t, err)
	_, err = vhost.DeclareQueue(protocol.Queue{Name: "q", Durable: true}, "")
	require.NoError(t, err)
	_, err = vhost.Publish("", "q", persistent(), []byte("gone"))
	require.NoError(t, err)

	_, err = vhost.Consume("q", "c", true, 0, "", &recordingSink{})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store = openDiskStore(t, dir)
	defer store.Close()
	vhost, err = openBroker(t, store).VHost(DefaultVHost)
	require.NoError(t, err)

	queue, ok := vhost.Queue("q")
	require.True(t, ok)
	ready, _, _ := queue.Stats()
	assert.Zero(t, ready)
}

func TestRecoveryRemovesOrphanFiles(t *testing.T) {
	dir := t.TempDir()

	store := openDiskStore(t, dir)
	openBroker(t, store)
	require.NoError(t, store.Close())

	bodies := filepath.Join(dir, storage.MessagesDir, url.PathEscape(DefaultVHost))
	tmp := filepath.Join(bodies, "half-written"+storage.TempFileExtension)
	orphan := filepath.Join(bodies, "unreferenced"+storage.FileExtension)
	require.NoError(t, os.WriteFile(tmp, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o644))

	store = openDiskStore(t, dir)
	defer store.Close()
	vhost, err := openBroker(t, store).VHost(DefaultVHost)
	require.NoError(t, err)

	assert.Equal(t, 2, vhost.RecoveryStats().OrphansRemoved)
	assert.NoFileExists(t, tmp)
	assert.NoFileExists(t, orphan)
}

func TestRecoveredVHostsIncludeStored(t *testing.T) {
	dir := t.TempDir()

	store := openDiskStore(t, dir)
	_, err := Open(store, []string{"tenant-a"}, Options{})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store = openDiskStore(t, dir)
	defer store.Close()
	b, err := Open(store, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a"}, b.VHostNames())
}

func TestPersistentMessageToTransientQueuesSkipsBodyWrite(t *testing.T) {
	dir := t.TempDir()
	store := openDiskStore(t, dir)
	defer store.Close()
	vhost, err := openBroker(t, store).VHost(DefaultVHost)
	require.NoError(t, err)

	_, err = vhost.DeclareQueue(protocol.Queue{Name: "scratch"}, "")
	require.NoError(t, err)
	_, err = vhost.DeclareQueue(protocol.Queue{Name: "private", Durable: true, Exclusive: true}, "conn-1")
	require.NoError(t, err)
	_, err = vhost.DeclareQueue(protocol.Queue{Name: "billing", Durable: true}, "")
	require.NoError(t, err)

	bodies := filepath.Join(dir, storage.MessagesDir, url.PathEscape(DefaultVHost))
	countBodies := func() int {
		matches, err := filepath.Glob(filepath.Join(bodies, "*"+storage.FileExtension))
		require.NoError(t, err)
		return len(matches)
	}

	_, err = vhost.Publish("", "scratch", persistent(), []byte("a"))
	require.NoError(t, err)
	_, err = vhost.Publish("", "private", persistent(), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, 0, countBodies(), "no durable target, no body file")

	_, err = vhost.Publish("", "billing", persistent(), []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, 1, countBodies())
}
