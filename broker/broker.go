package broker

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	mqerrors "github.com/maxpert/mqengine/errors"
	"github.com/maxpert/mqengine/interfaces"
)

// DefaultVHost is opened when neither configuration nor storage names a vhost
const DefaultVHost = "/"

// Options carries the collaborators shared by every vhost
type Options struct {
	Logger          *zap.Logger
	Metrics         interfaces.MetricsCollector
	RecoveryWorkers int
}

// Broker is the process-wide registry of virtual hosts. Vhosts are opened, and
// their durable state recovered, before Open returns; they are never removed.
type Broker struct {
	storage interfaces.Storage
	logger  *zap.Logger
	metrics interfaces.MetricsCollector

	mutex  sync.RWMutex
	vhosts map[string]*VirtualHost

	deliveryTag atomic.Uint64
}

// Open recovers every vhost that has persisted state plus the configured ones.
func Open(storage interfaces.Storage, vhosts []string, opts Options) (*Broker, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = interfaces.NoOpMetricsCollector{}
	}

	stored, err := storage.Metadata().ListVHosts()
	if err != nil {
		return nil, mqerrors.NewStorageFailure("list vhosts", "", err)
	}

	names := make(map[string]bool)
	for _, name := range vhosts {
		names[name] = true
	}
	for _, name := range stored {
		names[name] = true
	}
	if len(names) == 0 {
		names[DefaultVHost] = true
	}

	b := &Broker{
		storage: storage,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		vhosts:  make(map[string]*VirtualHost, len(names)),
	}

	for name := range names {
		vhost, err := openVirtualHost(name, storage, opts)
		if err != nil {
			return nil, err
		}
		b.vhosts[name] = vhost
	}

	b.logger.Info("Broker opened", zap.Strings("vhosts", b.VHostNames()))
	return b, nil
}

// VHost returns the named virtual host.
func (b *Broker) VHost(name string) (*VirtualHost, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	vhost, ok := b.vhosts[name]
	if !ok {
		return nil, mqerrors.NewVHostNotFound(name)
	}
	return vhost, nil
}

// VHostNames returns the names of every open vhost, sorted.
func (b *Broker) VHostNames() []string {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	names := make([]string, 0, len(b.vhosts))
	for name := range b.vhosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextDeliveryTag returns a delivery tag unique for the lifetime of the process.
func (b *Broker) NextDeliveryTag() uint64 {
	return b.deliveryTag.Add(1)
}

// ReleaseOwner deletes the exclusive queues of a closed connection in every vhost.
func (b *Broker) ReleaseOwner(owner string) {
	b.mutex.RLock()
	vhosts := make([]*VirtualHost, 0, len(b.vhosts))
	for _, vhost := range b.vhosts {
		vhosts = append(vhosts, vhost)
	}
	b.mutex.RUnlock()

	for _, vhost := range vhosts {
		vhost.ReleaseOwner(owner)
	}
}
