package config

import (
	"time"
)

// ConfigBuilder provides a fluent API for building configuration
type ConfigBuilder struct {
	config *AMQPConfig
}

// NewConfigBuilder creates a new configuration builder with defaults
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		config: DefaultConfig(),
	}
}

// FromConfig creates a builder from a copy of an existing configuration
func FromConfig(config *AMQPConfig) *ConfigBuilder {
	builder := NewConfigBuilder()
	*builder.config = *config
	builder.config.Server.VHosts = append([]string(nil), config.Server.VHosts...)
	return builder
}

// Network Configuration

// WithAddress sets the listen address
func (b *ConfigBuilder) WithAddress(address string) *ConfigBuilder {
	b.config.Network.Address = address
	return b
}

// WithMaxConnections sets the maximum number of connections
func (b *ConfigBuilder) WithMaxConnections(max int) *ConfigBuilder {
	b.config.Network.MaxConnections = max
	return b
}

// WithMaxFrameSize sets the largest accepted frame payload
func (b *ConfigBuilder) WithMaxFrameSize(size int) *ConfigBuilder {
	b.config.Network.MaxFrameSize = size
	return b
}

// Storage Configuration

// WithMemoryStorage configures in-memory storage
func (b *ConfigBuilder) WithMemoryStorage() *ConfigBuilder {
	b.config.Storage.Backend = "memory"
	b.config.Storage.Path = ""
	return b
}

// WithBadgerStorage configures Badger storage rooted at path
func (b *ConfigBuilder) WithBadgerStorage(path string) *ConfigBuilder {
	b.config.Storage.Backend = "badger"
	b.config.Storage.Path = path
	return b
}

// WithSyncWrites enables/disables synchronous writes
func (b *ConfigBuilder) WithSyncWrites(enabled bool) *ConfigBuilder {
	b.config.Storage.SyncWrites = enabled
	return b
}

// Server Configuration

// WithServerName sets the name reported in logs
func (b *ConfigBuilder) WithServerName(name string) *ConfigBuilder {
	b.config.Server.Name = name
	return b
}

// WithLogging configures logging settings
func (b *ConfigBuilder) WithLogging(level, logFile string) *ConfigBuilder {
	b.config.Server.LogLevel = level
	b.config.Server.LogFile = logFile
	return b
}

// WithVHosts sets the virtual hosts created at startup
func (b *ConfigBuilder) WithVHosts(vhosts ...string) *ConfigBuilder {
	b.config.Server.VHosts = vhosts
	return b
}

// WithPublisherConfirms answers every publish when enabled
func (b *ConfigBuilder) WithPublisherConfirms(enabled bool) *ConfigBuilder {
	b.config.Server.PublisherConfirms = enabled
	return b
}

// WithOutboundBuffer sets the per-channel delivery ring capacity
func (b *ConfigBuilder) WithOutboundBuffer(size int) *ConfigBuilder {
	b.config.Server.OutboundBuffer = size
	return b
}

// WithRecoveryWorkers sets how many queues are recovered in parallel
func (b *ConfigBuilder) WithRecoveryWorkers(workers int) *ConfigBuilder {
	b.config.Server.RecoveryWorkers = workers
	return b
}

// WithMaxChannels sets the channel cap of a connection
func (b *ConfigBuilder) WithMaxChannels(max int) *ConfigBuilder {
	b.config.Server.MaxChannelsPerConnection = max
	return b
}

// WithShutdownTimeout bounds a graceful stop
func (b *ConfigBuilder) WithShutdownTimeout(timeout time.Duration) *ConfigBuilder {
	b.config.Server.ShutdownTimeout = timeout
	return b
}

// Metrics Configuration

// WithMetrics enables or disables the Prometheus exporter
func (b *ConfigBuilder) WithMetrics(enabled bool, port int) *ConfigBuilder {
	b.config.Metrics.Enabled = enabled
	b.config.Metrics.Port = port
	return b
}

// Build returns the configured AMQPConfig
func (b *ConfigBuilder) Build() (*AMQPConfig, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// BuildUnsafe returns the configured AMQPConfig without validation
func (b *ConfigBuilder) BuildUnsafe() *AMQPConfig {
	return b.config
}
