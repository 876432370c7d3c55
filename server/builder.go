package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/maxpert/mqengine/broker"
	"github.com/maxpert/mqengine/config"
	"github.com/maxpert/mqengine/interfaces"
	"github.com/maxpert/mqengine/storage"
)

// ServerBuilder provides a fluent API for assembling a server with its storage
// and broker
type ServerBuilder struct {
	config  *config.AMQPConfig
	logger  *zap.Logger
	broker  *broker.Broker
	storage interfaces.Storage
	metrics interfaces.MetricsCollector
}

// NewServerBuilder creates a new server builder with default configuration
func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{config: config.DefaultConfig()}
}

// NewServerBuilderWithConfig creates a server builder with the given configuration
func NewServerBuilderWithConfig(cfg *config.AMQPConfig) *ServerBuilder {
	return &ServerBuilder{config: cfg}
}

// WithConfig sets the server configuration
func (b *ServerBuilder) WithConfig(config *config.AMQPConfig) *ServerBuilder {
	b.config = config
	return b
}

// WithAddress sets the listen address
func (b *ServerBuilder) WithAddress(address string) *ServerBuilder {
	b.config.Network.Address = address
	return b
}

// WithLogger sets the logger
func (b *ServerBuilder) WithLogger(logger *zap.Logger) *ServerBuilder {
	b.logger = logger
	return b
}

// WithZapLogger creates a logger using zap with the specified level
func (b *ServerBuilder) WithZapLogger(level string) *ServerBuilder {
	logger, err := NewZapLogger(level, "")
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	b.logger = logger
	return b
}

// WithBroker uses an already opened broker; the builder then leaves storage alone
func (b *ServerBuilder) WithBroker(broker *broker.Broker) *ServerBuilder {
	b.broker = broker
	return b
}

// WithStorage sets the storage the broker is opened on
func (b *ServerBuilder) WithStorage(storage interfaces.Storage) *ServerBuilder {
	b.storage = storage
	return b
}

// WithMemoryStorage selects the non-persistent backend
func (b *ServerBuilder) WithMemoryStorage() *ServerBuilder {
	b.config.Storage.Backend = string(storage.BackendMemory)
	b.config.Storage.Path = ""
	return b
}

// WithBadgerStorage selects the persistent backend rooted at path
func (b *ServerBuilder) WithBadgerStorage(path string) *ServerBuilder {
	b.config.Storage.Backend = string(storage.BackendBadger)
	b.config.Storage.Path = path
	return b
}

// WithMetrics sets the metrics collector
func (b *ServerBuilder) WithMetrics(metrics interfaces.MetricsCollector) *ServerBuilder {
	b.metrics = metrics
	return b
}

// WithMaxConnections sets the maximum number of concurrent connections
func (b *ServerBuilder) WithMaxConnections(max int) *ServerBuilder {
	b.config.Network.MaxConnections = max
	return b
}

// WithProtocolLimits sets the per-connection channel cap and the frame size limit
func (b *ServerBuilder) WithProtocolLimits(maxChannels, maxFrameSize int) *ServerBuilder {
	b.config.Server.MaxChannelsPerConnection = maxChannels
	b.config.Network.MaxFrameSize = maxFrameSize
	return b
}

// WithPublisherConfirms answers every publish when enabled
func (b *ServerBuilder) WithPublisherConfirms(enabled bool) *ServerBuilder {
	b.config.Server.PublisherConfirms = enabled
	return b
}

// WithVHosts sets the virtual hosts opened at startup
func (b *ServerBuilder) WithVHosts(vhosts ...string) *ServerBuilder {
	b.config.Server.VHosts = vhosts
	return b
}

// Build validates the configuration, opens storage and the broker when they were
// not supplied, and returns the server. Storage opened here is closed by the
// server lifecycle on stop.
func (b *ServerBuilder) Build() (*Server, error) {
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := b.logger
	if logger == nil {
		var err error
		logger, err = NewZapLogger(b.config.Server.LogLevel, b.config.Server.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	metrics := b.metrics
	if metrics == nil {
		metrics = interfaces.NoOpMetricsCollector{}
	}

	brk := b.broker
	var owned interfaces.Storage
	if brk == nil {
		store := b.storage
		if store == nil {
			opened, err := storage.Open(b.config.Storage, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to open storage: %w", err)
			}
			store = opened
			owned = opened
		}

		var err error
		brk, err = broker.Open(store, b.config.Server.VHosts, broker.Options{
			Logger:          logger,
			Metrics:         metrics,
			RecoveryWorkers: b.config.Server.RecoveryWorkers,
		})
		if err != nil {
			if owned != nil {
				owned.Close()
			}
			return nil, fmt.Errorf("failed to open broker: %w", err)
		}
	}

	server := NewServer(b.config, brk, logger, metrics)
	if owned != nil {
		server.Lifecycle.RegisterHook(LifecycleHook{
			Name:     "storage",
			Priority: 0,
			OnStop: func(context.Context) error {
				return owned.Close()
			},
			OnError: func(err error) {
				logger.Error("Lifecycle error", zap.String("hook", "storage"), zap.Error(err))
			},
		})
	}
	return server, nil
}

func parseZapLevel(level string) zap.AtomicLevel {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

// NewZapLogger builds a development logger for "debug" and a production (json)
// logger otherwise. A non-empty logFile replaces stderr as the output.
func NewZapLogger(level, logFile string) (*zap.Logger, error) {
	var zapConfig zap.Config

	if level == "debug" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level = parseZapLevel(level)
	}

	if logFile != "" {
		zapConfig.OutputPaths = []string{logFile}
	}

	return zapConfig.Build()
}
