package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/maxpert/mqengine/config"
	"github.com/maxpert/mqengine/metrics"
	"github.com/maxpert/mqengine/server"
)

const (
	version = "0.1.0"
	banner  = `
                                              _
  _ __ ___   __ _        ___ _ __   __ _(_)_ __   ___
 | '_ ` + "`" + ` _ \ / _` + "`" + ` |_____ / _ \ '_ \ / _` + "`" + ` | | '_ \ / _ \
 | | | | | | (_| |_____|  __/ | | | (_| | | | | |  __/
 |_| |_| |_|\__, |      \___|_| |_|\__, |_|_| |_|\___|
               |_|                 |___/
Message Broker
Version: %s
`
)

func main() {
	var (
		configFile     = flag.String("config", "", "Configuration file path (YAML/JSON)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
		generateConfig = flag.String("generate-config", "", "Generate default config file and exit (e.g., config.yaml)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", server.ServerProduct, version)
		return
	}

	if *generateConfig != "" {
		cfg := config.DefaultConfig()
		if err := cfg.Save(*generateConfig); err != nil {
			log.Fatalf("Failed to generate config file: %v", err)
		}
		fmt.Printf("Generated default configuration: %s\n", *generateConfig)
		fmt.Println("Edit the file and start server with: mq-server --config " + *generateConfig)
		return
	}

	fmt.Printf(banner, version)

	// MQ_* environment variables override the file, or the defaults without one
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := server.NewZapLogger(cfg.Server.LogLevel, cfg.Server.LogFile)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.AMQPConfig, logger *zap.Logger) error {
	builder := server.NewServerBuilderWithConfig(cfg).WithLogger(logger)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(metrics.DefaultNamespace)
		builder = builder.WithMetrics(collector)
	}

	srv, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	var telemetry *metrics.Server
	if collector != nil {
		telemetry = metrics.NewServer(cfg.Metrics.Port, collector.Registry(), func() (bool, string) {
			health := srv.Lifecycle.Health()
			return health.Status == "healthy", health.Status
		})
		go func() {
			logger.Info("Telemetry server listening",
				zap.String("metrics", fmt.Sprintf("http://localhost:%d/metrics", telemetry.Port())),
				zap.String("health", fmt.Sprintf("http://localhost:%d/health", telemetry.Port())))
			if err := telemetry.Start(); err != nil {
				logger.Error("Telemetry server failed", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Lifecycle.Start(ctx); err != nil {
		return err
	}
	logger.Info("Server ready",
		zap.String("address", cfg.Network.Address),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("path", cfg.Storage.Path),
		zap.Strings("vhosts", srv.Broker.VHostNames()),
		zap.Bool("publisher_confirms", cfg.Server.PublisherConfirms))

	<-ctx.Done()
	logger.Info("Shutting down server gracefully")

	var errs []error
	if err := srv.Lifecycle.Stop(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if telemetry != nil {
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := telemetry.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry server: %w", err))
		}
	}
	logger.Info("Server stopped")
	return errors.Join(errs...)
}
