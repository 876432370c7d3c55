package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maxpert/mqengine/broker"
	"github.com/maxpert/mqengine/config"
	"github.com/maxpert/mqengine/interfaces"
)

const ServerProduct = "mq-engine"

// Server accepts TCP connections and serves the broker over the CBOR frame
// protocol, one Connection per socket.
type Server struct {
	Addr             string
	Listener         net.Listener
	Connections      map[string]*Connection
	Mutex            sync.RWMutex
	Shutdown         bool
	Log              *zap.Logger
	Broker           *broker.Broker
	Config           *config.AMQPConfig
	Lifecycle        *LifecycleManager
	MetricsCollector interfaces.MetricsCollector
	StartTime        time.Time

	wg sync.WaitGroup
}

// NewServer creates a server for b. Nil logger and metrics fall back to no-op
// implementations.
func NewServer(cfg *config.AMQPConfig, b *broker.Broker, logger *zap.Logger, metrics interfaces.MetricsCollector) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = interfaces.NoOpMetricsCollector{}
	}

	s := &Server{
		Addr:             cfg.Network.Address,
		Connections:      make(map[string]*Connection),
		Log:              logger,
		Broker:           b,
		Config:           cfg,
		MetricsCollector: metrics,
		StartTime:        time.Now(),
	}
	s.Lifecycle = NewLifecycleManager(s, cfg)
	return s
}

// Listen binds the configured address without accepting connections yet.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.Mutex.Lock()
	s.Listener = listener
	s.Mutex.Unlock()

	s.Log.Info("Broker server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the bound listener until Stop.
func (s *Server) Serve() error {
	s.Mutex.RLock()
	listener := s.Listener
	s.Mutex.RUnlock()
	if listener == nil {
		return fmt.Errorf("server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isShutdown() {
				return nil
			}
			s.Log.Error("Error accepting connection", zap.Error(err))
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection registers a socket and serves it until it closes
func (s *Server) handleConnection(netConn net.Conn) {
	connection := NewConnection(uuid.NewString(), netConn, s.Broker, s.connectionOptions(), s.Log, s.MetricsCollector)

	s.Mutex.Lock()
	if s.Shutdown {
		s.Mutex.Unlock()
		netConn.Close()
		return
	}
	if limit := s.Config.Network.MaxConnections; limit > 0 && len(s.Connections) >= limit {
		s.Mutex.Unlock()
		s.Log.Warn("Connection limit reached, rejecting connection",
			zap.String("remote_addr", netConn.RemoteAddr().String()),
			zap.Int("max_connections", limit))
		netConn.Close()
		return
	}
	s.Connections[connection.ID] = connection
	s.Mutex.Unlock()

	s.MetricsCollector.RecordConnectionCreated()
	s.Log.Debug("Connection accepted",
		zap.String("connection_id", connection.ID),
		zap.String("remote_addr", netConn.RemoteAddr().String()))

	if err := connection.Serve(); err != nil {
		s.Log.Warn("Connection terminated", zap.String("connection_id", connection.ID), zap.Error(err))
	}

	s.Mutex.Lock()
	delete(s.Connections, connection.ID)
	s.Mutex.Unlock()

	s.MetricsCollector.RecordConnectionClosed()
}

func (s *Server) connectionOptions() ConnectionOptions {
	return ConnectionOptions{
		DefaultVHost:      broker.DefaultVHost,
		PublisherConfirms: s.Config.Server.PublisherConfirms,
		OutboundBuffer:    s.Config.Server.OutboundBuffer,
		MaxChannels:       s.Config.Server.MaxChannelsPerConnection,
		MaxFrameSize:      uint32(s.Config.Network.MaxFrameSize),
	}
}

func (s *Server) isShutdown() bool {
	s.Mutex.RLock()
	defer s.Mutex.RUnlock()
	return s.Shutdown
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.Mutex.RLock()
	defer s.Mutex.RUnlock()
	return len(s.Connections)
}

// Stop closes the listener and every connection, then waits for their
// goroutines to finish. Unacknowledged deliveries are requeued by the
// connection teardown.
func (s *Server) Stop() error {
	s.Mutex.Lock()
	if s.Shutdown {
		s.Mutex.Unlock()
		return nil
	}
	s.Shutdown = true

	var err error
	if s.Listener != nil {
		err = s.Listener.Close()
	}
	connections := make([]*Connection, 0, len(s.Connections))
	for _, conn := range s.Connections {
		connections = append(connections, conn)
	}
	s.Mutex.Unlock()

	for _, conn := range connections {
		conn.Close()
	}
	s.wg.Wait()

	s.Log.Info("Broker server stopped")
	return err
}
