package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/mqengine/config"
)

const defaultShutdownTimeout = 30 * time.Second

// LifecycleState represents the current state of the server
type LifecycleState int

const (
	StateStopped LifecycleState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s LifecycleState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// HealthStatus is the health report of a running server
type HealthStatus struct {
	Status    string        `json:"status"`
	Uptime    time.Duration `json:"uptime"`
	Timestamp time.Time     `json:"timestamp"`
	Errors    []string      `json:"errors,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
}

// ServerStats is a point-in-time summary of server activity
type ServerStats struct {
	Uptime      time.Duration
	Connections int
	Channels    int
	Consumers   int
	VHosts      int
	Exchanges   int
	Queues      int
}

// LifecycleManager manages the server's lifecycle states and transitions
type LifecycleManager struct {
	server     *Server
	state      LifecycleState
	stateMutex sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	startTime  time.Time
	stopTime   time.Time
	lastError  error
	hooks      []LifecycleHook
	config     *config.AMQPConfig
}

// LifecycleHook defines a hook that can be called during lifecycle events
type LifecycleHook struct {
	Name     string
	OnStart  func(ctx context.Context) error
	OnStop   func(ctx context.Context) error
	OnError  func(err error)
	Priority int // Lower numbers execute first
}

// NewLifecycleManager creates a new lifecycle manager for the server
func NewLifecycleManager(server *Server, config *config.AMQPConfig) *LifecycleManager {
	return &LifecycleManager{
		server: server,
		state:  StateStopped,
		config: config,
		hooks:  make([]LifecycleHook, 0),
	}
}

// RegisterHook registers a lifecycle hook
func (lm *LifecycleManager) RegisterHook(hook LifecycleHook) {
	lm.stateMutex.Lock()
	defer lm.stateMutex.Unlock()

	lm.hooks = append(lm.hooks, hook)
	sort.SliceStable(lm.hooks, func(i, j int) bool {
		return lm.hooks[i].Priority < lm.hooks[j].Priority
	})
}

// GetState returns the current lifecycle state
func (lm *LifecycleManager) GetState() LifecycleState {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()
	return lm.state
}

func (lm *LifecycleManager) setState(state LifecycleState) {
	lm.stateMutex.Lock()
	defer lm.stateMutex.Unlock()
	lm.state = state
}

// GetUptime returns how long the server has been running
func (lm *LifecycleManager) GetUptime() time.Duration {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()

	if lm.state == StateRunning {
		return time.Since(lm.startTime)
	}
	if !lm.stopTime.IsZero() {
		return lm.stopTime.Sub(lm.startTime)
	}
	return 0
}

// GetLastError returns the last error that occurred during lifecycle operations
func (lm *LifecycleManager) GetLastError() error {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()
	return lm.lastError
}

// Start runs the start hooks, binds the listener and serves connections in the
// background. It returns once the server accepts connections.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	if !lm.canTransitionTo(StateStarting) {
		return fmt.Errorf("cannot start server in state: %s", lm.GetState())
	}

	lm.setState(StateStarting)
	lm.stateMutex.Lock()
	lm.ctx, lm.cancel = context.WithCancel(ctx)
	lm.startTime = time.Now()
	lm.stopTime = time.Time{}
	lm.lastError = nil
	hooks := append([]LifecycleHook(nil), lm.hooks...)
	lm.stateMutex.Unlock()

	for _, hook := range hooks {
		if hook.OnStart != nil {
			if err := hook.OnStart(lm.ctx); err != nil {
				err = fmt.Errorf("start hook '%s' failed: %w", hook.Name, err)
				lm.setError(err)
				return err
			}
		}
	}

	if err := lm.server.Listen(); err != nil {
		lm.setError(err)
		return err
	}
	lm.setState(StateRunning)

	lm.wg.Add(2)
	go func() {
		defer lm.wg.Done()
		if err := lm.server.Serve(); err != nil {
			lm.setError(fmt.Errorf("server stopped: %w", err))
		}
	}()
	go func() {
		defer lm.wg.Done()
		lm.server.startSystemMetricsCollection(lm.ctx)
	}()

	return nil
}

// Stop gracefully stops the server, running the stop hooks in reverse order
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	currentState := lm.GetState()
	if currentState == StateStopped {
		return nil
	}
	if !lm.canTransitionTo(StateStopping) {
		return fmt.Errorf("cannot stop server in state: %s", currentState)
	}

	lm.stateMutex.Lock()
	lm.state = StateStopping
	lm.stopTime = time.Now()
	hooks := append([]LifecycleHook(nil), lm.hooks...)
	lm.stateMutex.Unlock()

	if lm.cancel != nil {
		lm.cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, lm.getShutdownTimeout())
	defer shutdownCancel()

	stopped := make(chan error, 1)
	go func() {
		stopped <- lm.server.Stop()
	}()

	var stopErr error
	select {
	case stopErr = <-stopped:
	case <-shutdownCtx.Done():
		stopErr = fmt.Errorf("server stop timed out: %w", shutdownCtx.Err())
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		if hook.OnStop != nil {
			if err := hook.OnStop(shutdownCtx); err != nil && hook.OnError != nil {
				hook.OnError(fmt.Errorf("stop hook '%s' failed: %w", hook.Name, err))
			}
		}
	}

	done := make(chan struct{})
	go func() {
		lm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		if stopErr == nil {
			stopErr = fmt.Errorf("shutdown timed out: %w", shutdownCtx.Err())
		}
	}

	lm.setState(StateStopped)
	return stopErr
}

// Health returns the server health status
func (lm *LifecycleManager) Health() HealthStatus {
	state := lm.GetState()

	status := HealthStatus{
		Uptime:    lm.GetUptime(),
		Timestamp: time.Now(),
	}

	switch state {
	case StateRunning:
		status.Status = "healthy"
	case StateStarting:
		status.Status = "starting"
	case StateStopping:
		status.Status = "stopping"
	case StateStopped:
		status.Status = "stopped"
	case StateError:
		status.Status = "unhealthy"
		if err := lm.GetLastError(); err != nil {
			status.Errors = []string{err.Error()}
		}
	default:
		status.Status = "unknown"
		status.Warnings = []string{"unknown server state"}
	}

	return status
}

// GetStats returns server statistics
func (lm *LifecycleManager) GetStats() *ServerStats {
	stats := &ServerStats{Uptime: lm.GetUptime()}

	lm.server.Mutex.RLock()
	connections := make([]*Connection, 0, len(lm.server.Connections))
	for _, conn := range lm.server.Connections {
		connections = append(connections, conn)
	}
	lm.server.Mutex.RUnlock()

	stats.Connections = len(connections)
	for _, conn := range connections {
		conn.mutex.Lock()
		channels := make([]*Channel, 0, len(conn.channels))
		for _, ch := range conn.channels {
			channels = append(channels, ch)
		}
		conn.mutex.Unlock()

		stats.Channels += len(channels)
		for _, ch := range channels {
			stats.Consumers += ch.ConsumerCount()
		}
	}

	if b := lm.server.Broker; b != nil {
		for _, name := range b.VHostNames() {
			vhost, err := b.VHost(name)
			if err != nil {
				continue
			}
			stats.VHosts++
			stats.Exchanges += len(vhost.Exchanges())
			stats.Queues += len(vhost.Queues())
		}
	}

	return stats
}

// canTransitionTo checks if we can transition to the given state
func (lm *LifecycleManager) canTransitionTo(target LifecycleState) bool {
	current := lm.GetState()

	switch target {
	case StateStarting:
		return current == StateStopped
	case StateRunning:
		return current == StateStarting
	case StateStopping:
		return current == StateStarting || current == StateRunning || current == StateError
	case StateStopped:
		return current == StateStopping
	case StateError:
		return true
	default:
		return false
	}
}

// setError sets the error state, stores the error and notifies the hooks
func (lm *LifecycleManager) setError(err error) {
	lm.stateMutex.Lock()
	lm.state = StateError
	lm.lastError = err
	hooks := append([]LifecycleHook(nil), lm.hooks...)
	lm.stateMutex.Unlock()

	for _, hook := range hooks {
		if hook.OnError != nil {
			hook.OnError(err)
		}
	}
}

func (lm *LifecycleManager) getShutdownTimeout() time.Duration {
	if lm.config != nil && lm.config.Server.ShutdownTimeout > 0 {
		return lm.config.Server.ShutdownTimeout
	}
	return defaultShutdownTimeout
}
