package logstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Conn is a subscriber connection that can also be read from. Inbound
// messages carry no meaning; reading them only keeps the connection alive and
// surfaces the close.
type Conn interface {
	Subscriber
	Receive(ctx context.Context) error
}

// AcceptFunc completes the handshake for an incoming connection.
type AcceptFunc func() (Conn, error)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Lifecycle drives subscriber connections through
// connecting -> connected -> disconnected against a Registry.
type Lifecycle struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
}

func NewLifecycle(registry *Registry, logger *slog.Logger, metrics *Metrics) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{registry: registry, logger: logger, metrics: metrics}
}

// Session is one subscriber's stay in the registry.
type Session struct {
	ID      string
	BuildID int64

	conn     Conn
	registry *Registry

	mu    sync.Mutex
	state State
	once  sync.Once
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Disconnect unregisters and closes the connection. Only the first call has
// any effect.
func (s *Session) Disconnect(reason string) {
	s.once.Do(func() {
		s.registry.Unregister(s.BuildID, s.conn)
		_ = s.conn.Close(reason)

		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
	})
}

// Serve accepts a connection for buildID, registers it and blocks until the
// connection ends. An accept error is returned as is and leaves the registry
// untouched; every other exit path is a normal disconnect and returns nil.
func (l *Lifecycle) Serve(ctx context.Context, buildID int64, accept AcceptFunc) error {
	conn, err := accept()
	if err != nil {
		l.metrics.session("accept_failed")
		return fmt.Errorf("accept subscriber for deploy %d: %w", buildID, err)
	}

	sess := l.Connect(buildID, conn)
	logger := l.logger.With("deploy_id", buildID, "session", sess.ID)
	logger.Info("subscriber connected", "subscribers", l.registry.Count(buildID))

	reason := "connection closed"
	for {
		if err := conn.Receive(ctx); err != nil {
			if ctx.Err() != nil {
				reason = "server shutting down"
			}
			logger.Debug("subscriber read ended", "error", err)
			break
		}
	}

	sess.Disconnect(reason)
	l.metrics.session("closed")
	logger.Info("subscriber disconnected", "reason", reason)
	return nil
}

// Connect registers an already-accepted connection and returns its session.
func (l *Lifecycle) Connect(buildID int64, conn Conn) *Session {
	sess := &Session{
		ID:       uuid.NewString(),
		BuildID:  buildID,
		conn:     conn,
		registry: l.registry,
		state:    StateConnecting,
	}
	l.registry.Register(buildID, conn)

	sess.mu.Lock()
	sess.state = StateConnected
	sess.mu.Unlock()
	return sess
}
