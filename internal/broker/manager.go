package broker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// ConnectionState is the lifecycle state of the broker session.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ManagerConfig controls the connect retry loop.
type ManagerConfig struct {
	// RetryCount is the total number of connection attempts.
	RetryCount int
	// RetryDelay is the fixed pause between two attempts.
	RetryDelay time.Duration
}

// Manager establishes and owns the process-wide broker Channel. Connect
// retries a fixed number of times with a constant delay; callers that cannot
// run without a broker use MustConnect, which exits the process on failure.
type Manager struct {
	dial Dialer
	cfg  ManagerConfig
	log  *slog.Logger
	exit func(code int)

	mu      sync.RWMutex
	state   ConnectionState
	channel Channel

	connecting atomic.Bool
	closing    atomic.Bool
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(dial Dialer, cfg ManagerConfig, log *slog.Logger) *Manager {
	if cfg.RetryCount < 1 {
		cfg.RetryCount = 1
	}
	return &Manager{
		dial: dial,
		cfg:  cfg,
		log:  log.With(slog.String("component", "broker")),
		exit: os.Exit,
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Channel returns the active channel, or ErrNotConnected unless the manager
// is Connected.
func (m *Manager) Channel() (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Connected || m.channel == nil {
		return nil, ErrNotConnected
	}
	return m.channel, nil
}

// Connect dials the broker, retrying up to RetryCount attempts with
// RetryDelay between them. On exhaustion it returns a *ConnectionError and
// the manager is left Disconnected with no channel. Connect is a no-op when
// already Connected and must not be called concurrently with itself.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.connecting.CompareAndSwap(false, true) {
		return ErrConnectInProgress
	}
	defer m.connecting.Store(false)

	if m.State() == Connected {
		return nil
	}

	delay := m.cfg.RetryDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	backoff := retry.WithMaxRetries(uint64(m.cfg.RetryCount-1), retry.NewConstant(delay))

	attempts := 0
	var lastErr error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		m.setState(Connecting, nil)

		ch, err := m.dial(ctx)
		if err != nil {
			lastErr = err
			m.setState(Disconnected, nil)
			m.log.Error("failed to connect to broker",
				"attempt", attempts,
				"retries_left", m.cfg.RetryCount-attempts,
				"error", err)
			return retry.RetryableError(err)
		}

		m.setState(Connected, ch)
		return nil
	})
	if err != nil {
		m.setState(Disconnected, nil)
		if lastErr == nil || ctx.Err() != nil {
			lastErr = err
		}
		return &ConnectionError{Attempts: attempts, Err: lastErr}
	}

	m.closing.Store(false)
	m.log.Info("connected to broker", "attempts", attempts)
	return nil
}

// MustConnect is Connect for processes that are useless without a broker: on
// failure it logs and terminates with exit status 1.
func (m *Manager) MustConnect(ctx context.Context) {
	if err := m.Connect(ctx); err != nil {
		m.log.Error("giving up on broker connection, exiting", "error", err)
		m.exit(1)
	}
}

// Supervise blocks until ctx is cancelled or the manager is closed. When the
// session is lost it reconnects with the same retry policy and calls
// onReconnect with the new channel in place. Exhausted retries exit the
// process; a reconnect cut short by ctx or Close just returns.
func (m *Manager) Supervise(ctx context.Context, onReconnect func(ctx context.Context) error) {
	for {
		ch, err := m.Channel()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case cause, ok := <-ch.NotifyClose():
			if !ok || m.closing.Load() {
				return
			}
			m.log.Warn("broker session lost, reconnecting", "error", cause)
		}

		m.mu.Lock()
		if m.channel == ch {
			m.channel = nil
			m.state = Disconnected
		}
		m.mu.Unlock()
		_ = ch.Close()

		if err := m.Connect(ctx); err != nil {
			if ctx.Err() != nil || m.closing.Load() {
				m.log.Info("reconnect abandoned on shutdown", "error", err)
				return
			}
			m.log.Error("giving up on broker connection, exiting", "error", err)
			m.exit(1)
			return
		}
		if onReconnect != nil {
			if err := onReconnect(ctx); err != nil {
				m.log.Error("resubscribing after reconnect failed", "error", err)
			}
		}
	}
}

// Close closes the channel and returns to Disconnected.
func (m *Manager) Close() error {
	m.closing.Store(true)

	m.mu.Lock()
	ch := m.channel
	m.channel = nil
	m.state = Disconnected
	m.mu.Unlock()

	if ch == nil {
		return nil
	}
	if err := ch.Close(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

func (m *Manager) setState(state ConnectionState, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.channel = ch
}
