package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshbridge/internal/mesh"
)

// Sentinel errors returned by SendMessage.
var (
	// ErrNotConnected is returned when a send is attempted while the
	// link is not in the Connected state.
	ErrNotConnected = errors.New("not connected to mesh transport")
	// ErrInvalidDestination is returned for a destination id that does
	// not parse as a hex node id. Local validation, not a transport fault.
	ErrInvalidDestination = errors.New("invalid destination node id")
)

const (
	// healthMissLimit is how many consecutive monitor ticks may pass
	// without activity before the link is declared unhealthy.
	healthMissLimit = 3
	// shutdownJoinTimeout bounds the wait for the monitor goroutine.
	shutdownJoinTimeout = 5 * time.Second
)

// Config holds the retry and monitoring parameters.
type Config struct {
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	CheckInterval  time.Duration
}

// DefaultConfig mirrors the radio-friendly defaults: five attempts,
// 1s base delay capped at 30s, one health check per second.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		BaseRetryDelay: time.Second,
		MaxRetryDelay:  30 * time.Second,
		CheckInterval:  time.Second,
	}
}

// Status is a point-in-time snapshot of the connection.
type Status struct {
	State             State
	RetryCount        int
	Healthy           bool
	TimeInState       time.Duration
	TimeSinceActivity time.Duration
}

// Manager owns the connection state machine for the mesh link.
// All state reads and writes happen under one mutex; transitions not in
// the table are rejected without side effects.
type Manager struct {
	cfg       Config
	clock     Clock
	logger    *zap.Logger
	transport mesh.Transport

	// dial is invoked for each deferred reconnection attempt. Its
	// result is fed back through ConnectionSucceeded/ConnectionFailed.
	dial func(ctx context.Context) error

	onStateChange func(from, to State)

	mu              sync.Mutex
	state           State
	retryCount      int
	lastStateChange time.Time
	lastActivity    time.Time
	healthy         bool

	monitorStop chan struct{}
	monitorWG   sync.WaitGroup

	reconnectCancel chan struct{}
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock injects a clock, used by tests to avoid real timers.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithDialFunc sets the function invoked for deferred reconnection
// attempts after backoff expires.
func WithDialFunc(dial func(ctx context.Context) error) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithStateChangeFunc registers a callback fired after every accepted
// transition. Rejected transitions never fire it.
func WithStateChangeFunc(fn func(from, to State)) Option {
	return func(m *Manager) { m.onStateChange = fn }
}

// NewManager creates a connection manager around a transport.
func NewManager(cfg Config, transport mesh.Transport, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = time.Second
	}
	if cfg.MaxRetryDelay < cfg.BaseRetryDelay {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}

	m := &Manager{
		cfg:       cfg,
		clock:     NewRealClock(),
		logger:    logger,
		transport: transport,
	}
	for _, opt := range opts {
		opt(m)
	}
	now := m.clock.Now()
	m.state = StateDisconnected
	m.lastStateChange = now
	m.lastActivity = now
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setStateLocked applies a validated transition. Callers hold m.mu.
// Returns false (and changes nothing) for transitions not in the table.
func (m *Manager) setStateLocked(to State) bool {
	from := m.state
	if !CanTransition(from, to) {
		m.logger.Debug("rejected state transition",
			zap.Stringer("from", from), zap.Stringer("to", to))
		return false
	}
	m.state = to
	m.lastStateChange = m.clock.Now()
	m.logger.Info("connection state changed",
		zap.Stringer("from", from), zap.Stringer("to", to))
	if m.onStateChange != nil {
		m.onStateChange(from, to)
	}
	return true
}

// StartConnection begins connecting. Only effective from Disconnected:
// resets the retry counter and starts the background health monitor.
func (m *Manager) StartConnection() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateDisconnected {
		m.logger.Debug("cannot start connection", zap.Stringer("state", m.state))
		return
	}
	if !m.setStateLocked(StateConnecting) {
		return
	}
	m.retryCount = 0

	if m.monitorStop == nil {
		m.monitorStop = make(chan struct{})
		m.monitorWG.Add(1)
		go m.monitorLoop(m.monitorStop)
	}
}

// ConnectionSucceeded records a successful connect or reconnect.
// Valid only from Connecting or Reconnecting.
func (m *Manager) ConnectionSucceeded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnecting && m.state != StateReconnecting {
		m.logger.Debug("unexpected connection success", zap.Stringer("state", m.state))
		return
	}
	if !m.setStateLocked(StateConnected) {
		return
	}
	m.retryCount = 0
	m.healthy = true
	m.lastActivity = m.clock.Now()
	m.cancelReconnectLocked()
}

// ConnectionFailed records a failed connect or reconnect attempt.
// Valid only from Connecting or Reconnecting. Exceeding the retry
// budget lands in Failed, which requires a manual StartConnection;
// otherwise one deferred re-attempt is scheduled with jittered backoff.
func (m *Manager) ConnectionFailed(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectionFailedLocked(cause)
}

func (m *Manager) connectionFailedLocked(cause error) {
	if m.state != StateConnecting && m.state != StateReconnecting {
		m.logger.Debug("unexpected connection failure",
			zap.Stringer("state", m.state), zap.Error(cause))
		return
	}

	m.retryCount++
	if m.retryCount >= m.cfg.MaxRetries {
		if m.setStateLocked(StateFailed) {
			m.logger.Error("connection failed permanently, manual restart required",
				zap.Int("attempts", m.retryCount), zap.Error(cause))
		}
		return
	}

	delay := applyJitter(backoffDelay(m.cfg.BaseRetryDelay, m.cfg.MaxRetryDelay, m.retryCount), nil)
	m.logger.Info("connection attempt failed, retrying",
		zap.Int("attempt", m.retryCount),
		zap.Int("max_attempts", m.cfg.MaxRetries),
		zap.Duration("delay", delay),
		zap.Error(cause))

	// Failures before the first success keep the machine in Connecting;
	// the Reconnecting state is reserved for a link that was once up.
	m.scheduleReconnectLocked(delay)
}

// scheduleReconnectLocked arranges exactly one deferred re-attempt.
// A previously pending attempt is cancelled first.
func (m *Manager) scheduleReconnectLocked(delay time.Duration) {
	m.cancelReconnectLocked()
	cancel := make(chan struct{})
	m.reconnectCancel = cancel

	timer := m.clock.After(delay)
	go func() {
		select {
		case <-cancel:
			return
		case <-timer:
		}
		m.attemptReconnect()
	}()
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectCancel != nil {
		close(m.reconnectCancel)
		m.reconnectCancel = nil
	}
}

// attemptReconnect runs the dial function once and feeds the outcome
// back into the state machine.
func (m *Manager) attemptReconnect() {
	m.mu.Lock()
	if m.state != StateConnecting && m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	dial := m.dial
	m.mu.Unlock()

	if dial == nil {
		return
	}

	if err := dial(context.Background()); err != nil {
		m.ConnectionFailed(err)
		return
	}
	m.ConnectionSucceeded()
}

// ConnectionLost records an established link dropping out from under
// us. From Connected it enters Reconnecting and schedules the first
// retry; during an attempt it counts as a plain failure.
func (m *Manager) ConnectionLost(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateConnected && !m.setStateLocked(StateReconnecting) {
		return
	}
	m.connectionFailedLocked(cause)
}

// UpdateActivity marks the link healthy; called on every observed packet.
func (m *Manager) UpdateActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.clock.Now()
	m.healthy = true
}

// monitorLoop watches the health flag while Connected. The flag must
// be refreshed at least once per interval; three consecutive misses
// force a reconnection.
func (m *Manager) monitorLoop(stop chan struct{}) {
	defer m.monitorWG.Done()

	misses := 0
	for {
		select {
		case <-stop:
			return
		case <-m.clock.After(m.cfg.CheckInterval):
		}

		m.mu.Lock()
		if m.state != StateConnected {
			misses = 0
			m.mu.Unlock()
			continue
		}
		if m.healthy {
			m.healthy = false
			misses = 0
			m.mu.Unlock()
			continue
		}
		misses++
		if misses < healthMissLimit {
			m.mu.Unlock()
			continue
		}
		misses = 0
		m.logger.Warn("connection health checks missed, reconnecting",
			zap.Int("consecutive_misses", healthMissLimit))
		if m.setStateLocked(StateReconnecting) {
			m.connectionFailedLocked(errors.New("health check timeout"))
		}
		m.mu.Unlock()
	}
}

// Shutdown cancels timers, walks the state machine to Disconnected,
// and joins the monitor goroutine with a bounded wait. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.cancelReconnectLocked()

	if m.state != StateDisconnected {
		m.setStateLocked(StateShuttingDown)
		m.setStateLocked(StateDisconnected)
	}

	stop := m.monitorStop
	m.monitorStop = nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)

	done := make(chan struct{})
	go func() {
		m.monitorWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownJoinTimeout):
		m.logger.Warn("timed out waiting for connection monitor to stop")
	}
}

// SendMessage transmits text over the mesh. A non-empty destination is
// a unicast acknowledged send; otherwise the message broadcasts on the
// given channel. Fails fast when not Connected. A connectivity error
// during the send doubles as a connection-lost signal.
func (m *Manager) SendMessage(ctx context.Context, text, destinationID string, channelIndex int) error {
	m.mu.Lock()
	if m.state != StateConnected {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotConnected, state)
	}
	m.mu.Unlock()

	if channelIndex < 0 {
		m.logger.Info("invalid channel index on send, defaulting to 0",
			zap.Int("channel", channelIndex))
		channelIndex = 0
	}

	direct := destinationID != "" && !mesh.IsBroadcast(destinationID)
	if direct && !mesh.ValidNodeID(destinationID) {
		return fmt.Errorf("%w: %q", ErrInvalidDestination, destinationID)
	}

	var err error
	if direct {
		err = m.transport.SendText(ctx, text, mesh.NormalizeID(destinationID), channelIndex, true)
	} else {
		err = m.transport.SendText(ctx, text, "", channelIndex, false)
	}
	if err == nil {
		return nil
	}

	m.logger.Error("mesh send failed",
		zap.Bool("direct", direct),
		zap.Int("channel", channelIndex),
		zap.Error(err))

	if isConnectivityError(err) {
		// A failed send is simultaneously a connectivity signal.
		m.mu.Lock()
		if m.state == StateConnected && m.setStateLocked(StateReconnecting) {
			m.connectionFailedLocked(err)
		}
		m.mu.Unlock()
	}
	return fmt.Errorf("mesh send failed: %w", err)
}

// GetStatus returns a snapshot taken under the state lock.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	return Status{
		State:             m.state,
		RetryCount:        m.retryCount,
		Healthy:           m.healthy,
		TimeInState:       now.Sub(m.lastStateChange),
		TimeSinceActivity: now.Sub(m.lastActivity),
	}
}

// isConnectivityError recognises transport errors that mean the link
// itself is gone, as opposed to a rejected payload.
func isConnectivityError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"broken pipe", "not connected", "disconnected", "connection reset", "closed", "eof"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
