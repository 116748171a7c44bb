// Package registry maintains the live registry of runner connections.
//
// The registry owns every runner transport exclusively. It validates
// registrations, detects duplicate instances, reclaims offline identities
// for redeployed runners, and schedules offline-grace timers so transient
// connection blips never end sessions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/protocol"
	"github.com/haasonsaas/relay/internal/runners"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/surface"
)

// Registry errors.
var (
	// ErrDuplicateInstance means the token is already held by a different
	// runner that is currently online.
	ErrDuplicateInstance = errors.New("token already held by an online runner")

	// ErrNotConnected means the runner has no live transport.
	ErrNotConnected = errors.New("runner not connected")
)

// Config configures the connection registry.
type Config struct {
	// OfflineGrace is how long a runner may stay disconnected before it is
	// marked offline and its sessions are ended.
	OfflineGrace time.Duration

	// HeartbeatInterval is advertised to runners at registration.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a silent connection survives before the
	// keep-alive probe forcibly terminates it.
	HeartbeatTimeout time.Duration

	// KeepAliveInterval is how often the probe pings live connections.
	KeepAliveInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OfflineGrace:      30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		KeepAliveInterval: 15 * time.Second,
	}
}

// Conn is a live runner connection.
type Conn struct {
	RunnerID    string
	Name        string
	ConnectedAt time.Time

	transport Transport
	lastSeen  time.Time
}

// RegisterResult reports the outcome of a successful registration.
type RegisterResult struct {
	Runner    *runners.Runner
	Reclaimed bool
}

// Manager owns the runner-identity to transport map.
type Manager struct {
	mu          sync.RWMutex
	conns       map[string]*Conn
	graceTimers map[string]*time.Timer

	// regMu serializes registrations so that resolving the token holder,
	// classifying it, and mutating the store happen atomically. Without it
	// two simultaneous registrations on one token could both observe no
	// online holder and both be accepted.
	regMu sync.Mutex

	runners   runners.Store
	sessions  sessions.Store
	surface   surface.Surface
	validator TokenValidator
	config    Config
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewManager creates a connection registry.
func NewManager(config Config, store runners.Store, directory sessions.Store, surf surface.Surface, validator TokenValidator, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.OfflineGrace <= 0 {
		config.OfflineGrace = DefaultConfig().OfflineGrace
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if config.KeepAliveInterval <= 0 {
		config.KeepAliveInterval = DefaultConfig().KeepAliveInterval
	}
	return &Manager{
		conns:       make(map[string]*Conn),
		graceTimers: make(map[string]*time.Timer),
		runners:     store,
		sessions:    directory,
		surface:     surf,
		validator:   validator,
		config:      config,
		logger:      logger.With("component", "registry"),
		metrics:     metrics,
	}
}

// regState classifies a registration against the token's current holder.
type regState int

const (
	regAbsent regState = iota
	regSameIdentity
	regKnownOffline
	regKnownOnline
)

func (m *Manager) classify(holder *runners.Runner, runnerID string) regState {
	if holder == nil {
		return regAbsent
	}
	if holder.ID == runnerID {
		return regSameIdentity
	}
	// Online means a live transport, not the durable status flag: after a
	// coordinator restart the store may still say online with no connection.
	if _, ok := m.conns[holder.ID]; ok {
		return regKnownOnline
	}
	return regKnownOffline
}

// Register validates a runner registration and installs its transport.
// On ErrDuplicateInstance and authentication failures the transport is
// closed before returning.
func (m *Manager) Register(ctx context.Context, runnerID, name, token string, capabilities []string, transport Transport) (*RegisterResult, error) {
	ownerID, err := m.validator.Validate(ctx, token)
	if err != nil {
		m.countRegistration("rejected")
		_ = transport.Close() //nolint:errcheck
		return nil, err
	}

	if runnerID == "" {
		runnerID = uuid.NewString()
	}

	m.regMu.Lock()
	defer m.regMu.Unlock()

	holder, err := m.runners.GetByToken(ctx, token)
	if err != nil && !errors.Is(err, runners.ErrNotFound) {
		_ = transport.Close() //nolint:errcheck
		return nil, fmt.Errorf("resolve token holder: %w", err)
	}

	m.mu.Lock()
	state := m.classify(holder, runnerID)
	m.mu.Unlock()

	var (
		runner    *runners.Runner
		reclaimed bool
	)

	switch state {
	case regKnownOnline:
		m.countRegistration("rejected")
		_ = transport.Close() //nolint:errcheck
		m.logger.Warn("duplicate instance rejected",
			"runner_id", runnerID,
			"holder_id", holder.ID,
		)
		return nil, ErrDuplicateInstance

	case regAbsent:
		runner = &runners.Runner{
			ID:            runnerID,
			Name:          name,
			OwnerID:       ownerID,
			Capabilities:  capabilities,
			Status:        runners.StatusOnline,
			LastHeartbeat: time.Now(),
			Token:         token,
		}
		if err := m.runners.Create(ctx, runner); err != nil {
			_ = transport.Close() //nolint:errcheck
			return nil, fmt.Errorf("create runner: %w", err)
		}
		m.countRegistration("accepted")

	case regSameIdentity:
		runner = holder
		if name != "" {
			runner.Name = name
		}
		if len(capabilities) > 0 {
			runner.Capabilities = capabilities
		}
		runner.Status = runners.StatusOnline
		runner.LastHeartbeat = time.Now()
		if err := m.runners.Update(ctx, runner); err != nil {
			_ = transport.Close() //nolint:errcheck
			return nil, fmt.Errorf("update runner: %w", err)
		}
		m.countRegistration("accepted")

	case regKnownOffline:
		runner = m.reclaim(ctx, holder, runnerID, name, capabilities)
		reclaimed = true
		m.countRegistration("reclaimed")
	}

	m.adopt(runner.ID, runner.Name, transport)

	m.logger.Info("runner registered",
		"runner_id", runner.ID,
		"name", runner.Name,
		"reclaimed", reclaimed,
	)
	return &RegisterResult{Runner: runner, Reclaimed: reclaimed}, nil
}

// reclaim retires the offline holder and transfers its durable state to the
// new identity. Side-effect failures are logged but never block the
// handshake: a runner that redeployed must be able to come back.
func (m *Manager) reclaim(ctx context.Context, holder *runners.Runner, runnerID, name string, capabilities []string) *runners.Runner {
	runner := &runners.Runner{
		ID:              runnerID,
		Name:            name,
		OwnerID:         holder.OwnerID,
		AuthorizedUsers: holder.AuthorizedUsers,
		Defaults:        holder.Defaults,
		Capabilities:    capabilities,
		Status:          runners.StatusOnline,
		LastHeartbeat:   time.Now(),
		Token:           holder.Token,
	}
	if runner.Name == "" {
		runner.Name = holder.Name
	}
	if len(runner.Capabilities) == 0 {
		runner.Capabilities = holder.Capabilities
	}

	if err := m.runners.Create(ctx, runner); err != nil {
		m.logger.Error("reclaim: create new identity failed",
			"runner_id", runnerID,
			"old_id", holder.ID,
			"error", err,
		)
		// Fall back to reusing the old record under its old id.
		holder.Status = runners.StatusOnline
		holder.LastHeartbeat = time.Now()
		if err := m.runners.Update(ctx, holder); err != nil {
			m.logger.Error("reclaim fallback update failed", "runner_id", holder.ID, "error", err)
		}
		return holder
	}

	// Transfer session ownership to the new identity.
	owned, err := m.sessions.ListByRunner(ctx, holder.ID, false)
	if err != nil {
		m.logger.Error("reclaim: list sessions failed", "old_id", holder.ID, "error", err)
	}
	for _, session := range owned {
		session.RunnerID = runnerID
		if err := m.sessions.Update(ctx, session); err != nil {
			m.logger.Error("reclaim: session transfer failed",
				"session_id", session.ID,
				"error", err,
			)
		}
	}

	if err := m.runners.Delete(ctx, holder.ID); err != nil {
		m.logger.Error("reclaim: retire old identity failed", "old_id", holder.ID, "error", err)
	}

	m.logger.Info("runner identity reclaimed",
		"runner_id", runnerID,
		"old_id", holder.ID,
		"sessions_transferred", len(owned),
	)
	return runner
}

// adopt installs a transport for a runner, cancelling any pending
// offline-grace timer and closing any previously stored transport.
func (m *Manager) adopt(runnerID, name string, transport Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timer, ok := m.graceTimers[runnerID]; ok {
		timer.Stop()
		delete(m.graceTimers, runnerID)
	}

	if existing, ok := m.conns[runnerID]; ok && existing.transport != transport {
		_ = existing.transport.Close() //nolint:errcheck
	}

	m.conns[runnerID] = &Conn{
		RunnerID:    runnerID,
		Name:        name,
		ConnectedAt: time.Now(),
		transport:   transport,
		lastSeen:    time.Now(),
	}
	m.updateOnlineGauge()
}

// Heartbeat refreshes liveness for a runner. If no transport is on record
// the heartbeat's transport is adopted, which covers heartbeats racing
// ahead of registration on a reconnect.
func (m *Manager) Heartbeat(ctx context.Context, runnerID string, transport Transport) {
	m.mu.Lock()
	if timer, ok := m.graceTimers[runnerID]; ok {
		timer.Stop()
		delete(m.graceTimers, runnerID)
	}

	conn, ok := m.conns[runnerID]
	if ok {
		conn.lastSeen = time.Now()
		m.mu.Unlock()
	} else {
		m.mu.Unlock()
		if transport != nil {
			m.adopt(runnerID, "", transport)
		}
	}

	runner, err := m.runners.Get(ctx, runnerID)
	if err != nil {
		return
	}
	runner.LastHeartbeat = time.Now()
	runner.Status = runners.StatusOnline
	if err := m.runners.Update(ctx, runner); err != nil {
		m.logger.Warn("heartbeat update failed", "runner_id", runnerID, "error", err)
	}
}

// Touch records inbound traffic as a liveness signal.
func (m *Manager) Touch(runnerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[runnerID]; ok {
		conn.lastSeen = time.Now()
	}
}

// OnTransportClosed handles a transport close. The runner is not marked
// offline immediately: an offline-grace timer is scheduled, and a
// reconnection before it fires cancels it with no transition.
func (m *Manager) OnTransportClosed(runnerID string, transport Transport) {
	m.mu.Lock()
	conn, ok := m.conns[runnerID]
	if !ok || conn.transport != transport {
		// A newer transport already replaced this one.
		m.mu.Unlock()
		return
	}
	delete(m.conns, runnerID)
	m.updateOnlineGauge()

	if _, exists := m.graceTimers[runnerID]; !exists {
		m.graceTimers[runnerID] = time.AfterFunc(m.config.OfflineGrace, func() {
			m.graceExpired(runnerID)
		})
	}
	m.mu.Unlock()

	m.logger.Info("transport closed, offline grace started",
		"runner_id", runnerID,
		"grace", m.config.OfflineGrace,
	)
}

// graceExpired marks a runner offline after its grace window lapsed without
// a reconnect: active sessions are ended, their surfaces archived, and the
// owner notified exactly once.
func (m *Manager) graceExpired(runnerID string) {
	m.mu.Lock()
	delete(m.graceTimers, runnerID)
	if _, reconnected := m.conns[runnerID]; reconnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx := context.Background()
	runner, err := m.runners.Get(ctx, runnerID)
	if err != nil {
		m.logger.Warn("grace expired for unknown runner", "runner_id", runnerID, "error", err)
		return
	}

	runner.Status = runners.StatusOffline
	if err := m.runners.Update(ctx, runner); err != nil {
		m.logger.Error("mark offline failed", "runner_id", runnerID, "error", err)
	}

	active, err := m.sessions.ListByRunner(ctx, runnerID, true)
	if err != nil {
		m.logger.Error("list active sessions failed", "runner_id", runnerID, "error", err)
	}
	for _, session := range active {
		session.Status = sessions.StatusEnded
		session.EndedAt = time.Now()
		if err := m.sessions.Update(ctx, session); err != nil {
			m.logger.Error("end session failed", "session_id", session.ID, "error", err)
			continue
		}
		if m.surface != nil && session.ChannelID != "" {
			if err := m.surface.ArchiveChannel(ctx, session.ChannelID); err != nil {
				m.logger.Warn("archive channel failed",
					"session_id", session.ID,
					"channel_id", session.ChannelID,
					"error", err,
				)
			}
		}
	}

	if m.surface != nil && runner.OwnerID != "" {
		notice := fmt.Sprintf("Runner %s went offline; %d active session(s) were ended.",
			runner.Name, len(active))
		if err := m.surface.NotifyUser(ctx, runner.OwnerID, notice); err != nil {
			m.logger.Warn("owner notification failed", "runner_id", runnerID, "error", err)
		}
	}

	m.logger.Info("runner offline",
		"runner_id", runnerID,
		"sessions_ended", len(active),
	)
}

// Send writes one message to a runner's live transport.
func (m *Manager) Send(runnerID string, kind protocol.Kind, payload any) error {
	m.mu.RLock()
	conn, ok := m.conns[runnerID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, runnerID)
	}
	if err := conn.transport.Send(kind, payload); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.MessageCounter.WithLabelValues(string(kind), "outbound").Inc()
	}
	return nil
}

// Online reports whether a runner has a live transport.
func (m *Manager) Online(runnerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[runnerID]
	return ok
}

// OnlineCount returns the number of live connections.
func (m *Manager) OnlineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Run drives the keep-alive probe until ctx is cancelled. Connections that
// fail a ping or have been silent past HeartbeatTimeout are forcibly
// terminated, which is treated exactly like a transport close.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Manager) probe() {
	m.mu.RLock()
	snapshot := make(map[string]*Conn, len(m.conns))
	for id, conn := range m.conns {
		snapshot[id] = conn
	}
	m.mu.RUnlock()

	now := time.Now()
	for runnerID, conn := range snapshot {
		if now.Sub(conn.lastSeen) > m.config.HeartbeatTimeout {
			m.logger.Warn("keep-alive timeout, terminating connection",
				"runner_id", runnerID,
				"last_seen", conn.lastSeen,
			)
			_ = conn.transport.Close() //nolint:errcheck
			m.OnTransportClosed(runnerID, conn.transport)
			continue
		}
		if err := conn.transport.Ping(); err != nil {
			m.logger.Warn("keep-alive ping failed, terminating connection",
				"runner_id", runnerID,
				"error", err,
			)
			_ = conn.transport.Close() //nolint:errcheck
			m.OnTransportClosed(runnerID, conn.transport)
		}
	}
}

// Close tears down all connections and pending timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, timer := range m.graceTimers {
		timer.Stop()
		delete(m.graceTimers, id)
	}
	for id, conn := range m.conns {
		_ = conn.transport.Close() //nolint:errcheck
		delete(m.conns, id)
	}
	m.updateOnlineGauge()
}

func (m *Manager) countRegistration(outcome string) {
	if m.metrics != nil {
		m.metrics.RegistrationCounter.WithLabelValues(outcome).Inc()
	}
}

// updateOnlineGauge must be called with m.mu held.
func (m *Manager) updateOnlineGauge() {
	if m.metrics != nil {
		m.metrics.OnlineRunners.Set(float64(len(m.conns)))
	}
}

// HeartbeatInterval exposes the advertised heartbeat cadence.
func (m *Manager) HeartbeatInterval() time.Duration {
	return m.config.HeartbeatInterval
}
