package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "whatsgate/internal/errors"
	"whatsgate/internal/metrics"

	"github.com/sirupsen/logrus"
)

type State string

const (
	StateDisconnected  State = "disconnected"
	StateInitializing  State = "initializing"
	StateAwaitingScan  State = "awaiting_scan"
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
)

// ordinal is exported as the session_state gauge
func (s State) ordinal() float64 {
	switch s {
	case StateInitializing:
		return 1
	case StateAwaitingScan:
		return 2
	case StateAuthenticated:
		return 3
	case StateReady:
		return 4
	default:
		return 0
	}
}

// Snapshot is an immutable view of the session
type Snapshot struct {
	State       State     `json:"state"`
	QRChallenge string    `json:"qrChallenge,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Connector is the part of the chat client the session drives
type Connector interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
}

// Listener observes state changes. Listeners run on the transitioning goroutine,
// in transition order, and must not call back into the Manager.
type Listener func(prev, next Snapshot)

// Manager owns the lifecycle of the single chat session. Transitions are
// serialized by mu; readers load the current snapshot without locking.
type Manager struct {
	mu        sync.Mutex
	current   atomic.Pointer[Snapshot]
	listeners []Listener

	client  Connector
	logger  *logrus.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

func NewManager(client Connector, logger *logrus.Logger, registry *metrics.Registry) *Manager {
	if registry == nil {
		registry = metrics.GetRegistry()
	}
	m := &Manager{
		client:  client,
		logger:  logger,
		metrics: registry,
		now:     time.Now,
	}
	m.current.Store(&Snapshot{State: StateDisconnected, UpdatedAt: m.now().UTC()})
	registry.SetGauge(metrics.SessionState, StateDisconnected.ordinal(), nil, "Current session state (0=disconnected .. 4=ready)")
	return m
}

// Current returns the latest snapshot. Safe for concurrent use.
func (m *Manager) Current() Snapshot {
	return *m.current.Load()
}

func (m *Manager) IsReady() bool {
	return m.current.Load().State == StateReady
}

func (m *Manager) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Connect moves Disconnected to Initializing and asks the client to connect.
// A client failure returns the session to Disconnected with lastError set.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	cur := m.current.Load()
	if cur.State != StateDisconnected {
		m.mu.Unlock()
		return apperrors.NewAlreadyConnectingError(string(cur.State))
	}
	m.transitionLocked(Snapshot{State: StateInitializing})
	m.mu.Unlock()

	if err := m.client.Connect(ctx); err != nil {
		m.mu.Lock()
		if m.current.Load().State != StateDisconnected {
			m.transitionLocked(Snapshot{State: StateDisconnected, LastError: err.Error()})
		}
		m.mu.Unlock()
		return apperrors.NewExternalClientError("connect", err)
	}
	return nil
}

// Disconnect moves any state to Disconnected and closes the client.
// Disconnecting an already disconnected session is a no-op.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.current.Load().State == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.transitionLocked(Snapshot{State: StateDisconnected})
	m.mu.Unlock()

	if err := m.client.Close(ctx); err != nil {
		return apperrors.NewExternalClientError("disconnect", err)
	}
	return nil
}

// HandleQRChallenge records a new pairing challenge. Repeated challenges replace
// the stored one.
func (m *Manager) HandleQRChallenge(qr string) {
	m.apply("qr_challenge", func(cur *Snapshot) (Snapshot, bool) {
		switch cur.State {
		case StateInitializing, StateAwaitingScan:
			return Snapshot{State: StateAwaitingScan, QRChallenge: qr}, true
		}
		return Snapshot{}, false
	})
}

func (m *Manager) HandleAuthenticated() {
	m.apply("authenticated", func(cur *Snapshot) (Snapshot, bool) {
		switch cur.State {
		case StateInitializing, StateAwaitingScan:
			return Snapshot{State: StateAuthenticated}, true
		}
		return Snapshot{}, false
	})
}

func (m *Manager) HandleReady() {
	m.apply("ready", func(cur *Snapshot) (Snapshot, bool) {
		switch cur.State {
		case StateInitializing, StateAwaitingScan, StateAuthenticated:
			return Snapshot{State: StateReady}, true
		}
		return Snapshot{}, false
	})
}

// HandleDisconnected resets the session after the client lost its connection
func (m *Manager) HandleDisconnected(reason string) {
	m.reset("disconnected", reason)
}

// HandleAuthFailure resets the session after a fatal authentication failure
func (m *Manager) HandleAuthFailure(reason string) {
	m.reset("auth_failure", "authentication failed: "+reason)
}

func (m *Manager) reset(event, reason string) {
	m.apply(event, func(cur *Snapshot) (Snapshot, bool) {
		if cur.State == StateDisconnected {
			return Snapshot{}, false
		}
		return Snapshot{State: StateDisconnected, LastError: reason}, true
	})
}

func (m *Manager) apply(event string, next func(cur *Snapshot) (Snapshot, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	snap, ok := next(cur)
	if !ok {
		m.logger.WithFields(logrus.Fields{
			"event": event,
			"state": cur.State,
		}).Debug("Ignoring session event in current state")
		return
	}
	m.transitionLocked(snap)
}

func (m *Manager) transitionLocked(next Snapshot) {
	prev := *m.current.Load()
	next.UpdatedAt = m.now().UTC()
	m.current.Store(&next)

	m.metrics.SetGauge(metrics.SessionState, next.State.ordinal(), nil, "Current session state (0=disconnected .. 4=ready)")
	m.metrics.IncrementCounter(metrics.SessionTransitions, map[string]string{"to": string(next.State)}, "Session state transitions")

	entry := m.logger.WithFields(logrus.Fields{
		"from": prev.State,
		"to":   next.State,
	})
	if next.LastError != "" {
		entry.WithField("reason", next.LastError).Warn("Session state changed")
	} else {
		entry.Info("Session state changed")
	}

	for _, l := range m.listeners {
		l(prev, next)
	}
}
