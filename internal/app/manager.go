package app

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/bloomzen/internal/companion"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s"
)

const (
	// defaultStartTimeout bounds how long Start may take to open the devices
	// and connect.
	defaultStartTimeout = 20 * time.Second

	// defaultHistoryLimit is the number of ended conversations remembered.
	defaultHistoryLimit = 10
)

// ManagerConfig holds the dependencies of a [Manager].
type ManagerConfig struct {
	// Session is the companion the manager controls. Required.
	Session *companion.Session

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// StartTimeout bounds Start. Zero uses 20s.
	StartTimeout time.Duration

	// HistoryLimit is the number of ended conversations kept for
	// [Manager.History]. Zero uses 10.
	HistoryLimit int
}

// Manager controls the one companion session of the process for the CLI and
// the control API. It detaches starts from short-lived request contexts and
// remembers recently ended conversations.
// All exported methods are safe for concurrent use.
type Manager struct {
	session      *companion.Session
	log          *slog.Logger
	startTimeout time.Duration
	historyLimit int

	mu      sync.Mutex
	history []companion.Snapshot // newest first

	unsubscribe func()
	recorded    chan struct{}
	closeOnce   sync.Once
}

// NewManager creates a Manager and starts recording ended conversations.
// Call [Manager.Close] to release it.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		session:      cfg.Session,
		log:          cfg.Logger,
		startTimeout: cfg.StartTimeout,
		historyLimit: cfg.HistoryLimit,
		recorded:     make(chan struct{}),
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.startTimeout <= 0 {
		m.startTimeout = defaultStartTimeout
	}
	if m.historyLimit <= 0 {
		m.historyLimit = defaultHistoryLimit
	}

	updates, unsubscribe := m.session.Subscribe()
	m.unsubscribe = unsubscribe
	go m.record(updates)
	return m
}

// Start begins a conversation. The caller's context may end as soon as
// Start returns; only its values and cancellation before the connection is
// established are used.
func (m *Manager) Start(ctx context.Context) (companion.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, m.startTimeout)
	defer cancel()

	if err := m.session.Start(ctx); err != nil {
		return m.session.Snapshot(), err
	}
	snap := m.session.Snapshot()
	m.log.Info("conversation started",
		"session_id", snap.SessionID,
		"provider", snap.Provider,
		"voice", snap.Voice,
	)
	return snap, nil
}

// Stop ends the running conversation, if any, and returns the resulting
// snapshot. Stopping an idle companion is not an error.
func (m *Manager) Stop() companion.Snapshot {
	wasActive := m.session.State().Active()
	m.session.Stop()
	snap := m.session.Snapshot()
	if wasActive {
		m.log.Info("conversation stopped",
			"session_id", snap.SessionID,
			"sent", snap.Counters.ChunksSent,
			"dropped", snap.Counters.ChunksDropped,
			"received", snap.Counters.ChunksReceived,
		)
	}
	return snap
}

// Snapshot returns the companion's current view.
func (m *Manager) Snapshot() companion.Snapshot {
	return m.session.Snapshot()
}

// Active reports whether a conversation is connecting or listening.
func (m *Manager) Active() bool {
	return m.session.State().Active()
}

// Watch streams snapshots, starting with the current one, until ctx ends.
// The channel is closed afterwards.
func (m *Manager) Watch(ctx context.Context) <-chan companion.Snapshot {
	updates, unsubscribe := m.session.Subscribe()
	context.AfterFunc(ctx, unsubscribe)
	return updates
}

// History returns recently ended conversations, newest first.
func (m *Manager) History() []companion.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// SetPersona replaces the persona used by the next conversation.
func (m *Manager) SetPersona(p s2s.SessionConfig) {
	m.session.SetPersona(p)
}

// Persona returns the persona the next conversation will use.
func (m *Manager) Persona() s2s.SessionConfig {
	return m.session.Persona()
}

// Close stops any conversation and the history recorder. It is idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.session.Stop()
		m.unsubscribe()
		<-m.recorded
	})
}

// record keeps the final snapshot of each conversation. A conversation
// counts as ended once its snapshot carries an end time.
func (m *Manager) record(updates <-chan companion.Snapshot) {
	defer close(m.recorded)
	for snap := range updates {
		if snap.SessionID == "" || snap.EndedAt.IsZero() {
			continue
		}
		m.mu.Lock()
		if len(m.history) > 0 && m.history[0].SessionID == snap.SessionID {
			// Closed or Errored followed by Stop: keep the more telling
			// terminal state.
			if m.history[0].State == companion.StateIdle {
				m.history[0] = snap
			}
		} else {
			m.history = slices.Insert(m.history, 0, snap)
			if len(m.history) > m.historyLimit {
				m.history = m.history[:m.historyLimit]
			}
		}
		m.mu.Unlock()
	}
}
