// Package session tracks the conversational context of each client session.
// Sessions soft-expire after a period of inactivity and are reopened by the
// next turn; they are never deleted.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrypster/gergy/internal/logging"
	"github.com/scrypster/gergy/internal/metrics"
	"github.com/scrypster/gergy/internal/storage"
	"github.com/scrypster/gergy/pkg/types"
)

// DefaultInactivity is the idle period after which a session is inactive.
const DefaultInactivity = 30 * time.Minute

var (
	// ErrNotFound is returned by Get for an unknown session.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidSession is returned for an empty session id.
	ErrInvalidSession = errors.New("session id is required")
)

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists sessions to store and reloads them on first use.
func WithStore(store storage.SessionStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithInactivity sets the soft-expiry threshold.
func WithInactivity(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.inactivity = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(m *Manager) { m.logger = logging.OrDiscard(logger) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics.OrNew(mt) }
}

// entry guards one session. Turns for the same session are serialised;
// different sessions proceed independently.
//
// loaded is false until the stored context has been read. Turns accepted
// before that are held in sess and merged behind the stored history once the
// store answers; they are never written over it. dirty marks state the
// store has not accepted yet. A retired entry has been removed from the map
// and must not be used.
type entry struct {
	mu      sync.Mutex
	sess    *types.SessionContext
	loaded  bool
	dirty   bool
	retired bool
}

// Manager owns the in-memory session contexts.
type Manager struct {
	store      storage.SessionStore
	inactivity time.Duration
	now        func() time.Time
	logger     logrus.FieldLogger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		inactivity: DefaultInactivity,
		now:        time.Now,
		logger:     logging.Discard(),
		sessions:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	return m
}

// Inactivity returns the soft-expiry threshold.
func (m *Manager) Inactivity() time.Duration {
	return m.inactivity
}

func (m *Manager) entryFor(sessionID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		e = &entry{}
		m.sessions[sessionID] = e
	}
	return e
}

// lock returns the live entry for sessionID with its mutex held.
func (m *Manager) lock(sessionID string) *entry {
	for {
		e := m.entryFor(sessionID)
		e.mu.Lock()
		if !e.retired {
			return e
		}
		e.mu.Unlock()
	}
}

// loadLocked fills e from the store on first use. e.mu must be held.
//
// A read failure other than not-found leaves e unloaded and is returned
// wrapped in storage.ErrPersistFailure; the next call retries.
func (m *Manager) loadLocked(ctx context.Context, sessionID string, e *entry) error {
	if e.loaded {
		return nil
	}
	if m.store == nil {
		e.loaded = true
		return nil
	}

	stored, err := m.store.GetSession(ctx, sessionID)
	switch {
	case err == nil:
		if e.sess != nil {
			mergePending(stored, e.sess)
			e.dirty = true
		}
		e.sess = stored
	case errors.Is(err, storage.ErrNotFound):
	default:
		m.metrics.PersistFailures.WithLabelValues("session").Inc()
		m.logger.WithError(err).WithField("session_id", sessionID).Warn("session: failed to load, holding turns in memory")
		return fmt.Errorf("%w: load session %s: %v", storage.ErrPersistFailure, sessionID, err)
	}
	e.loaded = true
	return nil
}

// mergePending appends turns accepted while the store was unreadable to the
// stored history.
func mergePending(stored, pending *types.SessionContext) {
	stored.AccumulatedText = append(stored.AccumulatedText, pending.AccumulatedText...)
	if pending.LastActiveAt.After(stored.LastActiveAt) {
		stored.LastActiveAt = pending.LastActiveAt
		stored.Active = pending.Active
	}
	if stored.Domain == "" {
		stored.Domain = pending.Domain
	}
}

// Append records text as a new turn from domain. A new session is created
// on first use; an inactive one is reopened. The returned context is a copy.
//
// A store failure is returned wrapped in storage.ErrPersistFailure together
// with the updated context; the turn is kept in memory. When the stored
// context could not be read, nothing is written until it can be.
func (m *Manager) Append(ctx context.Context, domain types.Domain, sessionID, text string) (types.SessionContext, error) {
	if sessionID == "" {
		return types.SessionContext{}, ErrInvalidSession
	}

	e := m.lock(sessionID)
	defer e.mu.Unlock()

	loadErr := m.loadLocked(ctx, sessionID, e)

	now := m.now()
	sess := e.sess
	switch {
	case sess == nil:
		sess = &types.SessionContext{
			SessionID: sessionID,
			Domain:    domain,
			StartedAt: now,
			Active:    true,
		}
		e.sess = sess
	case !sess.Active || m.idle(sess, now):
		sess.Active = true
		sess.Reopened++
		m.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"reopened":   sess.Reopened,
		}).Debug("session: reopened")
	}

	sess.AccumulatedText = append(sess.AccumulatedText, types.Turn{Domain: domain, Text: text, At: now})
	sess.LastActiveAt = now

	out := sess.Clone()
	if loadErr != nil {
		return out, loadErr
	}
	err := m.persist(ctx, &out)
	e.dirty = err != nil
	return out, err
}

// Get returns a copy of the session context.
func (m *Manager) Get(ctx context.Context, sessionID string) (types.SessionContext, error) {
	if sessionID == "" {
		return types.SessionContext{}, ErrInvalidSession
	}

	e := m.lock(sessionID)
	defer e.mu.Unlock()

	if err := m.loadLocked(ctx, sessionID, e); err != nil && e.sess == nil {
		return types.SessionContext{}, err
	}
	if e.sess == nil {
		return types.SessionContext{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	out := e.sess.Clone()
	if out.Active && m.idle(e.sess, m.now()) {
		out.Active = false
	}
	return out, nil
}

// SweepIdle marks sessions idle since before now minus the inactivity
// threshold as inactive and returns how many changed. With a store, swept
// sessions that are safely stored are dropped from memory and reloaded on
// their next turn.
func (m *Manager) SweepIdle(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.sessions))
	for id, e := range m.sessions {
		entries[id] = e
	}
	m.mu.Unlock()

	swept, active := 0, 0
	for id, e := range entries {
		e.mu.Lock()
		switch {
		case e.retired:
		case e.sess == nil:
			m.retireLocked(id, e)
		case !e.loaded:
			// Pending turns wait for the store; writing now would replace
			// the history that could not be read.
			if e.sess.Active {
				active++
			}
		default:
			if e.sess.Active && m.idle(e.sess, now) {
				e.sess.Active = false
				e.dirty = true
				swept++
			}
			if e.dirty {
				out := e.sess.Clone()
				e.dirty = m.persist(ctx, &out) != nil
			}
			if e.sess.Active {
				active++
			} else if !e.dirty && m.store != nil {
				m.retireLocked(id, e)
			}
		}
		e.mu.Unlock()
	}

	m.metrics.SessionsActive.Set(float64(active))
	if swept > 0 {
		m.logger.WithField("count", swept).Debug("session: marked idle sessions inactive")
	}
	return swept
}

// retireLocked drops e from memory. e.mu must be held, so a caller that
// fetched e before the removal sees retired and fetches a fresh entry.
func (m *Manager) retireLocked(id string, e *entry) {
	e.retired = true
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] == e {
		delete(m.sessions, id)
	}
}

// Len returns the number of sessions held in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) idle(sess *types.SessionContext, now time.Time) bool {
	return now.Sub(sess.LastActiveAt) >= m.inactivity
}

func (m *Manager) persist(ctx context.Context, sess *types.SessionContext) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.UpsertSession(ctx, sess); err != nil {
		m.metrics.PersistFailures.WithLabelValues("session").Inc()
		m.logger.WithError(err).WithField("session_id", sess.SessionID).Warn("session: failed to persist")
		return fmt.Errorf("%w: session %s: %v", storage.ErrPersistFailure, sess.SessionID, err)
	}
	return nil
}
