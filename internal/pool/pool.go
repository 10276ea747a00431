// Package pool keeps at most one live sandbox session per project key,
// reusing healthy sessions, evicting idle ones and bounding the total
// number of sessions.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/triage-ai/warden/internal/clock"
	"github.com/triage-ai/warden/internal/sandbox"
)

var (
	ErrPoolClosed    = errors.New("session pool closed")
	ErrPoolExhausted = errors.New("session pool exhausted: every slot is being created")
	ErrUnhealthy     = errors.New("session failed health probe")
)

const probeCommand = "echo ok"

// Config bounds the pool. Zero values take the defaults below.
type Config struct {
	MaxSessions   int           // 16
	IdleTimeout   time.Duration // 15m
	HealthTTL     time.Duration // 10s
	SweepInterval time.Duration // 60s; negative disables the background sweep
	ProbeTimeout  time.Duration // 10s
	// SweepConcurrency caps parallel probes during a sweep.
	SweepConcurrency int // 4
	// AcquireTimeout bounds a shared lookup-or-create. It runs detached
	// from any one caller's context.
	AcquireTimeout time.Duration // 2m
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 16
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Minute
	}
	if c.HealthTTL <= 0 {
		c.HealthTTL = 10 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 4
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 2 * time.Minute
	}
	return c
}

type entry struct {
	key        string
	session    sandbox.Session
	createdAt  time.Time
	lastAccess time.Time
	healthAt   time.Time
	healthy    bool
	idle       clock.Timer
}

// SessionInfo is a snapshot of one pooled session.
type SessionInfo struct {
	ProjectKey      string    `json:"project_key"`
	SessionID       string    `json:"session_id"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccess      time.Time `json:"last_access"`
	HealthCheckedAt time.Time `json:"health_checked_at"`
	Healthy         bool      `json:"healthy"`
	IdleDeadline    time.Time `json:"idle_deadline"`
}

// Stats summarizes pool occupancy.
type Stats struct {
	Sessions int  `json:"sessions"`
	Pending  int  `json:"pending"`
	Max      int  `json:"max"`
	Closed   bool `json:"closed"`
}

// Manager is the session pool. All bookkeeping happens under mu; probes,
// creation and teardown run outside it so different keys never wait on
// each other's I/O.
type Manager struct {
	provider sandbox.Provider
	clock    clock.Clock
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	pending int
	closed  bool

	creating singleflight.Group

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New returns a Manager and starts its background sweep unless
// cfg.SweepInterval is negative.
func New(provider sandbox.Provider, clk clock.Clock, cfg Config, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	m := &Manager{
		provider: provider,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		entries:  make(map[string]*entry),
	}
	if m.cfg.SweepInterval > 0 {
		m.stopSweep = make(chan struct{})
		m.sweepDone = make(chan struct{})
		go m.sweepLoop()
	}
	return m
}

// Acquire returns the live session for projectKey, creating one if
// needed. Concurrent calls for the same key share one lookup-or-create,
// which outlives any caller that gives up; each caller waits on its own
// ctx.
func (m *Manager) Acquire(ctx context.Context, projectKey string) (sandbox.Session, error) {
	if projectKey == "" {
		return nil, fmt.Errorf("Acquire: empty project key")
	}
	ch := m.creating.DoChan(projectKey, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.AcquireTimeout)
		defer cancel()
		return m.acquire(shared, projectKey)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("Acquire(%s): %w", projectKey, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(sandbox.Session), nil
	}
}

func (m *Manager) acquire(ctx context.Context, key string) (sandbox.Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrPoolClosed
	}
	e := m.entries[key]
	if e != nil {
		now := m.clock.Now()
		switch {
		case now.Sub(e.lastAccess) >= m.cfg.IdleTimeout:
			// The idle timer has not fired yet but the session is past
			// its deadline.
			m.removeLocked(key, e)
			m.mu.Unlock()
			m.teardown(e, "idle")
		case e.healthy && now.Sub(e.healthAt) < m.cfg.HealthTTL:
			m.touchLocked(e, now)
			m.mu.Unlock()
			return e.session, nil
		default:
			m.mu.Unlock()
			if s, ok := m.revalidate(ctx, key, e); ok {
				return s, nil
			}
		}
	} else {
		m.mu.Unlock()
	}
	return m.create(ctx, key)
}

// revalidate probes a session whose cached health is stale. On success
// it is touched and returned; on failure it is torn down.
func (m *Manager) revalidate(ctx context.Context, key string, e *entry) (sandbox.Session, bool) {
	err := m.probe(ctx, e.session)

	m.mu.Lock()
	if m.entries[key] != e {
		// Evicted by the sweep or idle timer while probing.
		m.mu.Unlock()
		return nil, false
	}
	now := m.clock.Now()
	if err == nil {
		e.healthy = true
		e.healthAt = now
		m.touchLocked(e, now)
		m.mu.Unlock()
		return e.session, true
	}
	m.removeLocked(key, e)
	m.mu.Unlock()

	m.logger.Warn("session failed health probe, recreating",
		zap.String("project_key", key),
		zap.String("session_id", e.session.ID()),
		zap.Error(err),
	)
	m.teardown(e, "unhealthy")
	return nil, false
}

func (m *Manager) create(ctx context.Context, key string) (sandbox.Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrPoolClosed
	}
	var victims []*entry
	for len(m.entries)+m.pending >= m.cfg.MaxSessions {
		v := m.lruLocked()
		if v == nil {
			m.mu.Unlock()
			return nil, ErrPoolExhausted
		}
		m.removeLocked(v.key, v)
		victims = append(victims, v)
	}
	m.pending++
	m.mu.Unlock()

	for _, v := range victims {
		m.teardown(v, "capacity")
	}

	s, err := m.provider.Create(ctx, key)

	m.mu.Lock()
	m.pending--
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("Acquire(%s): create session: %w", key, err)
	}
	if m.closed {
		m.mu.Unlock()
		m.teardown(&entry{key: key, session: s}, "pool closed")
		return nil, ErrPoolClosed
	}
	now := m.clock.Now()
	e := &entry{
		key:        key,
		session:    s,
		createdAt:  now,
		lastAccess: now,
		healthAt:   now,
		healthy:    true,
	}
	m.entries[key] = e
	m.armLocked(e)
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("project_key", key),
		zap.String("session_id", s.ID()),
	)
	return s, nil
}

// Release closes the session for projectKey. The entry is removed before
// teardown so a failing teardown never leaks the slot. It reports
// whether a session was pooled.
func (m *Manager) Release(ctx context.Context, projectKey string) bool {
	m.mu.Lock()
	e := m.entries[projectKey]
	if e == nil {
		m.mu.Unlock()
		return false
	}
	m.removeLocked(projectKey, e)
	m.mu.Unlock()

	m.teardownCtx(ctx, e, "released")
	return true
}

// ReleaseAll stops the background sweep and closes every session. The
// pool rejects further acquisitions.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.entries))
	for key, e := range m.entries {
		m.removeLocked(key, e)
		entries = append(entries, e)
	}
	m.mu.Unlock()

	if m.stopSweep != nil {
		close(m.stopSweep)
		<-m.sweepDone
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.SweepConcurrency)
	for _, e := range entries {
		g.Go(func() error {
			m.teardownCtx(gctx, e, "shutdown")
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info("session pool closed", zap.Int("sessions_closed", len(entries)))
}

// Sessions returns a snapshot of the pooled sessions ordered by key.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, SessionInfo{
			ProjectKey:      e.key,
			SessionID:       e.session.ID(),
			CreatedAt:       e.createdAt,
			LastAccess:      e.lastAccess,
			HealthCheckedAt: e.healthAt,
			Healthy:         e.healthy,
			IdleDeadline:    e.lastAccess.Add(m.cfg.IdleTimeout),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectKey < out[j].ProjectKey })
	return out
}

// Stats reports current occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Sessions: len(m.entries), Pending: m.pending, Max: m.cfg.MaxSessions, Closed: m.closed}
}

// Sweep probes every pooled session once and evicts the unhealthy ones.
// It returns the number evicted.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	snapshot := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		snapshot = append(snapshot, e)
	}
	m.mu.Unlock()

	var (
		evictedMu sync.Mutex
		evicted   []*entry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.SweepConcurrency)
	for _, e := range snapshot {
		g.Go(func() error {
			err := m.probe(gctx, e.session)

			m.mu.Lock()
			if m.entries[e.key] != e {
				m.mu.Unlock()
				return nil
			}
			if err == nil {
				e.healthy = true
				e.healthAt = m.clock.Now()
				m.mu.Unlock()
				return nil
			}
			m.removeLocked(e.key, e)
			m.mu.Unlock()

			m.logger.Warn("sweep evicting unhealthy session",
				zap.String("project_key", e.key),
				zap.String("session_id", e.session.ID()),
				zap.Error(err),
			)
			evictedMu.Lock()
			evicted = append(evicted, e)
			evictedMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, e := range evicted {
		m.teardownCtx(ctx, e, "unhealthy")
	}
	return len(evicted)
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C():
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SweepInterval)
			if n := m.Sweep(ctx); n > 0 {
				m.logger.Info("sweep complete", zap.Int("evicted", n))
			}
			cancel()
		}
	}
}

func (m *Manager) probe(ctx context.Context, s sandbox.Session) error {
	res, err := s.Run(ctx, probeCommand, m.cfg.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, "ok") {
		return fmt.Errorf("%w: exit %d, stdout %q", ErrUnhealthy, res.ExitCode, res.Stdout)
	}
	return nil
}

// expire is the idle timer callback.
func (m *Manager) expire(e *entry) {
	m.mu.Lock()
	if m.entries[e.key] != e {
		m.mu.Unlock()
		return
	}
	if m.clock.Now().Sub(e.lastAccess) < m.cfg.IdleTimeout {
		// Touched after this timer was scheduled.
		m.mu.Unlock()
		return
	}
	m.removeLocked(e.key, e)
	m.mu.Unlock()
	m.teardown(e, "idle")
}

func (m *Manager) touchLocked(e *entry, now time.Time) {
	e.lastAccess = now
	m.armLocked(e)
}

func (m *Manager) armLocked(e *entry) {
	if e.idle != nil {
		e.idle.Stop()
	}
	e.idle = m.clock.AfterFunc(m.cfg.IdleTimeout, func() { m.expire(e) })
}

func (m *Manager) removeLocked(key string, e *entry) {
	if e.idle != nil {
		e.idle.Stop()
	}
	if m.entries[key] == e {
		delete(m.entries, key)
	}
}

func (m *Manager) lruLocked() *entry {
	var oldest *entry
	for _, e := range m.entries {
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldest = e
		}
	}
	return oldest
}

func (m *Manager) teardown(e *entry, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	m.teardownCtx(ctx, e, reason)
}

// teardownCtx destroys a session that is already out of the pool. Errors
// are logged and swallowed.
func (m *Manager) teardownCtx(ctx context.Context, e *entry, reason string) {
	if err := e.session.Destroy(ctx); err != nil {
		m.logger.Warn("session teardown failed",
			zap.String("project_key", e.key),
			zap.String("session_id", e.session.ID()),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("session closed",
		zap.String("project_key", e.key),
		zap.String("session_id", e.session.ID()),
		zap.String("reason", reason),
	)
}
