package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/clock"
	"github.com/triage-ai/warden/internal/sandbox"
	"github.com/triage-ai/warden/internal/sandbox/sandboxtest"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestPool(p *sandboxtest.Provider, clk clock.Clock, cfg Config) *Manager {
	cfg.SweepInterval = -1
	return New(p, clk, cfg, zap.NewNop())
}

func TestAcquire_ConcurrentSameKeyCreatesOnce(t *testing.T) {
	p := &sandboxtest.Provider{Delay: 20 * time.Millisecond}
	m := newTestPool(p, nil, Config{})
	defer m.ReleaseAll(context.Background())

	var wg sync.WaitGroup
	ids := make([]string, 50)
	errs := make([]error, 50)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Acquire(context.Background(), "proj1")
			errs[i] = err
			if err == nil {
				ids[i] = s.ID()
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("acquire %d got session %s, want %s", i, ids[i], ids[0])
		}
	}
	if n := p.CreatedFor("proj1"); n != 1 {
		t.Fatalf("expected 1 session created, got %d", n)
	}
}

func TestAcquire_DifferentKeys(t *testing.T) {
	p := &sandboxtest.Provider{}
	m := newTestPool(p, nil, Config{})
	defer m.ReleaseAll(context.Background())

	a, err := m.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Acquire(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID() == b.ID() {
		t.Fatal("different keys must get different sessions")
	}
	again, err := m.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID() != a.ID() {
		t.Errorf("expected reuse of %s, got %s", a.ID(), again.ID())
	}
	if p.Created() != 2 {
		t.Errorf("created %d sessions, want 2", p.Created())
	}
}

func TestAcquire_IdleEviction(t *testing.T) {
	clk := clock.NewFake(epoch)
	p := &sandboxtest.Provider{}
	m := newTestPool(p, clk, Config{IdleTimeout: time.Minute})
	ctx := context.Background()

	first, err := m.Acquire(ctx, "proj1")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute + time.Second)

	if got := m.Stats().Sessions; got != 0 {
		t.Fatalf("idle session still pooled: %d", got)
	}
	if !p.Sessions()[0].Destroyed() {
		t.Fatal("idle session not destroyed")
	}

	second, err := m.Acquire(ctx, "proj1")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID() == first.ID() {
		t.Fatal("expected a fresh session after idle eviction")
	}
	if n := p.CreatedFor("proj1"); n != 2 {
		t.Fatalf("created %d, want 2", n)
	}
}

func TestAcquire_ResetsIdleTimer(t *testing.T) {
	clk := clock.NewFake(epoch)
	p := &sandboxtest.Provider{}
	m := newTestPool(p, clk, Config{IdleTimeout: time.Minute})
	ctx := context.Background()

	first, err := m.Acquire(ctx, "proj1")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(40 * time.Second)
	if _, err := m.Acquire(ctx, "proj1"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(40 * time.Second)

	again, err := m.Acquire(ctx, "proj1")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID() != first.ID() {
		t.Fatal("session evicted despite being touched within the idle window")
	}
	if p.Created() != 1 {
		t.Fatalf("created %d, want 1", p.Created())
	}
}

func TestAcquire_LRUEvictionAtCapacity(t *testing.T) {
	clk := clock.NewFake(epoch)
	p := &sandboxtest.Provider{}
	m := newTestPool(p, clk, Config{MaxSessions: 2, IdleTimeout: time.Hour, HealthTTL: time.Hour})
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	b, err := m.Acquire(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	if _, err := m.Acquire(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	if _, err := m.Acquire(ctx, "c"); err != nil {
		t.Fatal(err)
	}

	infos := m.Sessions()
	if len(infos) != 2 || infos[0].ProjectKey != "a" || infos[1].ProjectKey != "c" {
		t.Fatalf("unexpected pool contents: %+v", infos)
	}
	if !b.(*sandboxtest.Session).Destroyed() {
		t.Fatal("least recently used session not destroyed")
	}
}

func TestAcquire_ProbeFailureRecreates(t *testing.T) {
	clk := clock.NewFake(epoch)
	p := &sandboxtest.Provider{
		Runner: func(ctx context.Context, s *sandboxtest.Session, command string) (*sandbox.ExecResult, error) {
			if s.ID() == "fake-1" {
				return &sandbox.ExecResult{ExitCode: 1}, nil
			}
			return &sandbox.ExecResult{Stdout: "ok\n"}, nil
		},
	}
	m := newTestPool(p, clk, Config{HealthTTL: 10 * time.Second, IdleTimeout: time.Hour})
	ctx := context.Background()

	first, err := m.Acquire(ctx, "proj1")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(11 * time.Second)

	second, err := m.Acquire(ctx, "proj1")
	if err != nil {
		t.Fatalf("probe failure should be recovered transparently: %v", err)
	}
	if second.ID() == first.ID() {
		t.Fatal("unhealthy session was reused")
	}
	if !first.(*sandboxtest.Session).Destroyed() {
		t.Fatal("unhealthy session not destroyed")
	}
}

func TestAcquire_CachedHealthSkipsProbe(t *testing.T) {
	clk := clock.NewFake(epoch)
	p := &sandboxtest.Provider{}
	m := newTestPool(p, clk, Config{HealthTTL: 10 * time.Second})
	ctx := context.Background()

	s, err := m.Acquire(ctx, "proj1")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(5 * time.Second)
	if _, err := m.Acquire(ctx, "proj1"); err != nil {
		t.Fatal(err)
	}
	if cmds := s.(*sandboxtest.Session).Commands(); len(cmds) != 0 {
		t.Fatalf("expected no probe within health TTL, ran %v", cmds)
	}

	clk.Advance(10 * time.Second)
	if _, err := m.Acquire(ctx, "proj1"); err != nil {
		t.Fatal(err)
	}
	if cmds := s.(*sandboxtest.Session).Commands(); len(cmds) != 1 || cmds[0] != probeCommand {
		t.Fatalf("expected one probe after TTL, ran %v", cmds)
	}
}

func TestAcquire_CancelledWaiterDoesNotFailOthers(t *testing.T) {
	p := &sandboxtest.Provider{Delay: 50 * time.Millisecond}
	m := newTestPool(p, nil, Config{})
	defer m.ReleaseAll(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "proj1")
		firstErr <- err
	}()
	waitPending(t, m)

	type result struct {
		s   sandbox.Session
		err error
	}
	second := make(chan result, 1)
	go func() {
		s, err := m.Acquire(context.Background(), "proj1")
		second <- result{s, err}
	}()
	cancel()

	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller err = %v, want context.Canceled", err)
	}
	r := <-second
	if r.err != nil {
		t.Fatalf("live caller failed with the cancelled caller: %v", r.err)
	}
	if n := p.CreatedFor("proj1"); n != 1 {
		t.Errorf("created %d, want 1", n)
	}
	if got := m.Stats().Sessions; got != 1 {
		t.Errorf("pooled sessions = %d, want 1", got)
	}
}

func TestAcquire_CreationOutlivesCancelledCaller(t *testing.T) {
	p := &sandboxtest.Provider{Delay: 20 * time.Millisecond}
	m := newTestPool(p, nil, Config{})
	defer m.ReleaseAll(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "proj1")
		done <- err
	}()
	waitPending(t, m)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().Sessions != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("abandoned creation never registered: %+v", m.Stats())
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := m.Acquire(context.Background(), "proj1"); err != nil {
		t.Fatal(err)
	}
	if n := p.Created(); n != 1 {
		t.Errorf("created %d, want the abandoned session to be reused", n)
	}
}

func waitPending(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().Pending == 0 {
		if time.Now().After(deadline) {
			t.Fatal("creation never started")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAcquire_CreateFailureLeavesNoEntry(t *testing.T) {
	p := &sandboxtest.Provider{}
	p.Fail.Store(true)
	m := newTestPool(p, nil, Config{})

	if _, err := m.Acquire(context.Background(), "proj1"); err == nil {
		t.Fatal("expected create error")
	}
	st := m.Stats()
	if st.Sessions != 0 || st.Pending != 0 {
		t.Fatalf("half-registered entry after failed create: %+v", st)
	}

	p.Fail.Store(false)
	if _, err := m.Acquire(context.Background(), "proj1"); err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
}

func TestRelease_TeardownErrorSwallowed(t *testing.T) {
	p := &sandboxtest.Provider{}
	m := newTestPool(p, nil, Config{})
	ctx := context.Background()

	s, err := m.Acquire(ctx, "proj1")
	if err != nil {
		t.Fatal(err)
	}
	s.(*sandboxtest.Session).DestroyErr = errors.New("already gone")

	if !m.Release(ctx, "proj1") {
		t.Fatal("expected Release to find the session")
	}
	if got := m.Stats().Sessions; got != 0 {
		t.Fatalf("slot leaked after failed teardown: %d", got)
	}
	if m.Release(ctx, "proj1") {
		t.Fatal("second Release should find nothing")
	}
}

func TestReleaseAll(t *testing.T) {
	p := &sandboxtest.Provider{}
	m := New(p, clock.NewFake(epoch), Config{SweepInterval: time.Minute}, zap.NewNop())
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if _, err := m.Acquire(ctx, k); err != nil {
			t.Fatal(err)
		}
	}
	m.ReleaseAll(ctx)

	for _, s := range p.Sessions() {
		if !s.Destroyed() {
			t.Errorf("session %s not destroyed", s.ID())
		}
	}
	if _, err := m.Acquire(ctx, "a"); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	m.ReleaseAll(ctx)
}

func TestSweep_EvictsUnhealthy(t *testing.T) {
	p := &sandboxtest.Provider{
		Runner: func(ctx context.Context, s *sandboxtest.Session, command string) (*sandbox.ExecResult, error) {
			if s.ProjectKey() == "sick" {
				return nil, errors.New("connection reset")
			}
			return &sandbox.ExecResult{Stdout: "ok\n"}, nil
		},
	}
	m := newTestPool(p, nil, Config{})
	ctx := context.Background()

	for _, k := range []string{"healthy", "sick"} {
		if _, err := m.Acquire(ctx, k); err != nil {
			t.Fatal(err)
		}
	}
	if n := m.Sweep(ctx); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	infos := m.Sessions()
	if len(infos) != 1 || infos[0].ProjectKey != "healthy" {
		t.Fatalf("unexpected pool contents after sweep: %+v", infos)
	}
}
