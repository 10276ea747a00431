package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingSource struct {
	mu      sync.Mutex
	project *Project
	err     error
	calls   int
}

func (s *countingSource) GetProject(_ context.Context, _ string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.project, nil
}

func (s *countingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestProjectCache_FreshHit(t *testing.T) {
	c := NewProjectCache(30 * time.Second)
	c.Set("p1", &Project{ID: "p1", Name: "api"})

	res := c.Get("p1")
	if !res.Hit || res.NeedsRefresh {
		t.Fatalf("expected fresh hit, got %+v", res)
	}
	if res.Project.Name != "api" {
		t.Fatalf("expected api, got %s", res.Project.Name)
	}
}

func TestProjectCache_StaleSignalsOneRefresh(t *testing.T) {
	c := NewProjectCache(time.Millisecond)
	c.Set("p1", &Project{ID: "p1"})
	time.Sleep(5 * time.Millisecond)

	refreshes := 0
	for range 10 {
		res := c.Get("p1")
		if !res.Hit {
			t.Fatal("expected stale hit")
		}
		if res.NeedsRefresh {
			refreshes++
		}
	}
	if refreshes != 1 {
		t.Fatalf("expected exactly 1 refresh signal, got %d", refreshes)
	}
}

func TestCachedProjects_CacheHit(t *testing.T) {
	src := &countingSource{project: &Project{ID: "p1", RepoURL: "https://github.com/acme/api"}}
	r := NewCachedProjects(src, 30*time.Second, zap.NewNop())

	for range 3 {
		p, err := r.GetProject(context.Background(), "p1")
		if err != nil {
			t.Fatal(err)
		}
		if p.RepoURL != "https://github.com/acme/api" {
			t.Fatalf("unexpected project: %+v", p)
		}
	}
	if n := src.count(); n != 1 {
		t.Fatalf("expected 1 source call, got %d", n)
	}
}

func TestCachedProjects_NegativeCache(t *testing.T) {
	src := &countingSource{err: ErrNotFound}
	r := NewCachedProjects(src, 30*time.Second, zap.NewNop())

	for range 2 {
		if _, err := r.GetProject(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if n := src.count(); n != 1 {
		t.Fatalf("expected negative cache to absorb second lookup, got %d calls", n)
	}
}

func TestCachedProjects_SourceErrorNotCached(t *testing.T) {
	src := &countingSource{err: errors.New("connection refused")}
	r := NewCachedProjects(src, 30*time.Second, zap.NewNop())

	if _, err := r.GetProject(context.Background(), "p1"); err == nil {
		t.Fatal("expected error")
	}
	src.mu.Lock()
	src.err = nil
	src.project = &Project{ID: "p1"}
	src.mu.Unlock()

	if _, err := r.GetProject(context.Background(), "p1"); err != nil {
		t.Fatalf("transient error was cached: %v", err)
	}
}

func TestCachedProjects_Invalidate(t *testing.T) {
	src := &countingSource{project: &Project{ID: "p1"}}
	r := NewCachedProjects(src, 30*time.Second, zap.NewNop())

	_, _ = r.GetProject(context.Background(), "p1")
	r.Invalidate("p1")
	_, _ = r.GetProject(context.Background(), "p1")
	if n := src.count(); n != 2 {
		t.Fatalf("expected 2 source calls after invalidate, got %d", n)
	}
}
