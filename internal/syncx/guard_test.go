package syncx

import (
	"sync"
	"testing"
	"time"
)

type procStatus struct {
	running  bool
	pid      int
	restarts int
	started  time.Time
}

func TestGuardGetSet(t *testing.T) {
	g := NewGuard(procStatus{})

	if got := g.Get(); got.running {
		t.Errorf("Get().running = %v, want false", got.running)
	}

	g.Set(procStatus{running: true, pid: 42})
	if got := g.Get(); got.pid != 42 || !got.running {
		t.Errorf("Get() after Set = %+v, want running pid 42", got)
	}
}

func TestGuardWrite(t *testing.T) {
	g := NewGuard(procStatus{running: true, pid: 7})

	g.Write(func(s *procStatus) {
		s.restarts++
		s.running = false
	})

	if got := g.Get(); got.running || got.restarts != 1 || got.pid != 7 {
		t.Errorf("Get() after Write = %+v, want stopped pid 7 with one restart", got)
	}
}

func TestGuardConcurrentSafety(t *testing.T) {
	g := NewGuard(procStatus{})
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Write(func(s *procStatus) { s.restarts++ })
		}()
	}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Get()
		}()
	}

	wg.Wait()

	if got := g.Get().restarts; got != 100 {
		t.Errorf("restarts = %d, want 100", got)
	}
}
