package worker

import (
	"context"
	"testing"
	"time"

	"github.com/dbproxy/mxcore/internal/pool"
)

func noopPool() *pool.Manager {
	return pool.NewManager(1, func(ctx context.Context, serverName string, fp pool.Fingerprint) (pool.Conn, error) {
		return nil, context.Canceled
	})
}

func TestPostRunsOnWorkerGoroutine(t *testing.T) {
	w := New(0, noopPool(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	done := make(chan struct{})
	w.Post(func(w *Worker) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestScheduleTimerFires(t *testing.T) {
	w := New(0, noopPool(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	fired := make(chan struct{})
	w.ScheduleTimer(time.Now().Add(10*time.Millisecond), func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestPoolNextRoundRobins(t *testing.T) {
	p := NewPool(3, func(id int) *pool.Manager { return noopPool() }, 4)
	seen := map[int]bool{}
	for i := 0; i < 6; i++ {
		w := p.Next()
		seen[w.ID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 workers to be visited, saw %d", len(seen))
	}
}

func TestAdoptSessionTracksActiveCount(t *testing.T) {
	w := New(0, noopPool(), 4)
	release := make(chan struct{})
	w.AdoptSession(func() { <-release })

	time.Sleep(10 * time.Millisecond)
	if w.ActiveSessions() != 1 {
		t.Fatalf("active sessions = %d, want 1", w.ActiveSessions())
	}
	close(release)

	deadline := time.After(time.Second)
	for w.ActiveSessions() != 0 {
		select {
		case <-deadline:
			t.Fatal("session never unregistered")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestTimerHeapOrdersByDeadline(t *testing.T) {
	tm := newTimers()
	var order []int
	now := time.Now()
	tm.Schedule(now.Add(30*time.Millisecond), func() { order = append(order, 3) })
	tm.Schedule(now.Add(10*time.Millisecond), func() { order = append(order, 1) })
	tm.Schedule(now.Add(20*time.Millisecond), func() { order = append(order, 2) })

	tm.FireDue(now.Add(time.Hour))
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order = %v, want [1 2 3]", order)
	}
}
