package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	server  string
	usable  int32
	closed  int32
	resets  int32
}

func (f *fakeConn) Close() error { atomic.StoreInt32(&f.closed, 1); return nil }
func (f *fakeConn) Usable() bool { return atomic.LoadInt32(&f.usable) == 1 }
func (f *fakeConn) ServerName() string { return f.server }
func (f *fakeConn) ResetForReuse(ctx context.Context, want Fingerprint) error {
	atomic.AddInt32(&f.resets, 1)
	return nil
}

func newFakeDial(server string) DialFunc {
	return func(ctx context.Context, serverName string, fp Fingerprint) (Conn, error) {
		return &fakeConn{server: serverName, usable: 1}, nil
	}
}

func TestAcquireDialsWhenEmpty(t *testing.T) {
	m := NewManager(2, newFakeDial("db1"))
	fp := Fingerprint{User: "app", Database: "shop"}

	conn, err := m.Acquire(context.Background(), "db1", fp)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if conn.ServerName() != "db1" {
		t.Fatalf("server = %q", conn.ServerName())
	}
}

func TestReturnThenAcquireReusesAndResets(t *testing.T) {
	m := NewManager(2, newFakeDial("db1"))
	fp := Fingerprint{User: "app", Database: "shop"}

	conn, err := m.Acquire(context.Background(), "db1", fp)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Return(fp, conn)

	conn2, err := m.Acquire(context.Background(), "db1", fp)
	if err != nil {
		t.Fatalf("Acquire #2: %v", err)
	}
	fc := conn2.(*fakeConn)
	if atomic.LoadInt32(&fc.resets) != 1 {
		t.Fatalf("expected exactly one reset-for-reuse, got %d", fc.resets)
	}
}

func TestAcquireBlocksUntilReturn(t *testing.T) {
	m := NewManager(1, newFakeDial("db1"))
	fp := Fingerprint{User: "app"}

	conn, err := m.Acquire(context.Background(), "db1", fp)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := m.Acquire(ctx, "db1", fp)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.Return(fp, conn)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Acquire failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire never unblocked after Return")
	}
}

func TestAcquireContextCancellation(t *testing.T) {
	m := NewManager(1, newFakeDial("db1"))
	fp := Fingerprint{User: "app"}
	if _, err := m.Acquire(context.Background(), "db1", fp); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Acquire(ctx, "db1", fp); err == nil {
		t.Fatal("expected error from already-cancelled context")
	}
}

func TestDrainServerRemovesMatchingIdle(t *testing.T) {
	m := NewManager(2, newFakeDial("db1"))
	fp := Fingerprint{User: "app"}
	conn, _ := m.Acquire(context.Background(), "db1", fp)
	m.Return(fp, conn)

	dropped := m.DrainServer("db1")
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	stats := m.Stats()
	for _, s := range stats {
		if s.Idle != 0 {
			t.Fatalf("expected idle=0 after drain, got %+v", s)
		}
	}
}
