// Package pool implements the per-worker backend connection pool of §4.6:
// idle backend connections are kept keyed by the "fingerprint" of the
// session state they were left in (authenticated user, default database,
// connection charset, negotiated capability bits), so a session can only
// reuse a backend connection that already matches — or can be cheaply
// reset to match — its own state.
//
// Each worker owns exactly one Manager; pools are never shared across
// workers, which is why Acquire/Return below need no cross-worker
// synchronization beyond the pool's own mutex (sibling sessions on the
// same worker still run concurrently, per §5, so the mutex stays).
//
// The acquire/wait pattern (idle slice + sync.Cond, timer-driven wakeup on
// context deadline) is grounded on the teacher pack's TenantPool.Acquire.
package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dbproxy/mxcore/internal/metrics"
)

// Fingerprint identifies the session state a pooled backend connection was
// left in.
type Fingerprint struct {
	User         string
	Database     string
	Charset      uint8
	Capabilities uint32
}

// Key returns a stable string key for use as a map key.
func (f Fingerprint) Key() string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%x", f.User, f.Database, f.Charset, f.Capabilities)
}

// Conn is the subset of a backend connection's behaviour the pool needs.
// backendconn.Conn satisfies this interface structurally; pool does not
// import backendconn, to avoid a cycle (backendconn imports pool).
type Conn interface {
	Close() error
	// Usable reports whether the connection is still believed alive and
	// attached to a server that is still accepting traffic.
	Usable() bool
	// ServerName identifies which backend server this connection is
	// attached to, so Drain can target a single failed/removed server.
	ServerName() string
	// ResetForReuse prepares a pooled connection to serve a new session:
	// COM_RESET_CONNECTION where supported, COM_CHANGE_USER as a fallback.
	// The caller passes the new fingerprint being acquired for.
	ResetForReuse(ctx context.Context, want Fingerprint) error
}

// pooled wraps a Conn with its pool bookkeeping.
type pooled struct {
	conn    Conn
	idledAt time.Time
}

// shard is the idle list + waiters for one fingerprint.
type shard struct {
	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*pooled
	active  int
	total   int
	waiting int
	maxSize int
}

func newShard(maxSize int) *shard {
	s := &shard{maxSize: maxSize}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Manager owns every fingerprint shard for one worker.
type Manager struct {
	mu         sync.Mutex
	shards     map[string]*shard
	maxPerShard int
	dial       DialFunc
}

// DialFunc creates a brand new backend connection already authenticated
// for the given fingerprint, against any server the caller's routing
// policy selects. The pool never chooses servers; it only pools
// already-routed connections.
type DialFunc func(ctx context.Context, serverName string, want Fingerprint) (Conn, error)

// NewManager creates a Manager bounding each fingerprint's shard to
// maxPerShard idle+active connections.
func NewManager(maxPerShard int, dial DialFunc) *Manager {
	if maxPerShard <= 0 {
		maxPerShard = 1
	}
	return &Manager{shards: make(map[string]*shard), maxPerShard: maxPerShard, dial: dial}
}

func (m *Manager) shardFor(fp Fingerprint) *shard {
	key := fp.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[key]
	if !ok {
		s = newShard(m.maxPerShard)
		m.shards[key] = s
	}
	return s
}

// Acquire returns a pooled connection to serverName matching fp, reusing
// an idle one (resetting it first) when available, dialing a fresh one
// when the shard has capacity, or waiting for one to be returned
// otherwise. ctx governs both the wait and any dial.
func (m *Manager) Acquire(ctx context.Context, serverName string, fp Fingerprint) (Conn, error) {
	start := time.Now()
	defer func() {
		metrics.PoolAcquireLatency.WithLabelValues(serverName).Observe(time.Since(start).Seconds())
	}()

	s := m.shardFor(fp)

	s.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			s.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		// Oldest-first eviction: scan from the front, drop anything dead
		// or attached to a server other than serverName before
		// considering it.
		for len(s.idle) > 0 {
			p := s.idle[0]
			s.idle = s.idle[1:]
			if !p.conn.Usable() || p.conn.ServerName() != serverName {
				s.total--
				reason := "unusable"
				if p.conn.Usable() {
					reason = "server-mismatch"
				}
				metrics.PoolEvictionsTotal.WithLabelValues(p.conn.ServerName(), reason).Inc()
				go p.conn.Close()
				continue
			}
			s.active++
			s.mu.Unlock()

			if err := p.conn.ResetForReuse(ctx, fp); err != nil {
				log.Printf("[pool] reset-for-reuse failed for %s: %v", serverName, err)
				metrics.PoolEvictionsTotal.WithLabelValues(serverName, "reset-failed").Inc()
				go p.conn.Close()
				s.mu.Lock()
				s.active--
				s.total--
				continue
			}
			return p.conn, nil
		}

		if s.total < s.maxSize {
			s.total++
			s.mu.Unlock()

			conn, err := m.dial(ctx, serverName, fp)
			if err != nil {
				s.mu.Lock()
				s.total--
				s.mu.Unlock()
				return nil, fmt.Errorf("dialing %s: %w", serverName, err)
			}
			s.mu.Lock()
			s.active++
			s.mu.Unlock()
			return conn, nil
		}

		s.waiting++
		deadline, hasDeadline := ctx.Deadline()
		var timer *time.Timer
		if hasDeadline {
			timer = time.AfterFunc(time.Until(deadline), func() { s.cond.Broadcast() })
		}
		s.cond.Wait()
		if timer != nil {
			timer.Stop()
		}
		s.waiting--
	}
}

// Return hands a connection back to its shard as idle, or closes it if it
// is no longer usable.
func (m *Manager) Return(fp Fingerprint, conn Conn) {
	s := m.shardFor(fp)
	s.mu.Lock()
	s.active--
	if !conn.Usable() {
		s.total--
		s.mu.Unlock()
		go conn.Close()
		return
	}
	s.idle = append(s.idle, &pooled{conn: conn, idledAt: time.Now()})
	s.mu.Unlock()
	s.cond.Signal()
}

// Drop removes a connection from accounting without returning it to the
// idle list (the caller has already closed it, or it died in use).
func (m *Manager) Drop(fp Fingerprint) {
	s := m.shardFor(fp)
	s.mu.Lock()
	s.active--
	s.total--
	s.mu.Unlock()
	s.cond.Signal()
}

// DrainServer closes and removes every idle connection attached to
// serverName across all fingerprint shards — used when a monitor snapshot
// marks a server as no longer running.
func (m *Manager) DrainServer(serverName string) int {
	m.mu.Lock()
	shards := make([]*shard, 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	m.mu.Unlock()

	dropped := 0
	for _, s := range shards {
		s.mu.Lock()
		kept := s.idle[:0]
		for _, p := range s.idle {
			if p.conn.ServerName() == serverName {
				s.total--
				dropped++
				metrics.PoolEvictionsTotal.WithLabelValues(serverName, "drained").Inc()
				go p.conn.Close()
				continue
			}
			kept = append(kept, p)
		}
		s.idle = kept
		s.mu.Unlock()
	}
	return dropped
}

// Stats summarizes one fingerprint shard for admin/metrics reporting.
type Stats struct {
	Idle    int
	Active  int
	Total   int
	Waiting int
}

// Stats returns a snapshot per fingerprint key currently tracked.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	shards := make(map[string]*shard, len(m.shards))
	for k, s := range m.shards {
		shards[k] = s
	}
	m.mu.Unlock()

	out := make(map[string]Stats, len(shards))
	for k, s := range shards {
		s.mu.Lock()
		out[k] = Stats{Idle: len(s.idle), Active: s.active, Total: s.total, Waiting: s.waiting}
		s.mu.Unlock()
	}
	return out
}

// CloseAll closes every idle connection across all shards and wakes any
// waiting acquirers so they re-check their context; connections currently
// checked out are left alone. Used on worker shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	shards := make([]*shard, 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	m.mu.Unlock()

	for _, s := range shards {
		s.mu.Lock()
		for _, p := range s.idle {
			go p.conn.Close()
		}
		s.idle = nil
		s.mu.Unlock()
		s.cond.Broadcast()
	}
}
