// Package monitor periodically probes backend servers and publishes the
// result as an immutable snapshot that routers and pools read without
// locking (§4.9, §5's single-writer/multi-reader pattern).
//
// The round-robin health-check skeleton is grounded on the teacher pack's
// replica.Pool, generalized from a pair of primary/replica address
// strings to a full set of ServerDescriptor snapshots carrying role,
// rank, and replication-lag estimates.
package monitor

import (
	"context"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/dbproxy/mxcore/internal/metrics"
)

// Role is a server's replication role as last observed.
type Role int

const (
	RoleUnknown Role = iota
	RoleMaster
	RoleSlave
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	default:
		return "unknown"
	}
}

// ServerDescriptor is one server's last-known state.
type ServerDescriptor struct {
	Name        string
	Address     string
	Role        Role
	Running     bool
	Maintenance bool
	Draining    bool
	Synced      bool // slave is caught up enough to be routable
	Rank        int  // lower rank preferred; ties broken by selection policy
	LagSeconds  float64
	Version     uint64 // monotonically increasing, bumped on every probe round
}

// Usable reports whether the server may currently receive new routed
// traffic (it may still serve sessions already pinned to it).
func (s ServerDescriptor) Usable() bool {
	return s.Running && !s.Maintenance && !s.Draining
}

// Snapshot is the full set of server descriptors at one point in time.
type Snapshot struct {
	Servers map[string]ServerDescriptor
	Version uint64
}

// Server is a statically configured backend the monitor probes.
type Server struct {
	Name    string
	Address string
	Rank    int
	IsSlave bool // configured role; the monitor only confirms/revises this
}

// Prober performs the actual liveness/role/lag check against one server.
// The default TCP-dial prober only confirms reachability; a real
// deployment would issue SHOW SLAVE STATUS or an equivalent probe query —
// that query-level prober is intentionally left pluggable here rather than
// hard-coded, since its shape depends on the backend's replication setup.
type Prober func(ctx context.Context, srv Server) (running bool, lagSeconds float64, err error)

// DialProber is the default Prober: a bare TCP reachability check.
func DialProber(ctx context.Context, srv Server) (bool, float64, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", srv.Address)
	if err != nil {
		return false, 0, err
	}
	conn.Close()
	return true, 0, nil
}

// Monitor owns the single writer of the published Snapshot.
type Monitor struct {
	servers []Server
	prober  Prober
	current atomic.Pointer[Snapshot]
	version uint64
	stopped atomic.Bool
}

// New creates a Monitor over the given static server set.
func New(servers []Server, prober Prober) *Monitor {
	if prober == nil {
		prober = DialProber
	}
	m := &Monitor{servers: servers, prober: prober}
	initial := &Snapshot{Servers: make(map[string]ServerDescriptor)}
	for _, s := range servers {
		role := RoleMaster
		if s.IsSlave {
			role = RoleSlave
		}
		initial.Servers[s.Name] = ServerDescriptor{
			Name: s.Name, Address: s.Address, Role: role, Rank: s.Rank,
		}
	}
	m.current.Store(initial)
	return m
}

// Snapshot returns the current, immutable server-state snapshot. Safe for
// concurrent use by any number of readers without locking.
func (m *Monitor) Snapshot() *Snapshot {
	return m.current.Load()
}

// Run probes every server once per interval until ctx is cancelled, skipping
// probe rounds while Stop has been called (the admin surface's "stop
// monitor" verb, §6) — the last published snapshot is left untouched.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if !m.stopped.Load() {
		m.probeAll(ctx)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.stopped.Load() {
				continue
			}
			m.probeAll(ctx)
		}
	}
}

// Stop suspends probing; the published snapshot stops updating until Start
// is called again.
func (m *Monitor) Stop() { m.stopped.Store(true) }

// Start resumes probing after Stop.
func (m *Monitor) Start() { m.stopped.Store(false) }

// Stopped reports whether probing is currently suspended.
func (m *Monitor) Stopped() bool { return m.stopped.Load() }

func (m *Monitor) probeAll(ctx context.Context) {
	prev := m.current.Load()
	next := &Snapshot{Servers: make(map[string]ServerDescriptor, len(m.servers))}
	m.version++
	next.Version = m.version

	type result struct {
		name    string
		running bool
		lag     float64
		err     error
	}
	results := make(chan result, len(m.servers))
	for _, s := range m.servers {
		go func(s Server) {
			probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			running, lag, err := m.prober(probeCtx, s)
			results <- result{name: s.Name, running: running, lag: lag, err: err}
		}(s)
	}

	for range m.servers {
		r := <-results
		desc := prev.Servers[r.name]
		wasRunning := desc.Running
		desc.Running = r.running
		desc.LagSeconds = r.lag
		desc.Version = next.Version
		if !r.running && wasRunning {
			log.Printf("[monitor] server %s is no longer running: %v", r.name, r.err)
		} else if r.running && !wasRunning {
			log.Printf("[monitor] server %s is running again", r.name)
		}
		next.Servers[r.name] = desc

		up := float64(0)
		if desc.Usable() {
			up = 1
		}
		metrics.BackendMonitorUp.WithLabelValues(r.name, desc.Role.String()).Set(up)
		metrics.BackendLagSeconds.WithLabelValues(r.name).Set(desc.LagSeconds)
	}

	m.current.Store(next)
}

// SetMaintenance marks a server's maintenance flag, taking effect on the
// next published snapshot read (admin-driven; see internal/admin).
func (m *Monitor) SetMaintenance(name string, on bool) {
	prev := m.current.Load()
	next := &Snapshot{Servers: make(map[string]ServerDescriptor, len(prev.Servers)), Version: prev.Version + 1}
	for k, v := range prev.Servers {
		if k == name {
			v.Maintenance = on
		}
		next.Servers[k] = v
	}
	m.current.Store(next)
}

// SetDraining marks a server as draining (finish in-flight sessions, don't
// route new ones).
func (m *Monitor) SetDraining(name string, on bool) {
	prev := m.current.Load()
	next := &Snapshot{Servers: make(map[string]ServerDescriptor, len(prev.Servers)), Version: prev.Version + 1}
	for k, v := range prev.Servers {
		if k == name {
			v.Draining = on
		}
		next.Servers[k] = v
	}
	m.current.Store(next)
}

// SetRank changes a server's routing rank (admin "alter-server", §6).
func (m *Monitor) SetRank(name string, rank int) {
	prev := m.current.Load()
	next := &Snapshot{Servers: make(map[string]ServerDescriptor, len(prev.Servers)), Version: prev.Version + 1}
	for k, v := range prev.Servers {
		if k == name {
			v.Rank = rank
		}
		next.Servers[k] = v
	}
	m.current.Store(next)
}
