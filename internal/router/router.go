// Package router implements the read/write-split routing policy of §4.7:
// given a classified statement, the session's current transaction state,
// and any routing hint, it picks which backend server a statement should
// go to, and tracks the transaction-pinning state that keeps an entire
// transaction on one backend once it starts writing.
//
// The snapshot/atomic.Value pattern (lock-free reads, mutex-serialized
// writes swapping in a new snapshot) is grounded on the teacher pack's
// router.Router; here the snapshot comes from internal/monitor instead of
// a tenant config map.
package router

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dbproxy/mxcore/internal/classifier"
	"github.com/dbproxy/mxcore/internal/metrics"
	"github.com/dbproxy/mxcore/internal/monitor"
)

// FailureMode controls what happens when no slave is available for a
// statement the policy would otherwise route to a slave (§4.7).
type FailureMode int

const (
	// FailInstantly refuses to route (and the session is torn down) the
	// moment no slave is reachable, regardless of what's being routed.
	FailInstantly FailureMode = iota
	// ErrorOnWrite only errors a statement if it is a write with no
	// master available; read statements silently fail over to master.
	ErrorOnWrite
	// FailOnWrite is like ErrorOnWrite but tears down the session instead
	// of just erroring the one statement.
	FailOnWrite
)

// SelectionPolicy picks among multiple equally-ranked slave candidates.
type SelectionPolicy int

const (
	RoundRobin SelectionPolicy = iota
	LeastConnections
	LowestLag
)

// TxState is the session's current transaction-pinning state.
type TxState int

const (
	TxNone TxState = iota
	TxReadPinned
	TxWritePinned
)

// ConnCounter reports how many active connections a server currently has,
// for the LeastConnections selection policy.
type ConnCounter func(serverName string) int

type routerSnapshot struct {
	mon         *monitor.Snapshot
	failureMode FailureMode
	policy      SelectionPolicy
}

// Router resolves a classified statement to a target server name.
type Router struct {
	snap atomic.Value // holds *routerSnapshot
	wmu  sync.Mutex
	rr   uint64 // round-robin cursor, accessed only from Route's caller goroutine set
	conns ConnCounter
}

// New creates a Router with an initial monitor snapshot, failure mode, and
// selection policy.
func New(mon *monitor.Snapshot, mode FailureMode, policy SelectionPolicy, conns ConnCounter) *Router {
	r := &Router{conns: conns}
	r.snap.Store(&routerSnapshot{mon: mon, failureMode: mode, policy: policy})
	return r
}

func (r *Router) load() *routerSnapshot {
	return r.snap.Load().(*routerSnapshot)
}

// UpdateSnapshot swaps in a fresh monitor snapshot (called whenever the
// monitor publishes one). Lock-free for readers.
func (r *Router) UpdateSnapshot(mon *monitor.Snapshot) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	r.snap.Store(&routerSnapshot{mon: mon, failureMode: cur.failureMode, policy: cur.policy})
}

// SetFailureMode changes the failure mode (admin-driven).
func (r *Router) SetFailureMode(mode FailureMode) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	r.snap.Store(&routerSnapshot{mon: cur.mon, failureMode: mode, policy: cur.policy})
}

// SetSelectionPolicy changes the slave tiebreak policy (admin "alter
// service", §6).
func (r *Router) SetSelectionPolicy(policy SelectionPolicy) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	r.snap.Store(&routerSnapshot{mon: cur.mon, failureMode: cur.failureMode, policy: policy})
}

// FailureMode returns the currently configured failure mode.
func (r *Router) FailureMode() FailureMode { return r.load().failureMode }

// SelectionPolicy returns the currently configured selection policy.
func (r *Router) SelectionPolicy() SelectionPolicy { return r.load().policy }

// ErrNoMaster and ErrNoSlave report routing failures under FailInstantly /
// ErrorOnWrite / FailOnWrite.
var (
	ErrNoMaster = errors.New("router: no usable master server")
	ErrNoSlave  = errors.New("router: no usable slave server")
)

// Decision is the outcome of Route.
type Decision struct {
	ServerName string
	IsMaster   bool
}

// Route implements §4.7's seven-step decision sequence. isQuery is false
// for non-SQL commands (COM_PING, COM_INIT_DB, ...) which always route to
// whatever backend the session is already attached to, or any backend if
// none yet.
func (r *Router) Route(cls *classifier.Result, isQuery bool, tx TxState, hint *Hint) (Decision, TxState, error) {
	snap := r.load()
	d, newTx, err := r.route(snap, cls, isQuery, tx, hint)
	if err != nil {
		metrics.RoutingFailuresTotal.WithLabelValues(failureModeLabel(snap.failureMode), err.Error()).Inc()
	} else if d.ServerName != "" {
		role := "slave"
		if d.IsMaster {
			role = "master"
		}
		metrics.RoutedTotal.WithLabelValues(d.ServerName, role).Inc()
	}
	return d, newTx, err
}

func failureModeLabel(m FailureMode) string {
	switch m {
	case ErrorOnWrite:
		return "error_on_write"
	case FailOnWrite:
		return "fail_on_write"
	default:
		return "fail_instantly"
	}
}

func (r *Router) route(snap *routerSnapshot, cls *classifier.Result, isQuery bool, tx TxState, hint *Hint) (Decision, TxState, error) {

	// Step 1: non-query commands go to whatever the session already has;
	// the caller (session state machine) handles "any backend" when none
	// is yet attached. The router only participates for actual queries.
	if !isQuery {
		return Decision{}, tx, nil
	}

	// Step 2: transaction-control statements update tx state and route
	// with the master/slave decision made for the transaction as a whole.
	if cls != nil && cls.Type.Has(classifier.TypeBegin) {
		newTx := TxWritePinned
		if cls.Type.Has(classifier.TypeReadWrite) {
			newTx = TxWritePinned
		}
		if cls.Type.Has(classifier.TypeReadOnly) {
			newTx = TxReadPinned
		}
		if newTx == TxReadPinned {
			d, err := r.pickSlave(snap)
			return d, newTx, err
		}
		d, err := r.pickMaster(snap)
		return d, newTx, err
	}
	if cls != nil && (cls.Type.Has(classifier.TypeCommit) || cls.Type.Has(classifier.TypeRollback)) {
		// Route the COMMIT/ROLLBACK itself wherever the transaction was
		// pinned, then clear pinning.
		d, err := r.routeByTx(snap, tx)
		return d, TxNone, err
	}

	// Step 3: an explicit hint overrides everything else for this one
	// statement, without altering transaction pinning.
	if hint != nil {
		if hint.ServerName != "" {
			return Decision{ServerName: hint.ServerName}, tx, nil
		}
		if hint.RouteToMaster {
			d, err := r.pickMaster(snap)
			return d, tx, err
		}
		if hint.RouteToSlave {
			d, err := r.pickSlave(snap)
			return d, tx, err
		}
	}

	// Step 4: an active write-pinned transaction keeps every statement on
	// the master until it ends.
	if tx == TxWritePinned {
		d, err := r.pickMaster(snap)
		return d, tx, err
	}

	// Step 5: an active read-pinned transaction keeps every statement on
	// the slave it was pinned to, even a write — the application asked
	// for a read-only transaction and broke its own contract, not ours.
	if tx == TxReadPinned {
		d, err := r.pickSlave(snap)
		return d, tx, err
	}

	// Step 6: outside any transaction, any write-shaped statement goes to
	// the master.
	if cls != nil && cls.Type.Any(classifier.TypeWrite|classifier.TypeSessionWrite|
		classifier.TypeUserVarWrite|classifier.TypeGSysVarWrite) {
		d, err := r.pickMaster(snap)
		return d, tx, err
	}

	// Step 7: everything else is a plain read, routed to a slave with
	// fallback to master per the failure mode.
	d, err := r.pickSlave(snap)
	return d, tx, err
}

func (r *Router) routeByTx(snap *routerSnapshot, tx TxState) (Decision, error) {
	if tx == TxWritePinned {
		return r.pickMaster(snap)
	}
	return r.pickSlave(snap)
}

func (r *Router) pickMaster(snap *routerSnapshot) (Decision, error) {
	for _, desc := range snap.mon.Servers {
		if desc.Role == monitor.RoleMaster && desc.Usable() {
			return Decision{ServerName: desc.Name, IsMaster: true}, nil
		}
	}
	return Decision{}, ErrNoMaster
}

func (r *Router) pickSlave(snap *routerSnapshot) (Decision, error) {
	candidates := r.rankedSlaveCandidates(snap)
	if len(candidates) == 0 {
		if snap.failureMode == FailInstantly {
			return Decision{}, ErrNoSlave
		}
		// ErrorOnWrite/FailOnWrite: fall back to the master. This covers
		// every pickSlave caller: plain reads, route-to-slave hints, and
		// any statement (a write included) inside a read-pinned
		// transaction.
		return r.pickMaster(snap)
	}
	chosen := r.selectAmong(candidates, snap.policy)
	return Decision{ServerName: chosen.Name}, nil
}

// rankedSlaveCandidates returns usable slaves (running, not in maintenance,
// not draining) at the lowest rank present, the same "pick the best rank,
// then apply a tiebreak policy" shape MaxScale-style routers use. The
// descriptor's Synced flag is not consulted.
func (r *Router) rankedSlaveCandidates(snap *routerSnapshot) []monitor.ServerDescriptor {
	bestRank := int(^uint(0) >> 1)
	var all []monitor.ServerDescriptor
	for _, desc := range snap.mon.Servers {
		if desc.Role != monitor.RoleSlave || !desc.Usable() {
			continue
		}
		all = append(all, desc)
		if desc.Rank < bestRank {
			bestRank = desc.Rank
		}
	}
	var out []monitor.ServerDescriptor
	for _, desc := range all {
		if desc.Rank == bestRank {
			out = append(out, desc)
		}
	}
	return out
}

func (r *Router) selectAmong(candidates []monitor.ServerDescriptor, policy SelectionPolicy) monitor.ServerDescriptor {
	if len(candidates) == 1 {
		return candidates[0]
	}
	switch policy {
	case LowestLag:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.LagSeconds < best.LagSeconds {
				best = c
			}
		}
		return best
	case LeastConnections:
		if r.conns == nil {
			break
		}
		best := candidates[0]
		bestN := r.conns(best.Name)
		for _, c := range candidates[1:] {
			if n := r.conns(c.Name); n < bestN {
				best, bestN = c, n
			}
		}
		return best
	}
	idx := atomic.AddUint64(&r.rr, 1) % uint64(len(candidates))
	return candidates[idx]
}
