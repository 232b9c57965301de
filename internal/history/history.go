// Package history implements the bounded session-command history of §4.5:
// a FIFO log of the commands that must be replayed against any backend
// connection a session is handed (or re-handed, after a reconnect), so a
// freshly acquired backend can be brought up to the same session state
// (USE db, SET session vars, PREPARE'd statements, ...) without replaying
// the client's entire lifetime.
//
// Entries are evicted oldest-first, but never while a backend the session
// still cares about has not yet replayed them — the same "slowest reader"
// constraint a bounded ring buffer enforces against any of its consumers.
package history

import "crypto/sha1" //nolint:gosec // checksum is for state-compare, not a security property

// Entry is one recorded session-affecting command.
type Entry struct {
	ID       uint64
	Payload  []byte // the raw COM_* packet payload, verbatim
	Checksum [sha1.Size]byte
	HasReply bool // whether Checksum was computed from a real backend reply
	Success  bool // whether the command succeeded when first executed
}

// checksum digests a reply so a replay's result can be compared for
// equality without keeping the full original reply around.
func checksum(reply []byte) [sha1.Size]byte {
	return sha1.Sum(reply) //nolint:gosec
}

// History is a bounded FIFO of Entry, safe for single-writer use from the
// owning session's worker goroutine; it is never shared across workers, so
// it carries no internal locking (§5's no-intra-session-locking rule).
type History struct {
	entries []Entry
	nextID  uint64
	limit   int

	// replayed[backendKey] is the ID of the last entry that backend has
	// successfully replayed. A backend with no entry here has replayed
	// nothing.
	replayed map[string]uint64
}

// New creates a History bounded to at most limit retained entries.
func New(limit int) *History {
	if limit <= 0 {
		limit = 1
	}
	return &History{limit: limit, replayed: make(map[string]uint64)}
}

// Add appends a new command to the history, assigning it the next ID, and
// evicts old entries that every tracked backend has already replayed past.
// reply is the original reply this command produced; it is reduced to a
// checksum immediately.
func (h *History) Add(payload, reply []byte, success bool) Entry {
	h.nextID++
	e := Entry{
		ID:       h.nextID,
		Payload:  append([]byte(nil), payload...),
		Checksum: checksum(reply),
		HasReply: reply != nil,
		Success:  success,
	}
	h.entries = append(h.entries, e)
	h.evict()
	return e
}

// evict drops entries from the front once they exceed the size bound,
// refusing to drop anything a still-tracked backend has not yet replayed.
func (h *History) evict() {
	for len(h.entries) > h.limit {
		oldest := h.entries[0]
		if h.anyBackendBehind(oldest.ID) {
			// Can't safely drop: some backend would be unable to catch up.
			// The bound is advisory once a slow backend exists; it will be
			// enforced again once that backend reconnects or is dropped.
			return
		}
		h.entries = h.entries[1:]
	}
}

func (h *History) anyBackendBehind(entryID uint64) bool {
	for _, last := range h.replayed {
		if last < entryID {
			return true
		}
	}
	return false
}

// Since returns the entries with ID greater than lastReplayed, in order —
// the set a backend identified by key must replay to catch up.
func (h *History) Since(lastReplayed uint64) []Entry {
	var out []Entry
	for _, e := range h.entries {
		if e.ID > lastReplayed {
			out = append(out, e)
		}
	}
	return out
}

// MarkReplayed records that backendKey has successfully replayed through
// entryID.
func (h *History) MarkReplayed(backendKey string, entryID uint64) {
	if cur, ok := h.replayed[backendKey]; !ok || entryID > cur {
		h.replayed[backendKey] = entryID
	}
}

// ReplayPosition returns the last entry ID backendKey is known to have
// replayed (0 if never tracked).
func (h *History) ReplayPosition(backendKey string) uint64 {
	return h.replayed[backendKey]
}

// ForgetBackend drops replay tracking for a backend that has been closed
// or dropped from the pool, so it no longer blocks eviction.
func (h *History) ForgetBackend(backendKey string) {
	delete(h.replayed, backendKey)
}

// Len returns the number of entries currently retained.
func (h *History) Len() int { return len(h.entries) }

// Oldest returns the ID of the oldest retained entry, or 0 if empty.
func (h *History) Oldest() uint64 {
	if len(h.entries) == 0 {
		return 0
	}
	return h.entries[0].ID
}

// Latest returns the ID of the most recently added entry, or 0 if empty.
func (h *History) Latest() uint64 { return h.nextID }

// VerifyChecksum reports whether reply, produced by replaying entry e,
// matches the checksum recorded when the command originally ran — a
// mismatch means the backend's session state has diverged and the
// connection must not be reused (§4.5, §8's replay-mismatch property).
func (e Entry) VerifyChecksum(reply []byte) bool {
	return checksum(reply) == e.Checksum
}
