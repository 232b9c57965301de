package history

import "testing"

func TestAddAssignsIncreasingIDs(t *testing.T) {
	h := New(10)
	e1 := h.Add([]byte("USE shop"), []byte{0}, true)
	e2 := h.Add([]byte("SET autocommit=0"), []byte{0}, true)
	if e1.ID != 1 || e2.ID != 2 {
		t.Fatalf("ids = %d, %d", e1.ID, e2.ID)
	}
}

func TestSinceReturnsNewerEntries(t *testing.T) {
	h := New(10)
	h.Add([]byte("a"), nil, true)
	h.Add([]byte("b"), nil, true)
	h.Add([]byte("c"), nil, true)
	got := h.Since(1)
	if len(got) != 2 || string(got[0].Payload) != "b" || string(got[1].Payload) != "c" {
		t.Fatalf("since(1) = %+v", got)
	}
}

func TestEvictionRespectsSlowestBackend(t *testing.T) {
	h := New(2)
	h.MarkReplayed("backend-a", 0)
	h.Add([]byte("1"), nil, true)
	h.Add([]byte("2"), nil, true)
	h.Add([]byte("3"), nil, true) // would normally evict entry 1

	if h.Len() != 3 {
		t.Fatalf("expected eviction to be withheld for a lagging backend, len=%d", h.Len())
	}

	h.MarkReplayed("backend-a", 2)
	h.Add([]byte("4"), nil, true)
	if h.Oldest() != 3 {
		t.Fatalf("oldest = %d, want 3 once backend-a has replayed through 2", h.Oldest())
	}
}

func TestForgetBackendUnblocksEviction(t *testing.T) {
	h := New(1)
	h.MarkReplayed("stale-backend", 0)
	h.Add([]byte("1"), nil, true)
	h.Add([]byte("2"), nil, true)
	if h.Len() != 2 {
		t.Fatalf("expected eviction withheld, len=%d", h.Len())
	}
	h.ForgetBackend("stale-backend")
	h.Add([]byte("3"), nil, true)
	if h.Len() != 1 {
		t.Fatalf("expected eviction to proceed after ForgetBackend, len=%d", h.Len())
	}
}

func TestHasReplyReflectsWhetherReplyWasRecorded(t *testing.T) {
	h := New(10)
	withReply := h.Add([]byte("SET autocommit=0"), []byte{0x00}, true)
	withoutReply := h.Add([]byte("USE shop"), nil, true)
	if !withReply.HasReply {
		t.Fatal("expected HasReply=true when a reply was recorded")
	}
	if withoutReply.HasReply {
		t.Fatal("expected HasReply=false when no reply was recorded")
	}
}

func TestVerifyChecksum(t *testing.T) {
	h := New(10)
	e := h.Add([]byte("SET autocommit=0"), []byte{0x00, 0x01}, true)
	if !e.VerifyChecksum([]byte{0x00, 0x01}) {
		t.Fatal("expected checksum to match identical reply")
	}
	if e.VerifyChecksum([]byte{0xff}) {
		t.Fatal("expected checksum mismatch on different reply")
	}
}
