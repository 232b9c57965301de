package filter

import (
	"testing"

	"github.com/dbproxy/mxcore/internal/backendconn"
)

func TestMaxRowsRejectsOverLimit(t *testing.T) {
	f := &MaxRows{FilterName: "cap", Limit: 10}
	if err := f.Apply("SELECT 1", &backendconn.Reply{RowCount: 5}); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if err := f.Apply("SELECT 1", &backendconn.Reply{RowCount: 11}); err == nil {
		t.Fatal("expected rejection over limit")
	}
}

func TestChainPutGetRemove(t *testing.T) {
	c := NewChain()
	c.Put(&MaxRows{FilterName: "cap", Limit: 100})
	if _, ok := c.Get("cap"); !ok {
		t.Fatal("expected filter to be registered")
	}
	if got := c.List(); len(got) != 1 || got[0] != "cap" {
		t.Fatalf("List() = %v", got)
	}
	if !c.Remove("cap") {
		t.Fatal("expected Remove to report success")
	}
	if _, ok := c.Get("cap"); ok {
		t.Fatal("expected filter to be gone after Remove")
	}
}

func TestChainApplyStopsAtFirstRejection(t *testing.T) {
	c := NewChain()
	c.Put(&MaxRows{FilterName: "a", Limit: 1})
	c.Put(&MaxRows{FilterName: "b", Limit: 100})
	err := c.Apply("SELECT 1", &backendconn.Reply{RowCount: 5})
	if err == nil {
		t.Fatal("expected rejection from filter a")
	}
}

func TestChainApplyPassesWhenEmpty(t *testing.T) {
	c := NewChain()
	if err := c.Apply("SELECT 1", &backendconn.Reply{RowCount: 1000}); err != nil {
		t.Fatalf("unexpected error on empty chain: %v", err)
	}
}
