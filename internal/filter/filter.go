// Package filter implements the proxy's response-filtering pipeline — the
// Go-idiomatic rendering of MaxScale's filter modules (maxrows, masking,
// cache), grounded on original_source's
// server/modules/filter/maxrows/maxrows.cc: a filter inspects a backend's
// accumulated Reply before it is relayed to the client and may reject it.
// Only the maxrows behaviour is implemented as a concrete filter; masking
// and caching are richer features (column-level rule matching, storage
// backends) outside this proxy core's scope, but the Chain they would
// plug into is the same one built here.
package filter

import (
	"fmt"
	"sync"

	"github.com/dbproxy/mxcore/internal/backendconn"
)

// Filter inspects a reply before it reaches the client and may reject it.
type Filter interface {
	Name() string
	Apply(query string, reply *backendconn.Reply) error
}

// MaxRows rejects any result set with more than Limit rows, mirroring
// maxrows.cc's row-count cutoff.
type MaxRows struct {
	FilterName string
	Limit      int
}

func (f *MaxRows) Name() string { return f.FilterName }

func (f *MaxRows) Apply(query string, reply *backendconn.Reply) error {
	if reply.RowCount > f.Limit {
		return fmt.Errorf("result set of %d rows exceeds maxrows limit %d", reply.RowCount, f.Limit)
	}
	return nil
}

// Chain is an ordered, named set of filters applied to every reply, kept
// in a registry the admin surface's create/destroy filter verbs mutate at
// runtime.
type Chain struct {
	mu      sync.RWMutex
	order   []string
	filters map[string]Filter
}

// NewChain creates an empty filter chain.
func NewChain() *Chain {
	return &Chain{filters: make(map[string]Filter)}
}

// Put registers or replaces a named filter, appending it to the
// application order if new.
func (c *Chain) Put(f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.filters[f.Name()]; !exists {
		c.order = append(c.order, f.Name())
	}
	c.filters[f.Name()] = f
}

// Remove unregisters a named filter.
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.filters[name]; !ok {
		return false
	}
	delete(c.filters, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a registered filter by name.
func (c *Chain) Get(name string) (Filter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.filters[name]
	return f, ok
}

// List returns every registered filter's name in application order.
func (c *Chain) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Apply runs every registered filter in order, stopping at the first
// rejection.
func (c *Chain) Apply(query string, reply *backendconn.Reply) error {
	c.mu.RLock()
	order := make([]string, len(c.order))
	copy(order, c.order)
	c.mu.RUnlock()

	for _, name := range order {
		c.mu.RLock()
		f := c.filters[name]
		c.mu.RUnlock()
		if f == nil {
			continue
		}
		if err := f.Apply(query, reply); err != nil {
			return fmt.Errorf("filter %s: %w", name, err)
		}
	}
	return nil
}
