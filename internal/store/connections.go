package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/strata/internal/config"
)

// ErrUnknownConnection is returned by Get for names not in the settings.
var ErrUnknownConnection = errors.New("unknown connection")

// Connections holds one handle per configured database.
//
// Thread-safety: immutable after construction; handles are individually
// safe for concurrent use.
type Connections struct {
	handles map[string]*Handle
	names   []string
}

// NewConnections builds handles for the default database and every
// additional database in s. No database is opened.
func NewConnections(s *config.Settings) *Connections {
	c := &Connections{handles: make(map[string]*Handle, len(s.Other)+1)}
	c.handles[config.DefaultName] = newHandle(config.DefaultName, s.Default)
	for name, def := range s.Other {
		c.handles[name] = newHandle(name, def)
	}
	for name := range c.handles {
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)
	return c
}

// Get returns the handle for name.
func (c *Connections) Get(name string) (*Handle, error) {
	h, ok := c.handles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnection, name)
	}
	return h, nil
}

// MustGet is Get that panics on unknown names.
func (c *Connections) MustGet(name string) *Handle {
	h, err := c.Get(name)
	if err != nil {
		panic(err)
	}
	return h
}

// Default returns the default handle.
func (c *Connections) Default() *Handle {
	return c.handles[config.DefaultName]
}

// Names returns every connection name in sorted order.
func (c *Connections) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Close closes every opened handle and joins the errors.
func (c *Connections) Close() error {
	var errs []error
	for _, name := range c.names {
		if err := c.handles[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
