package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/strata/internal/dispatch"
)

var (
	// ErrDuplicateType is returned when a label is registered twice.
	ErrDuplicateType = errors.New("type already registered")

	// ErrUnknownType is returned for types the registry has not seen.
	ErrUnknownType = errors.New("unknown type")

	// ErrNoManager is returned when a type has no manager of the given name.
	ErrNoManager = errors.New("no such manager")
)

// Registry holds registered entity types.
//
// Thread-safety: safe for concurrent use. Registration is expected at
// startup; lookups happen on every query.
type Registry struct {
	signals *dispatch.Signals

	mu    sync.RWMutex
	types map[string]*Type
	order []*Type
}

// NewRegistry creates an empty registry that announces registrations on
// signals.ClassPrepared.
func NewRegistry(signals *dispatch.Signals) *Registry {
	return &Registry{
		signals: signals,
		types:   make(map[string]*Type),
	}
}

// Register adds t and sends ClassPrepared with t as sender. If a receiver
// fails, t is removed again and the error returned.
func (r *Registry) Register(ctx context.Context, t *Type) error {
	if err := t.validate(); err != nil {
		return err
	}
	if t.Parent != nil {
		if _, ok := r.Lookup(t.Parent.Label()); !ok {
			return fmt.Errorf("register %s: parent %s: %w", t.Label(), t.Parent.Label(), ErrUnknownType)
		}
	}

	r.mu.Lock()
	if _, exists := r.types[t.Label()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("register %s: %w", t.Label(), ErrDuplicateType)
	}
	r.types[t.Label()] = t
	r.order = append(r.order, t)
	r.mu.Unlock()

	if err := r.signals.ClassPrepared.Send(ctx, t); err != nil {
		r.remove(t)
		return fmt.Errorf("prepare %s: %w", t.Label(), err)
	}
	slog.Debug("type registered", "type", t.Label(), "managers", t.ManagerNames())
	return nil
}

func (r *Registry) remove(t *Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.types, t.Label())
	for i, cur := range r.order {
		if cur == t {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Lookup returns the type registered under "app.Name".
func (r *Registry) Lookup(label string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[label]
	return t, ok
}

// Types returns registered types in registration order.
func (r *Registry) Types() []*Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Type, len(r.order))
	copy(out, r.order)
	return out
}

// Manager is the type-level manager accessor. An empty name selects the
// default manager.
func (r *Registry) Manager(t *Type, name string) (ManagerRef, error) {
	if got, ok := r.Lookup(t.Label()); !ok || got != t {
		return nil, fmt.Errorf("manager %s on %s: %w", name, t.Label(), ErrUnknownType)
	}
	var (
		m  ManagerRef
		ok bool
	)
	if name == "" {
		m, ok = t.DefaultManager()
	} else {
		m, ok = t.Manager(name)
	}
	if !ok {
		return nil, fmt.Errorf("manager %q on %s: %w", name, t.Label(), ErrNoManager)
	}
	return m, nil
}
