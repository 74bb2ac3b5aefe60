// Package manager provides query managers: the type-level entry point for
// building and running queries against an entity type.
//
// A Manager is created by a Managers factory, which hands out monotonic
// creation counters, and bound to one model.Type. Every query starts from
// Manager.Query, which returns a fresh QuerySet; managers hold no query
// state of their own, so one manager is safely shared by every request.
//
// Default manager election on Bind: the binding manager becomes the type's
// default when the type has none, when its creation counter is lower than
// the current default's, or when the current default is inherited from
// another type. EnsureDefault, connected to ClassPrepared, adds an
// "objects" manager to types left without a default of their own.
package manager

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/strata/internal/dispatch"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/model"
	"github.com/roach88/strata/internal/queryir"
	"github.com/roach88/strata/internal/routing"
	"github.com/roach88/strata/internal/store"
)

// DefaultName is the name of the manager EnsureDefault adds.
const DefaultName = "objects"

var (
	// ErrUnbound is returned by query operations on a manager that has not
	// been bound to a type.
	ErrUnbound = errors.New("manager is not bound to a type")

	// ErrAlreadyBound is returned when a manager is bound a second time.
	ErrAlreadyBound = errors.New("manager is already bound")
)

// Resolver picks the connection for a binding.
type Resolver interface {
	Resolve(ctx context.Context, b routing.Binding) (*store.Handle, error)
}

// Managers creates managers and owns their creation counter.
//
// Thread-safety: safe for concurrent use.
type Managers struct {
	counter  atomic.Uint64
	resolver Resolver
	exec     Executor
}

// NewManagers returns a factory whose managers resolve connections through
// resolver and run queries through exec.
func NewManagers(resolver Resolver, exec Executor) *Managers {
	return &Managers{resolver: resolver, exec: exec}
}

// New creates an unbound manager with the next creation counter.
func (ms *Managers) New(name string) *Manager {
	return &Manager{
		name:     name,
		counter:  ms.counter.Add(1) - 1,
		resolver: ms.resolver,
		exec:     ms.exec,
	}
}

// Install connects EnsureDefault to signals.ClassPrepared.
func (ms *Managers) Install(signals *dispatch.Signals) (disconnect func()) {
	return signals.ClassPrepared.Connect("manager.ensure_default", ms.EnsureDefault)
}

// EnsureDefault is a ClassPrepared receiver. It gives the prepared type an
// "objects" manager when the type has no default or only an inherited
// one. A type declaring a field named "objects" must bring its own
// manager.
func (ms *Managers) EnsureDefault(_ context.Context, sender any) error {
	t, ok := sender.(*model.Type)
	if !ok {
		return fmt.Errorf("ensure default manager: unexpected sender %T", sender)
	}

	current, ok := t.DefaultManager()
	switch {
	case !ok:
		if _, clash := t.Field(DefaultName); clash {
			return fmt.Errorf("type %s must specify a custom manager, because it has a field named %q", t.Label(), DefaultName)
		}
	case current.Owner() != t:
		// inherited default; the type gets its own
	default:
		return nil
	}

	m := ms.New(DefaultName)
	if err := m.Bind(t); err != nil {
		return err
	}
	slog.Debug("added default manager", "type", t.Label(), "manager", DefaultName, "counter", m.counter)
	return nil
}

// Manager is the query entry point for one entity type.
type Manager struct {
	name     string
	counter  uint64
	resolver Resolver
	exec     Executor

	mu    sync.RWMutex
	model *model.Type
}

var (
	_ model.ManagerRef = (*Manager)(nil)
	_ routing.Binding  = (*Manager)(nil)
)

// Name returns the attribute name the manager is bound under.
func (m *Manager) Name() string { return m.name }

// CreationCounter returns the manager's position in creation order.
func (m *Manager) CreationCounter() uint64 { return m.counter }

// Owner returns the bound type, or nil.
func (m *Manager) Owner() *model.Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.model
}

// AppLabel returns the bound type's app label.
func (m *Manager) AppLabel() string {
	if t := m.Owner(); t != nil {
		return t.AppLabel
	}
	return ""
}

// EntityName returns the bound type's name.
func (m *Manager) EntityName() string {
	if t := m.Owner(); t != nil {
		return t.Name
	}
	return ""
}

func (m *Manager) String() string {
	if t := m.Owner(); t != nil {
		return t.Label() + "." + m.name
	}
	return m.name + " (unbound)"
}

// Bind attaches m to t under its name and runs default election.
func (m *Manager) Bind(t *model.Type) error {
	m.mu.Lock()
	if m.model != nil {
		m.mu.Unlock()
		return fmt.Errorf("bind %s to %s: %w", m.name, t.Label(), ErrAlreadyBound)
	}
	m.model = t
	m.mu.Unlock()

	t.SetManager(m.name, m)
	t.ElectDefault(m)
	return nil
}

// DB resolves the connection for m's type in the request scope of ctx.
func (m *Manager) DB(ctx context.Context) (*store.Handle, error) {
	if m.Owner() == nil {
		return nil, ErrUnbound
	}
	return m.resolver.Resolve(ctx, m)
}

// Query returns a new QuerySet over every record of the bound type. Each
// call returns an independent value.
func (m *Manager) Query() *QuerySet {
	qs := &QuerySet{manager: m, model: m.Owner()}
	if qs.model == nil {
		qs.err = ErrUnbound
		return qs
	}
	qs.sel.From = qs.model.Label()
	return qs
}

// All returns a QuerySet over every record.
func (m *Manager) All() *QuerySet { return m.Query() }

// Filter is Query().Filter.
func (m *Manager) Filter(conds ...queryir.Condition) *QuerySet { return m.Query().Filter(conds...) }

// Exclude is Query().Exclude.
func (m *Manager) Exclude(conds ...queryir.Condition) *QuerySet { return m.Query().Exclude(conds...) }

// ComplexFilter is Query().ComplexFilter.
func (m *Manager) ComplexFilter(q *queryir.Q) *QuerySet { return m.Query().ComplexFilter(q) }

// OrderBy is Query().OrderBy.
func (m *Manager) OrderBy(fields ...string) *QuerySet { return m.Query().OrderBy(fields...) }

// Distinct is Query().Distinct.
func (m *Manager) Distinct() *QuerySet { return m.Query().Distinct() }

// Values is Query().Values.
func (m *Manager) Values(fields ...string) *QuerySet { return m.Query().Values(fields...) }

// Count is Query().Count.
func (m *Manager) Count(ctx context.Context) (int64, error) { return m.Query().Count(ctx) }

// Get is Query().Get.
func (m *Manager) Get(ctx context.Context, conds ...queryir.Condition) (*model.Record, error) {
	return m.Query().Get(ctx, conds...)
}

// Latest is Query().Latest.
func (m *Manager) Latest(ctx context.Context, field string) (*model.Record, error) {
	return m.Query().Latest(ctx, field)
}

// InBulk is Query().InBulk.
func (m *Manager) InBulk(ctx context.Context, ids ...any) (map[ir.IRValue]*model.Record, error) {
	return m.Query().InBulk(ctx, ids...)
}

// Iterator is Query().Iterator.
func (m *Manager) Iterator(ctx context.Context) iter.Seq2[*model.Record, error] {
	return m.Query().Iterator(ctx)
}

// Create is Query().Create.
func (m *Manager) Create(ctx context.Context, values map[string]any) (*model.Record, error) {
	return m.Query().Create(ctx, values)
}

// GetOrCreate is Query().GetOrCreate.
func (m *Manager) GetOrCreate(ctx context.Context, lookup, defaults map[string]any) (*model.Record, bool, error) {
	return m.Query().GetOrCreate(ctx, lookup, defaults)
}
