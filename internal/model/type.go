// Package model describes entity types and the registry that finalises them.
//
// A Type is declared once and registered with a Registry, which sends the
// ClassPrepared signal. Receivers of that signal (the manager package's
// EnsureDefault) attach query managers to the type.
//
// Managers are type-level only: Type.Manager and Registry.Manager reach
// them, while a Record has no manager accessor at all.
package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/strata/internal/ir"
)

// Kind is the value kind stored in a field.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
)

// Field is one declared attribute of a Type.
type Field struct {
	Name       string
	Kind       Kind
	Null       bool
	PrimaryKey bool
}

// Check reports whether v may be stored in f.
func (f Field) Check(v ir.IRValue) error {
	if ir.IsNull(v) {
		if f.Null {
			return nil
		}
		return fmt.Errorf("field %s: null not allowed", f.Name)
	}
	ok := false
	switch f.Kind {
	case KindString:
		_, ok = v.(ir.IRString)
	case KindInt:
		_, ok = v.(ir.IRInt)
	case KindBool:
		_, ok = v.(ir.IRBool)
	}
	if !ok {
		return fmt.Errorf("field %s: expected %s, got %T", f.Name, f.Kind, v)
	}
	return nil
}

// ManagerRef is the view of a query manager the model layer needs for
// default-manager bookkeeping.
type ManagerRef interface {
	Owner() *Type
	CreationCounter() uint64
}

// Type is an entity type. AppLabel and Name are fixed at declaration;
// managers are attached during registration.
type Type struct {
	AppLabel string
	Name     string
	Parent   *Type
	Fields   []Field

	mu             sync.RWMutex
	managers       map[string]ManagerRef
	defaultManager ManagerRef
}

// Label returns "app.Name".
func (t *Type) Label() string {
	return t.AppLabel + "." + t.Name
}

func (t *Type) String() string {
	return t.Label()
}

// Field looks up a field by name, including fields declared on ancestors.
func (t *Type) Field(name string) (Field, bool) {
	for cur := t; cur != nil; cur = cur.Parent {
		for _, f := range cur.Fields {
			if f.Name == name {
				return f, true
			}
		}
	}
	return Field{}, false
}

// PK returns the primary key field, if one is declared.
func (t *Type) PK() (Field, bool) {
	for _, f := range t.AllFields() {
		if f.PrimaryKey {
			return f, true
		}
	}
	return Field{}, false
}

// AllFields returns ancestor fields first, then t's own.
func (t *Type) AllFields() []Field {
	if t.Parent == nil {
		out := make([]Field, len(t.Fields))
		copy(out, t.Fields)
		return out
	}
	return append(t.Parent.AllFields(), t.Fields...)
}

// Manager returns the manager attached under name, falling back to
// ancestors.
func (t *Type) Manager(name string) (ManagerRef, bool) {
	for cur := t; cur != nil; cur = cur.Parent {
		cur.mu.RLock()
		m, ok := cur.managers[name]
		cur.mu.RUnlock()
		if ok {
			return m, true
		}
	}
	return nil, false
}

// ManagerNames returns the names of managers attached directly to t.
func (t *Type) ManagerNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.managers))
	for name := range t.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetManager attaches m under name.
func (t *Type) SetManager(name string, m ManagerRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.managers == nil {
		t.managers = make(map[string]ManagerRef)
	}
	t.managers[name] = m
}

// DefaultManager returns t's default manager. A type without its own
// default inherits its parent's; compare Owner() with t to tell the two
// apart.
func (t *Type) DefaultManager() (ManagerRef, bool) {
	for cur := t; cur != nil; cur = cur.Parent {
		cur.mu.RLock()
		m := cur.defaultManager
		cur.mu.RUnlock()
		if m != nil {
			return m, true
		}
	}
	return nil, false
}

// SetDefaultManager makes m the default manager of t.
func (t *Type) SetDefaultManager(m ManagerRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultManager = m
}

// ElectDefault makes m the default manager of t when t has no default,
// when the default is inherited from an ancestor, or when m was created
// before the current default. The comparison and the update happen under
// one lock, so concurrent elections keep the lowest creation counter.
func (t *Type) ElectDefault(m ManagerRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.defaultManager
	for cur := t.Parent; current == nil && cur != nil; cur = cur.Parent {
		cur.mu.RLock()
		current = cur.defaultManager
		cur.mu.RUnlock()
	}
	if current != nil && current.Owner() == t && current.CreationCounter() <= m.CreationCounter() {
		return false
	}
	t.defaultManager = m
	return true
}

func (t *Type) validate() error {
	if t.AppLabel == "" || t.Name == "" {
		return fmt.Errorf("type %q: app label and name are required", t.Label())
	}
	if strings.Contains(t.AppLabel, ".") || strings.Contains(t.Name, ".") {
		return fmt.Errorf("type %q: app label and name must not contain '.'", t.Label())
	}
	seen := make(map[string]bool)
	for _, f := range t.AllFields() {
		if f.Name == "" {
			return fmt.Errorf("type %s: empty field name", t.Label())
		}
		if seen[f.Name] {
			return fmt.Errorf("type %s: duplicate field %q", t.Label(), f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}
