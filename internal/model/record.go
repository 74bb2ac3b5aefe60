package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/strata/internal/ir"
)

// Record is one row of a Type. It carries values only; managers are not
// reachable through a record.
type Record struct {
	typ    *Type
	values map[string]ir.IRValue
}

// NewRecord checks values against t's fields. Missing nullable fields are
// stored as null; missing non-nullable fields and unknown names fail.
func NewRecord(t *Type, values map[string]ir.IRValue) (*Record, error) {
	out := make(map[string]ir.IRValue, len(values))
	for name, v := range values {
		f, ok := t.Field(name)
		if !ok {
			return nil, fmt.Errorf("%s: unknown field %q", t.Label(), name)
		}
		if err := f.Check(v); err != nil {
			return nil, fmt.Errorf("%s: %w", t.Label(), err)
		}
		out[name] = v
	}
	for _, f := range t.AllFields() {
		if _, ok := out[f.Name]; ok {
			continue
		}
		if !f.Null {
			return nil, fmt.Errorf("%s: missing value for field %s", t.Label(), f.Name)
		}
		out[f.Name] = ir.IRNull{}
	}
	return &Record{typ: t, values: out}, nil
}

// Type returns the record's entity type.
func (r *Record) Type() *Type { return r.typ }

// Get returns the value of a field.
func (r *Record) Get(field string) (ir.IRValue, bool) {
	v, ok := r.values[field]
	return v, ok
}

// Values returns a copy of all field values.
func (r *Record) Values() map[string]ir.IRValue {
	out := make(map[string]ir.IRValue, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

func (r *Record) String() string {
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(r.typ.Label())
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k + ": " + ir.Format(r.values[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// Project returns a record carrying only the named fields. Unknown names
// are skipped.
func (r *Record) Project(fields []string) *Record {
	out := make(map[string]ir.IRValue, len(fields))
	for _, f := range fields {
		if v, ok := r.values[f]; ok {
			out[f] = v
		}
	}
	return &Record{typ: r.typ, values: out}
}
