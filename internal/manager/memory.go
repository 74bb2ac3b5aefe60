package manager

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/model"
	"github.com/roach88/strata/internal/queryir"
	"github.com/roach88/strata/internal/tree"
)

// ErrDuplicateKey is returned by MemoryExecutor.Insert on a primary key
// collision.
var ErrDuplicateKey = errors.New("duplicate primary key")

// MemoryExecutor keeps records in memory, one table per (connection, type).
// It evaluates filter trees directly and is used by tests and the CLI's
// dry runs.
//
// Thread-safety: safe for concurrent use.
type MemoryExecutor struct {
	mu     sync.RWMutex
	tables map[string][]*model.Record
}

var _ Executor = (*MemoryExecutor)(nil)

// NewMemoryExecutor returns an empty executor.
func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{tables: make(map[string][]*model.Record)}
}

func tableKey(p Plan) string {
	return p.Handle.Name() + "/" + p.Type.Label()
}

// Rows returns the number of records stored for label on connection.
func (e *MemoryExecutor) Rows(connection, label string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tables[connection+"/"+label])
}

// Insert appends rec.
func (e *MemoryExecutor) Insert(_ context.Context, p Plan, rec *model.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := tableKey(p)
	if pk, ok := p.Type.PK(); ok {
		id, _ := rec.Get(pk.Name)
		for _, existing := range e.tables[key] {
			if other, _ := existing.Get(pk.Name); equal(id, other) {
				return fmt.Errorf("%s=%s: %w", pk.Name, ir.Format(id), ErrDuplicateKey)
			}
		}
	}
	e.tables[key] = append(e.tables[key], rec)
	return nil
}

// Count returns the number of records Fetch would return.
func (e *MemoryExecutor) Count(ctx context.Context, p Plan) (int64, error) {
	recs, err := e.Fetch(ctx, p)
	if err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

// Fetch applies, in order: filter, ordering, projection, distinct, then
// offset and limit.
func (e *MemoryExecutor) Fetch(ctx context.Context, p Plan) ([]*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	rows := slices.Clone(e.tables[tableKey(p)])
	e.mu.RUnlock()

	q := p.Query
	if q.Filter != nil {
		rows = slices.DeleteFunc(rows, func(r *model.Record) bool {
			return !matchNode(q.Filter.Tree(), r)
		})
	}

	if len(q.OrderBy) > 0 {
		slices.SortStableFunc(rows, func(a, b *model.Record) int {
			for _, f := range q.OrderBy {
				name, desc := strings.CutPrefix(f, "-")
				av, _ := a.Get(name)
				bv, _ := b.Get(name)
				c := compare(av, bv)
				if desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}

	if len(q.Fields) > 0 {
		for i, r := range rows {
			rows[i] = r.Project(q.Fields)
		}
	}

	if q.Distinct {
		seen := make(map[string]bool, len(rows))
		rows = slices.DeleteFunc(rows, func(r *model.Record) bool {
			key := r.String()
			if seen[key] {
				return true
			}
			seen[key] = true
			return false
		})
	}

	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			return nil, nil
		}
		rows = rows[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(rows) {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func matchNode(n *tree.Node, r *model.Record) bool {
	result := n.Connector != tree.OR || n.Len() == 0
	for _, child := range n.Children {
		var ok bool
		if cond, isCond := queryir.AsCondition(child); isCond {
			ok = matchCondition(cond, r)
		} else {
			switch c := child.(type) {
			case tree.Embedder:
				ok = matchNode(c.Tree(), r)
			case *tree.Node:
				ok = matchNode(c, r)
			}
		}
		if n.Connector == tree.OR {
			if ok {
				result = true
				break
			}
		} else if !ok {
			result = false
			break
		}
	}
	if n.Negated {
		return !result
	}
	return result
}

func matchCondition(c queryir.Condition, r *model.Record) bool {
	v, ok := r.Get(c.Field)
	if !ok {
		v = ir.IRNull{}
	}

	switch c.Lookup {
	case queryir.IsNull:
		want, _ := c.Value.(ir.IRBool)
		return ir.IsNull(v) == bool(want)
	case queryir.Exact, "":
		if ir.IsNull(c.Value) {
			return ir.IsNull(v)
		}
		return equal(v, c.Value)
	case queryir.In:
		arr, _ := c.Value.(ir.IRArray)
		return slices.ContainsFunc(arr, func(elem ir.IRValue) bool { return equal(v, elem) })
	}

	if ir.IsNull(v) {
		return false
	}
	switch c.Lookup {
	case queryir.GT, queryir.GTE, queryir.LT, queryir.LTE:
		if !sameKind(v, c.Value) {
			return false
		}
		n := compare(v, c.Value)
		switch c.Lookup {
		case queryir.GT:
			return n > 0
		case queryir.GTE:
			return n >= 0
		case queryir.LT:
			return n < 0
		default:
			return n <= 0
		}
	}

	s, sok := v.(ir.IRString)
	sub, subok := c.Value.(ir.IRString)
	if !sok || !subok {
		return false
	}
	switch c.Lookup {
	case queryir.IExact:
		return strings.EqualFold(string(s), string(sub))
	case queryir.Contains:
		return strings.Contains(string(s), string(sub))
	case queryir.IContains:
		return strings.Contains(strings.ToLower(string(s)), strings.ToLower(string(sub)))
	case queryir.StartsWith:
		return strings.HasPrefix(string(s), string(sub))
	}
	return false
}

func equal(a, b ir.IRValue) bool {
	if ir.IsNull(a) || ir.IsNull(b) {
		return ir.IsNull(a) && ir.IsNull(b)
	}
	return sameKind(a, b) && compare(a, b) == 0
}

func sameKind(a, b ir.IRValue) bool {
	switch a.(type) {
	case ir.IRInt:
		_, ok := b.(ir.IRInt)
		return ok
	case ir.IRString:
		_, ok := b.(ir.IRString)
		return ok
	case ir.IRBool:
		_, ok := b.(ir.IRBool)
		return ok
	}
	return false
}

// compare orders nulls first, then values of the same kind. Values of
// different kinds compare equal.
func compare(a, b ir.IRValue) int {
	an, bn := ir.IsNull(a), ir.IsNull(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	}
	switch av := a.(type) {
	case ir.IRInt:
		if bv, ok := b.(ir.IRInt); ok {
			return cmp.Compare(av, bv)
		}
	case ir.IRString:
		if bv, ok := b.(ir.IRString); ok {
			return strings.Compare(string(av), string(bv))
		}
	case ir.IRBool:
		if bv, ok := b.(ir.IRBool); ok {
			return boolRank(bool(av)) - boolRank(bool(bv))
		}
	}
	return 0
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}
