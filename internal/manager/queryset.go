package manager

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"strings"

	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/model"
	"github.com/roach88/strata/internal/queryir"
	"github.com/roach88/strata/internal/store"
)

// IteratorChunkSize is the number of records Iterator fetches per round
// trip.
const IteratorChunkSize = 100

var (
	// ErrDoesNotExist is returned by Get and Latest when nothing matches.
	ErrDoesNotExist = errors.New("record does not exist")

	// ErrMultipleObjectsReturned is returned by Get when more than one
	// record matches.
	ErrMultipleObjectsReturned = errors.New("more than one record returned")

	// ErrNoPrimaryKey is returned by InBulk on types without a primary key.
	ErrNoPrimaryKey = errors.New("type has no primary key")
)

// FieldError reports a query naming a field the type does not declare.
type FieldError struct {
	Type  string
	Field string
	Usage string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: unknown field %q in %s", e.Type, e.Field, e.Usage)
}

// Plan is everything an executor needs: the connection, the entity type
// and the query.
type Plan struct {
	Handle *store.Handle
	Type   *model.Type
	Query  queryir.Select
}

// Executor runs planned queries. Implementations must not retain or mutate
// the plan's query.
type Executor interface {
	Fetch(ctx context.Context, p Plan) ([]*model.Record, error)
	Count(ctx context.Context, p Plan) (int64, error)
	Insert(ctx context.Context, p Plan, rec *model.Record) error
}

// QuerySet is an immutable query description. Chaining methods return a
// new QuerySet and leave the receiver unchanged; terminal methods plan
// the query and hand it to the executor.
type QuerySet struct {
	manager *Manager
	model   *model.Type
	sel     queryir.Select
	err     error
}

func (qs *QuerySet) clone() *QuerySet {
	c := *qs
	c.sel = qs.sel.Clone()
	return &c
}

// Err returns the error that will fail every terminal operation, if any.
func (qs *QuerySet) Err() error { return qs.err }

// Select returns a copy of the query built so far.
func (qs *QuerySet) Select() queryir.Select { return qs.sel.Clone() }

func (qs *QuerySet) String() string {
	if qs.sel.Filter == nil {
		return qs.sel.From
	}
	return qs.sel.From + " " + qs.sel.Filter.String()
}

// Filter narrows the set to records matching every condition.
func (qs *QuerySet) Filter(conds ...queryir.Condition) *QuerySet {
	if len(conds) == 0 {
		return qs.clone()
	}
	return qs.ComplexFilter(queryir.Where(conds...))
}

// Exclude removes records matching every condition.
func (qs *QuerySet) Exclude(conds ...queryir.Condition) *QuerySet {
	if len(conds) == 0 {
		return qs.clone()
	}
	return qs.ComplexFilter(queryir.Where(conds...).Not())
}

// ComplexFilter ANDs an arbitrary filter expression into the set.
func (qs *QuerySet) ComplexFilter(q *queryir.Q) *QuerySet {
	c := qs.clone()
	c.sel.Filter = c.sel.Filter.And(q)
	return c
}

// OrderBy replaces the ordering. Prefix a field with "-" for descending.
func (qs *QuerySet) OrderBy(fields ...string) *QuerySet {
	c := qs.clone()
	c.sel.OrderBy = append([]string(nil), fields...)
	return c
}

// Distinct drops duplicate rows.
func (qs *QuerySet) Distinct() *QuerySet {
	c := qs.clone()
	c.sel.Distinct = true
	return c
}

// Values restricts the returned fields.
func (qs *QuerySet) Values(fields ...string) *QuerySet {
	c := qs.clone()
	c.sel.Fields = append([]string(nil), fields...)
	return c
}

// Slice sets offset and limit; a zero limit means unbounded.
func (qs *QuerySet) Slice(offset, limit int) *QuerySet {
	c := qs.clone()
	if offset < 0 || limit < 0 {
		c.err = fmt.Errorf("negative slice bounds [%d:%d]", offset, limit)
		return c
	}
	c.sel.Offset = offset
	c.sel.Limit = limit
	return c
}

// Plan validates the query against the type and resolves its connection
// in the request scope of ctx.
func (qs *QuerySet) Plan(ctx context.Context) (Plan, error) {
	if qs.err != nil {
		return Plan{}, qs.err
	}
	if err := qs.check(); err != nil {
		return Plan{}, err
	}
	h, err := qs.manager.DB(ctx)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Handle: h, Type: qs.model, Query: qs.sel.Clone()}, nil
}

func (qs *QuerySet) check() error {
	if qs.sel.Filter != nil {
		if err := queryir.Validate(qs.sel.Filter).Err(); err != nil {
			return err
		}
		for _, c := range qs.sel.Filter.Conditions() {
			if err := qs.checkField(c.Field, "filter"); err != nil {
				return err
			}
		}
	}
	for _, f := range qs.sel.OrderBy {
		if err := qs.checkField(strings.TrimPrefix(f, "-"), "order by"); err != nil {
			return err
		}
	}
	for _, f := range qs.sel.Fields {
		if err := qs.checkField(f, "values"); err != nil {
			return err
		}
	}
	return nil
}

func (qs *QuerySet) checkField(name, usage string) error {
	if _, ok := qs.model.Field(name); !ok {
		return &FieldError{Type: qs.model.Label(), Field: name, Usage: usage}
	}
	return nil
}

// Fetch runs the query and returns the matching records.
func (qs *QuerySet) Fetch(ctx context.Context) ([]*model.Record, error) {
	p, err := qs.Plan(ctx)
	if err != nil {
		return nil, err
	}
	return qs.manager.exec.Fetch(ctx, p)
}

// Count returns the number of matching records.
func (qs *QuerySet) Count(ctx context.Context) (int64, error) {
	p, err := qs.Plan(ctx)
	if err != nil {
		return 0, err
	}
	return qs.manager.exec.Count(ctx, p)
}

// Get returns the single record matching the set and conds.
func (qs *QuerySet) Get(ctx context.Context, conds ...queryir.Condition) (*model.Record, error) {
	c := qs.Filter(conds...)
	recs, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	switch len(recs) {
	case 0:
		return nil, fmt.Errorf("%s: %w", c, ErrDoesNotExist)
	case 1:
		return recs[0], nil
	default:
		return nil, fmt.Errorf("%s: got %d: %w", c, len(recs), ErrMultipleObjectsReturned)
	}
}

// Latest returns the record with the greatest value of field.
func (qs *QuerySet) Latest(ctx context.Context, field string) (*model.Record, error) {
	if field == "" {
		return nil, errors.New("latest: field is required")
	}
	recs, err := qs.OrderBy("-"+field).Slice(0, 1).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s latest %s: %w", qs, field, ErrDoesNotExist)
	}
	return recs[0], nil
}

// InBulk fetches the records whose primary key is in ids, keyed by
// primary key. No query runs for an empty ids list.
func (qs *QuerySet) InBulk(ctx context.Context, ids ...any) (map[ir.IRValue]*model.Record, error) {
	if qs.err != nil {
		return nil, qs.err
	}
	pk, ok := qs.model.PK()
	if !ok {
		return nil, fmt.Errorf("in bulk %s: %w", qs.model.Label(), ErrNoPrimaryKey)
	}
	out := make(map[ir.IRValue]*model.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys, err := ir.FromGo(ids)
	if err != nil {
		return nil, fmt.Errorf("in bulk %s: %w", qs.model.Label(), err)
	}
	recs, err := qs.Filter(queryir.Condition{Field: pk.Name, Lookup: queryir.In, Value: keys}).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if key, ok := rec.Get(pk.Name); ok {
			out[key] = rec
		}
	}
	return out, nil
}

// Iterator streams matching records, fetching IteratorChunkSize at a time.
// Iteration stops at the first error, which is yielded once.
func (qs *QuerySet) Iterator(ctx context.Context) iter.Seq2[*model.Record, error] {
	return func(yield func(*model.Record, error) bool) {
		base, limit := qs.sel.Offset, qs.sel.Limit
		fetched := 0
		for {
			n := IteratorChunkSize
			if limit > 0 {
				remaining := limit - fetched
				if remaining <= 0 {
					return
				}
				n = min(n, remaining)
			}

			recs, err := qs.Slice(base+fetched, n).Fetch(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range recs {
				if !yield(rec, nil) {
					return
				}
			}
			fetched += len(recs)
			if len(recs) < n {
				return
			}
		}
	}
}

// Create validates values against the type and inserts a new record.
// Filters on the set do not apply.
func (qs *QuerySet) Create(ctx context.Context, values map[string]any) (*model.Record, error) {
	if qs.err != nil {
		return nil, qs.err
	}
	irValues := make(map[string]ir.IRValue, len(values))
	for name, v := range values {
		iv, err := ir.FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("create %s: field %s: %w", qs.model.Label(), name, err)
		}
		irValues[name] = iv
	}
	rec, err := model.NewRecord(qs.model, irValues)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	p, err := qs.manager.Query().Plan(ctx)
	if err != nil {
		return nil, err
	}
	if err := qs.manager.exec.Insert(ctx, p, rec); err != nil {
		return nil, fmt.Errorf("create %s: %w", qs.model.Label(), err)
	}
	return rec, nil
}

// GetOrCreate returns the record matching lookup, creating it from lookup
// and defaults when none exists. Lookup keys with a "__" lookup suffix
// filter but are not copied into the new record. The bool reports whether
// a record was created.
func (qs *QuerySet) GetOrCreate(ctx context.Context, lookup, defaults map[string]any) (*model.Record, bool, error) {
	q, err := queryir.FromKeywords(lookup)
	if err != nil {
		return nil, false, err
	}
	rec, err := qs.ComplexFilter(q).Get(ctx)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrDoesNotExist) {
		return nil, false, err
	}

	values := maps.Clone(defaults)
	if values == nil {
		values = make(map[string]any, len(lookup))
	}
	for k, v := range lookup {
		if !strings.Contains(k, queryir.LookupSeparator) {
			values[k] = v
		}
	}
	rec, err = qs.Create(ctx, values)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}
