package queryir

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/tree"
)

// LookupSeparator joins a field name and a lookup in filter keywords
// ("age__gte").
const LookupSeparator = "__"

// Lookup names the comparison a Condition applies.
type Lookup string

const (
	Exact      Lookup = "exact"
	IExact     Lookup = "iexact"
	GT         Lookup = "gt"
	GTE        Lookup = "gte"
	LT         Lookup = "lt"
	LTE        Lookup = "lte"
	In         Lookup = "in"
	Contains   Lookup = "contains"
	IContains  Lookup = "icontains"
	StartsWith Lookup = "startswith"
	IsNull     Lookup = "isnull"
)

var knownLookups = map[Lookup]bool{
	Exact: true, IExact: true, GT: true, GTE: true, LT: true, LTE: true,
	In: true, Contains: true, IContains: true, StartsWith: true, IsNull: true,
}

// Known reports whether l is a supported lookup.
func (l Lookup) Known() bool {
	return knownLookups[l]
}

// ParseLookup splits a filter keyword into field and lookup. A keyword
// whose last segment is not a known lookup is an exact match on the whole
// keyword.
func ParseLookup(keyword string) (string, Lookup) {
	idx := strings.LastIndex(keyword, LookupSeparator)
	if idx <= 0 {
		return keyword, Exact
	}
	l := Lookup(keyword[idx+len(LookupSeparator):])
	if !l.Known() {
		return keyword, Exact
	}
	return keyword[:idx], l
}

// Condition is a leaf predicate: Field <Lookup> Value.
type Condition struct {
	Field  string
	Lookup Lookup
	Value  ir.IRValue
}

// NewCondition builds a Condition from a keyword such as "age__gte" and a
// native Go value.
func NewCondition(keyword string, value any) (Condition, error) {
	field, lookup := ParseLookup(keyword)
	if field == "" {
		return Condition{}, fmt.Errorf("empty field in filter keyword %q", keyword)
	}
	v, err := ir.FromGo(value)
	if err != nil {
		return Condition{}, fmt.Errorf("filter %s: %w", keyword, err)
	}
	return Condition{Field: field, Lookup: lookup, Value: v}, nil
}

// C is NewCondition for literals; it panics on an invalid value.
func C(keyword string, value any) Condition {
	c, err := NewCondition(keyword, value)
	if err != nil {
		panic(err)
	}
	return c
}

// CloneChild copies array operands so cloned filters never share them.
func (c Condition) CloneChild() any {
	if arr, ok := c.Value.(ir.IRArray); ok {
		c.Value = arr.Clone()
	}
	return c
}

func (c Condition) String() string {
	key := c.Field
	if c.Lookup != "" && c.Lookup != Exact {
		key += LookupSeparator + string(c.Lookup)
	}
	return key + "=" + ir.Format(c.Value)
}

// Q is a filter expression: a tree whose leaves are Conditions and whose
// default connector is AND.
type Q struct {
	tree.Node
}

var (
	_ tree.Embedder = (*Q)(nil)
	_ tree.Cloner   = (*Q)(nil)
	_ tree.Cloner   = Condition{}
)

// Where returns a filter that ANDs the given conditions.
func Where(conds ...Condition) *Q {
	q := newQ()
	for _, c := range conds {
		q.Add(c, tree.AND)
	}
	return q
}

// FromKeywords builds an AND filter from keyword/value pairs. Keywords
// are applied in sorted order so the resulting tree is deterministic.
func FromKeywords(kw map[string]any) (*Q, error) {
	keys := make([]string, 0, len(kw))
	for k := range kw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := newQ()
	for _, k := range keys {
		c, err := NewCondition(k, kw[k])
		if err != nil {
			return nil, err
		}
		q.Add(c, tree.AND)
	}
	return q, nil
}

func newQ() *Q {
	return &Q{Node: *tree.New(tree.AND)}
}

// Tree exposes the embedded node.
func (q *Q) Tree() *tree.Node {
	return &q.Node
}

// Clone returns a deep copy that keeps the *Q type.
func (q *Q) Clone() *Q {
	if q == nil {
		return nil
	}
	return &Q{Node: *q.Node.Clone()}
}

// CloneChild implements tree.Cloner.
func (q *Q) CloneChild() any {
	return q.Clone()
}

// And returns (q AND other). Neither operand is modified.
func (q *Q) And(other *Q) *Q {
	return q.combine(other, tree.AND)
}

// Or returns (q OR other). Neither operand is modified.
func (q *Q) Or(other *Q) *Q {
	return q.combine(other, tree.OR)
}

// Not returns the negation of q. Negating twice nests; it does not cancel.
func (q *Q) Not() *Q {
	obj := newQ()
	obj.Add(q.Clone(), tree.AND)
	obj.Negate()
	return obj
}

func (q *Q) combine(other *Q, conn tree.Connector) *Q {
	if other.empty() {
		return q.Clone()
	}
	if q.empty() {
		return other.Clone()
	}
	obj := newQ()
	obj.Add(q.Clone(), conn)
	obj.Add(other.Clone(), conn)
	return obj
}

func (q *Q) empty() bool {
	return q == nil || q.IsEmpty()
}

// Conditions returns every leaf Condition in pre-order. Pointer leaves are
// dereferenced.
func (q *Q) Conditions() []Condition {
	var out []Condition
	if q == nil {
		return out
	}
	q.Walk(func(_ *tree.Node, leaf any) bool {
		if c, ok := AsCondition(leaf); ok {
			out = append(out, c)
		}
		return true
	})
	return out
}

// AsCondition returns leaf as a Condition when it is one, by value or by
// non-nil pointer.
func AsCondition(leaf any) (Condition, bool) {
	switch c := leaf.(type) {
	case Condition:
		return c, true
	case *Condition:
		if c != nil {
			return *c, true
		}
	}
	return Condition{}, false
}

// Select describes a fetch from one entity.
//
// The executor applies Filter (nil = all rows), then OrderBy ("-field" for
// descending), projects Fields (empty = every field), drops duplicates when
// Distinct, and finally applies Offset and Limit (0 = unbounded).
type Select struct {
	From     string
	Filter   *Q
	OrderBy  []string
	Distinct bool
	Fields   []string
	Limit    int
	Offset   int
}

// Clone returns an independent copy of s.
func (s Select) Clone() Select {
	out := s
	out.Filter = s.Filter.Clone()
	out.OrderBy = cloneStrings(s.OrderBy)
	out.Fields = cloneStrings(s.Fields)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
