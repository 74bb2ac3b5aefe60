package queryir

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/tree"
)

func TestParseLookup(t *testing.T) {
	tests := []struct {
		keyword string
		field   string
		lookup  Lookup
	}{
		{"name", "name", Exact},
		{"age__gte", "age", GTE},
		{"id__in", "id", In},
		{"author__name", "author__name", Exact},
		{"author__name__icontains", "author__name", IContains},
		{"__gt", "__gt", Exact},
	}

	for _, tt := range tests {
		t.Run(tt.keyword, func(t *testing.T) {
			field, lookup := ParseLookup(tt.keyword)
			assert.Equal(t, tt.field, field)
			assert.Equal(t, tt.lookup, lookup)
		})
	}
}

func TestNewCondition(t *testing.T) {
	c, err := NewCondition("qty__lt", 5)
	require.NoError(t, err)
	assert.Equal(t, Condition{Field: "qty", Lookup: LT, Value: ir.IRInt(5)}, c)

	_, err = NewCondition("price", 9.99)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filter price")
}

func TestCondition_String(t *testing.T) {
	assert.Equal(t, `name="bob"`, C("name", "bob").String())
	assert.Equal(t, "age__gte=21", C("age__gte", 21).String())
	assert.Equal(t, "parent=null", C("parent", nil).String())
}

func TestWhere_ANDsConditions(t *testing.T) {
	q := Where(C("a", 1), C("b", 2))
	assert.Equal(t, tree.AND, q.Connector)
	assert.Equal(t, 2, q.Len())
	assert.True(t, q.Contains(C("a", 1)))
}

func TestFromKeywords_SortedAndDeterministic(t *testing.T) {
	q, err := FromKeywords(map[string]any{"z": 1, "a__gt": 2, "m": "x"})
	require.NoError(t, err)
	assert.Equal(t, `(AND: a__gt=2, m="x", z=1)`, q.String())

	_, err = FromKeywords(map[string]any{"bad": 1.5})
	assert.Error(t, err)
}

func TestQ_CombineDoesNotMutateOperands(t *testing.T) {
	left := Where(C("a", 1), C("b", 2))
	right := Where(C("c", 3))
	leftBefore, rightBefore := left.String(), right.String()

	or := left.Or(right)
	and := left.And(right)
	not := left.Not()

	assert.Equal(t, leftBefore, left.String())
	assert.Equal(t, rightBefore, right.String())
	assert.Equal(t, `(AND: a=1, b=2, c=3)`, and.String())
	assert.Equal(t, `(OR: (AND: a=1, b=2), c=3)`, or.String())
	assert.Equal(t, `(AND: (NOT (AND: a=1, b=2)))`, not.String())
}

func TestQ_CombineWithEmpty(t *testing.T) {
	q := Where(C("a", 1))
	empty := Where()

	assert.Equal(t, q.String(), q.And(empty).String())
	assert.Equal(t, q.String(), empty.Or(q).String())
	assert.Equal(t, q.String(), q.And(nil).String())
	assert.NotSame(t, q, q.And(empty))
}

func TestQ_CloneKeepsType(t *testing.T) {
	inner := Where(C("x__in", []int{1, 2}))
	outer := Where(C("a", 1))
	// Append inner as an opaque child so the copy hook has to run.
	outer.Node.Children = append(outer.Node.Children, inner)

	c := outer.Clone()
	copied, ok := c.Children[1].(*Q)
	require.True(t, ok, "clone must keep *Q children as *Q")
	assert.NotSame(t, inner, copied)

	copied.Add(C("y", 2), tree.AND)
	assert.Equal(t, 1, inner.Len())

	// Array operands are copied too.
	arr := copied.Children[0].(Condition).Value.(ir.IRArray)
	arr[0] = ir.IRInt(99)
	assert.Equal(t, ir.IRInt(1), inner.Children[0].(Condition).Value.(ir.IRArray)[0])
}

func TestQ_Conditions(t *testing.T) {
	q := Where(C("a", 1)).Or(Where(C("b", 2), C("c", 3)).Not())
	conds := q.Conditions()
	require.Len(t, conds, 3)
	assert.Equal(t, "a", conds[0].Field)
	assert.Equal(t, "c", conds[2].Field)

	var nilQ *Q
	assert.Empty(t, nilQ.Conditions())
}

func TestQ_ConditionsDereferencesPointerLeaves(t *testing.T) {
	c := C("author", "Austen")
	q := Where(C("year__gt", 1800))
	q.Add(&c, tree.AND)
	q.Add((*Condition)(nil), tree.AND)

	conds := q.Conditions()
	require.Len(t, conds, 2)
	assert.Equal(t, c, conds[1])
}

func TestSelect_CloneIsDeep(t *testing.T) {
	s := Select{
		From:    "shop.Order",
		Filter:  Where(C("status", "open")),
		OrderBy: []string{"-created"},
		Fields:  []string{"id"},
	}
	c := s.Clone()
	c.Filter.Add(C("total__gt", 10), tree.AND)
	c.OrderBy[0] = "id"
	c.Fields = append(c.Fields, "total")

	assert.Equal(t, 1, s.Filter.Len())
	assert.Equal(t, []string{"-created"}, s.OrderBy)
	assert.Equal(t, []string{"id"}, s.Fields)
}

func TestRendering_Golden(t *testing.T) {
	scoped := Where(C("kind", "book"))
	scoped.StartSubtree(tree.AND)
	scoped.Add(C("price__lt", 10), tree.OR)
	scoped.Add(C("on_sale", true), tree.OR)
	require.NoError(t, scoped.EndSubtree())

	cases := map[string]*Q{
		"and_not": Where(C("age__gte", 18)).And(Where(C("name__startswith", "A")).Not()),
		"or_of_ands": Where(C("status", "active"), C("qty__gt", 0)).
			Or(Where(C("id__in", []int{1, 2, 3}))),
		"scoped_subtree": scoped,
		"double_not":     Where(C("deleted", true)).Not().Not(),
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			g.Assert(t, name, []byte(q.String()+"\n"))
		})
	}
}
