package queryir

import (
	"fmt"

	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/tree"
)

// ValidationResult reports whether a filter is ready to hand to an
// executor.
type ValidationResult struct {
	// Valid is true when Problems is empty.
	Valid bool

	// Problems lists every issue found, in tree order.
	Problems []string
}

// Err returns the problems as a *ValidationError, or nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Problems: r.Problems}
}

// ValidationError is returned by callers that refuse to execute an invalid
// filter.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid filter: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid filter: %s (and %d more)", e.Problems[0], len(e.Problems)-1)
}

// Validate checks that a filter is well formed.
//
// Rules:
//  1. Every StartSubtree has a matching EndSubtree, at every level
//  2. Leaves are Conditions with a field and a known lookup
//  3. "in" takes a non-empty array
//  4. "isnull" takes a bool
//  5. Null operands are only meaningful for "exact" (IS NULL)
//
// A nil filter is valid and means "no filtering". Validate is a pure
// function with no side effects.
func Validate(q *Q) ValidationResult {
	v := &validator{
		problems: []string{},
	}
	if q != nil {
		q.Walk(v.visit)
	}

	return ValidationResult{
		Valid:    len(v.problems) == 0,
		Problems: v.problems,
	}
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) visit(node *tree.Node, leaf any) bool {
	if node != nil {
		if !node.Balanced() {
			v.addProblem("%d open subtree(s) - call EndSubtree before executing", node.Depth())
		}
		return true
	}

	switch c := leaf.(type) {
	case Condition:
		v.validateCondition(c)
	case *Condition:
		if c == nil {
			v.addProblem("nil condition")
			return true
		}
		v.validateCondition(*c)
	default:
		v.addProblem("unknown predicate type: %T", leaf)
	}
	return true
}

func (v *validator) validateCondition(c Condition) {
	if c.Field == "" {
		v.addProblem("condition with empty field")
		return
	}
	if !c.Lookup.Known() {
		v.addProblem("field '%s': unknown lookup %q", c.Field, c.Lookup)
		return
	}

	switch c.Lookup {
	case In:
		arr, ok := c.Value.(ir.IRArray)
		if !ok {
			v.addProblem("field '%s': in lookup requires an array, got %T", c.Field, c.Value)
			return
		}
		if len(arr) == 0 {
			v.addProblem("field '%s': in lookup with empty array", c.Field)
		}
	case IsNull:
		if _, ok := c.Value.(ir.IRBool); !ok {
			v.addProblem("field '%s': isnull lookup requires a bool, got %T", c.Field, c.Value)
		}
	case Exact:
		// exact=null is IS NULL
	default:
		if ir.IsNull(c.Value) {
			v.addProblem("field '%s' compared to null with %s - use isnull", c.Field, c.Lookup)
		}
	}
}
