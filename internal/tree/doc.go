// Package tree provides a mutable connector-labelled tree used to build
// composable filter expressions.
//
// A Node is an internal vertex: a connector (AND, OR or the node's default)
// joining an ordered list of children. Children are either leaf values or
// nested *Node values. Trees are built incrementally:
//
//	n := tree.New(tree.Default)
//	n.Add(a, tree.AND)
//	n.Add(b, tree.AND)   // (AND: a, b)
//	n.Add(c, tree.OR)    // (OR: (AND: a, b), c)
//
// Scoped construction groups a run of additions into one child:
//
//	n.StartSubtree(tree.AND)
//	n.Add(d, tree.OR)
//	n.Add(e, tree.OR)
//	n.EndSubtree()       // (AND: <previous>, (OR: d, e))
//
// # Shape rules
//
// The flattening done by Add is a normalisation rule that consumers depend
// on, not an optimisation. A node whose connector matches the connector of
// the addition absorbs the children of an added *Node when that node has the
// same connector or exactly one child.
//
// Negate wraps; it never cancels. Two Negate calls produce two nested
// wrappers and it is up to callers to collapse them if they need to.
//
// # Concurrency
//
// Nodes are not safe for concurrent mutation. Build a tree on one goroutine,
// then hand it off read-only (or Clone it per consumer).
package tree
