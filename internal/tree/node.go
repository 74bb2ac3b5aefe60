package tree

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Connector labels how the children of a node combine.
type Connector string

const (
	// AND requires every child to hold.
	AND Connector = "AND"

	// OR requires at least one child to hold.
	OR Connector = "OR"

	// Default is the connector of a bare node. Specialised trees pick their
	// own default when calling New.
	Default Connector = "DEFAULT"
)

// ErrUnbalancedSubtree is matched by errors.Is for EndSubtree calls that
// have no open StartSubtree.
var ErrUnbalancedSubtree = errors.New("unbalanced subtree")

// UnbalancedSubtreeError is returned by EndSubtree when the subtree stack is
// empty. It is a protocol violation by the caller.
type UnbalancedSubtreeError struct {
	Connector Connector
	Children  int
}

func (e *UnbalancedSubtreeError) Error() string {
	return fmt.Sprintf("end subtree without matching start subtree (connector=%s, children=%d)",
		e.Connector, e.Children)
}

// Is reports ErrUnbalancedSubtree as equivalent.
func (e *UnbalancedSubtreeError) Is(target error) bool {
	return target == ErrUnbalancedSubtree
}

// Cloner is the copy hook for children that carry their own mutable state.
// Clone calls CloneChild instead of copying the value so specialised nodes
// keep their concrete type and extra fields.
type Cloner interface {
	CloneChild() any
}

// Node is a single internal vertex of the tree. Children are leaf values or
// *Node values.
type Node struct {
	Connector Connector
	Children  []any
	Negated   bool

	defaultConn    Connector
	subtreeParents []*Node
}

// New returns a node with the given default connector holding children.
// The children slice is copied.
func New(defaultConn Connector, children ...any) *Node {
	return NewWith(defaultConn, children, "", false)
}

// NewWith returns a node with an explicit connector and negation. An empty
// connector selects defaultConn.
func NewWith(defaultConn Connector, children []any, conn Connector, negated bool) *Node {
	if defaultConn == "" {
		defaultConn = Default
	}
	if conn == "" {
		conn = defaultConn
	}
	return &Node{
		Connector:   conn,
		Children:    copyChildren(children),
		Negated:     negated,
		defaultConn: defaultConn,
	}
}

// DefaultConnector returns the connector this node resets to on Negate and
// StartSubtree.
func (n *Node) DefaultConnector() Connector {
	if n.defaultConn == "" {
		return Default
	}
	return n.defaultConn
}

// Len is the number of direct children.
func (n *Node) Len() int {
	return len(n.Children)
}

// Truthy reports whether the node has any children.
func (n *Node) Truthy() bool {
	return len(n.Children) > 0
}

// IsEmpty reports whether the node has no children.
func (n *Node) IsEmpty() bool {
	return len(n.Children) == 0
}

// Contains reports whether other is a direct child. Nested nodes compare by
// identity, leaves by value.
func (n *Node) Contains(other any) bool {
	for _, child := range n.Children {
		if sameChild(child, other) {
			return true
		}
	}
	return false
}

// Depth is the number of subtrees opened with StartSubtree and not yet
// closed.
func (n *Node) Depth() int {
	return len(n.subtreeParents)
}

// Balanced reports whether every StartSubtree has been closed. Only a
// balanced tree is ready to be consumed.
func (n *Node) Balanced() bool {
	return len(n.subtreeParents) == 0
}

// Add inserts item under this node joined with connType.
//
// While the node has fewer than two children its connector is set to
// connType. When the connectors then agree, an added *Node whose connector
// equals connType or which holds exactly one child is flattened into this
// node; anything else is appended. When they differ, the current contents
// are pushed down one level and the node becomes (connType: pushed, item).
func (n *Node) Add(item any, connType Connector) {
	if len(n.Children) < 2 {
		n.Connector = connType
	}
	if n.Connector == connType {
		if child, ok := asNode(item); ok && (child.Connector == connType || child.Len() == 1) {
			n.Children = append(n.Children, child.Children...)
			return
		}
		n.Children = append(n.Children, item)
		return
	}
	pushed := n.wrap(n.Connector, n.Negated)
	n.Connector = connType
	n.Children = []any{pushed, item}
}

// Negate wraps the current children in a child node carrying the current
// connector and the complement of Negated. The node itself is left with the
// default connector, Negated false, and that single child.
func (n *Node) Negate() {
	n.Children = []any{n.wrap(n.Connector, !n.Negated)}
	n.Connector = n.DefaultConnector()
	n.Negated = false
}

// StartSubtree sets up the node so that subsequent additions land in a new
// subtree. connType is how that subtree joins the existing children once
// EndSubtree is called.
func (n *Node) StartSubtree(connType Connector) {
	if len(n.Children) == 1 {
		n.Connector = connType
	} else if n.Connector != connType {
		n.Children = []any{n.wrap(n.Connector, n.Negated)}
		n.Connector = connType
		n.Negated = false
	}

	n.subtreeParents = append(n.subtreeParents, n.wrap(n.Connector, n.Negated))
	n.Connector = n.DefaultConnector()
	n.Negated = false
	n.Children = nil
}

// EndSubtree closes the most recent StartSubtree. The children added since
// then become one child node appended to the restored parent state.
func (n *Node) EndSubtree() error {
	last := len(n.subtreeParents) - 1
	if last < 0 {
		return &UnbalancedSubtreeError{Connector: n.Connector, Children: len(n.Children)}
	}
	parent := n.subtreeParents[last]
	n.subtreeParents[last] = nil
	n.subtreeParents = n.subtreeParents[:last]

	sub := n.wrap(n.Connector, false)
	n.Connector = parent.Connector
	n.Negated = parent.Negated
	n.Children = append(parent.Children, sub)
	return nil
}

// Clone returns a deep copy. Nested nodes and the subtree stack are copied
// at every level; children implementing Cloner are copied through the hook.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		Connector:   n.Connector,
		Negated:     n.Negated,
		defaultConn: n.defaultConn,
	}
	if n.Children != nil {
		out.Children = make([]any, len(n.Children))
		for i, child := range n.Children {
			out.Children[i] = cloneChild(child)
		}
	}
	if len(n.subtreeParents) > 0 {
		out.subtreeParents = make([]*Node, len(n.subtreeParents))
		for i, p := range n.subtreeParents {
			out.subtreeParents[i] = p.Clone()
		}
	}
	return out
}

// CloneChild implements Cloner so a *Node nested inside another tree type is
// deep-copied by that tree's Clone.
func (n *Node) CloneChild() any {
	return n.Clone()
}

// Walk visits n and then every descendant in pre-order. Leaves are passed
// with a nil node; nested nodes with a nil leaf. Returning false from fn
// stops descent below the current node.
func (n *Node) Walk(fn func(node *Node, leaf any) bool) {
	if !fn(n, nil) {
		return
	}
	for _, child := range n.Children {
		if sub, ok := asNode(child); ok {
			sub.Walk(fn)
			continue
		}
		fn(nil, child)
	}
}

// String renders the tree as (CONN: child, child), wrapped in (NOT ...)
// when negated.
func (n *Node) String() string {
	parts := make([]string, len(n.Children))
	for i, child := range n.Children {
		parts[i] = fmt.Sprint(child)
	}
	body := fmt.Sprintf("(%s: %s)", n.Connector, strings.Join(parts, ", "))
	if n.Negated {
		return "(NOT " + body + ")"
	}
	return body
}

// wrap returns a plain node holding the current children.
func (n *Node) wrap(conn Connector, negated bool) *Node {
	return NewWith(n.DefaultConnector(), n.Children, conn, negated)
}

func copyChildren(children []any) []any {
	if len(children) == 0 {
		return nil
	}
	out := make([]any, len(children))
	copy(out, children)
	return out
}

// Embedder is implemented by tree types that embed a Node. Add and Walk
// treat them as nested nodes.
type Embedder interface {
	Tree() *Node
}

func asNode(v any) (*Node, bool) {
	switch n := v.(type) {
	case *Node:
		return n, n != nil
	case Embedder:
		t := n.Tree()
		return t, t != nil
	}
	return nil, false
}

func cloneChild(child any) any {
	if c, ok := child.(Cloner); ok {
		return c.CloneChild()
	}
	return child
}

func sameChild(a, b any) bool {
	an, aIsNode := a.(*Node)
	bn, bIsNode := b.(*Node)
	if aIsNode || bIsNode {
		return aIsNode && bIsNode && an == bn
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta != nil && ta.Kind() == reflect.Pointer {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
