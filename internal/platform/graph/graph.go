// Package graph is a small property-graph abstraction: nodes and typed edges,
// both carrying properties, read and written inside transactions. Versioned
// entities, study selections and their audit trails are all stored through it.
//
// Two backends exist: an in-process copy-on-write store used by tests and
// single-node deployments, and a Neo4j store.
package graph

import (
	"context"
	"errors"
	"regexp"
	"slices"
)

// ErrNotFound is returned when a node or edge id does not exist.
var ErrNotFound = errors.New("graph: not found")

// Node is a labelled vertex. ID is a store-assigned opaque identifier.
type Node struct {
	ID     string
	Labels []string
	Props  Props
}

// HasLabel reports whether n carries label.
func (n *Node) HasLabel(label string) bool {
	return slices.Contains(n.Labels, label)
}

// UID returns the business identifier of n, if any.
func (n *Node) UID() string {
	return n.Props.String(UIDProp)
}

// Edge is a directed, typed relationship with its own properties.
type Edge struct {
	ID    string
	Type  string
	From  string
	To    string
	Props Props
}

// UIDProp is the property holding a node's business identifier. Nodes that
// carry it are reported to commit hooks whenever they or their edges change.
const UIDProp = "uid"

// Reader is the read side of a transaction.
type Reader interface {
	Node(ctx context.Context, id string) (*Node, error)
	// FindNodes returns nodes with label whose properties equal every entry of match.
	FindNodes(ctx context.Context, label string, match Props) ([]*Node, error)
	Out(ctx context.Context, from, edgeType string) ([]*Edge, error)
	In(ctx context.Context, to, edgeType string) ([]*Edge, error)
}

// Tx is a read-write transaction.
type Tx interface {
	Reader
	CreateNode(ctx context.Context, labels []string, props Props) (*Node, error)
	// SetProps merges props into the node; a nil value removes the key.
	SetProps(ctx context.Context, id string, props Props) error
	// DeleteNode removes the node and every edge attached to it.
	DeleteNode(ctx context.Context, id string) error
	CreateEdge(ctx context.Context, edgeType, from, to string, props Props) (*Edge, error)
	SetEdgeProps(ctx context.Context, id string, props Props) error
	DeleteEdge(ctx context.Context, id string) error
	// Lock takes a write lock on the node that is held until commit.
	Lock(ctx context.Context, id string) error
	// NextCounter atomically increments and returns the named counter.
	NextCounter(ctx context.Context, name string) (int64, error)
}

// CommitHook receives the business uids touched by a committed transaction.
type CommitHook func(ctx context.Context, touched []string)

// Store runs transactions.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(r Reader) error) error
	OnCommit(hook CommitHook)
	Close(ctx context.Context) error
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether s can be used as a label, edge type or property key.
func ValidIdent(s string) bool {
	return identRe.MatchString(s)
}

// OutOne returns the single edge of edgeType leaving from, or nil.
func OutOne(ctx context.Context, r Reader, from, edgeType string) (*Edge, error) {
	edges, err := r.Out(ctx, from, edgeType)
	if err != nil || len(edges) == 0 {
		return nil, err
	}
	return edges[0], nil
}

// FindOne returns the first node matching label and props, or nil.
func FindOne(ctx context.Context, r Reader, label string, match Props) (*Node, error) {
	nodes, err := r.FindNodes(ctx, label, match)
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	return nodes[0], nil
}

// Targets resolves the nodes at the end of the given edges.
func Targets(ctx context.Context, r Reader, edges []*Edge) ([]*Node, error) {
	out := make([]*Node, 0, len(edges))
	for _, e := range edges {
		n, err := r.Node(ctx, e.To)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
