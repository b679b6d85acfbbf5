package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Writers are serialized and work on a
// private copy of the state that replaces the committed state on success;
// readers see the last committed state and never block writers.
type MemoryStore struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   *memState
	hooks   []CommitHook
	newID   func() string
}

type memNode struct {
	node Node
	seq  int64
}

type memState struct {
	seq      int64
	nodes    map[string]*memNode
	edges    map[string]*Edge
	out      map[string][]string
	in       map[string][]string
	byLabel  map[string]map[string]struct{}
	counters map[string]int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			nodes:    make(map[string]*memNode),
			edges:    make(map[string]*Edge),
			out:      make(map[string][]string),
			in:       make(map[string][]string),
			byLabel:  make(map[string]map[string]struct{}),
			counters: make(map[string]int64),
		},
		newID: func() string { return uuid.NewString() },
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		seq:      s.seq,
		nodes:    make(map[string]*memNode, len(s.nodes)),
		edges:    make(map[string]*Edge, len(s.edges)),
		out:      make(map[string][]string, len(s.out)),
		in:       make(map[string][]string, len(s.in)),
		byLabel:  make(map[string]map[string]struct{}, len(s.byLabel)),
		counters: make(map[string]int64, len(s.counters)),
	}
	for id, n := range s.nodes {
		c.nodes[id] = &memNode{node: cloneNode(&n.node), seq: n.seq}
	}
	for id, e := range s.edges {
		ce := cloneEdge(e)
		c.edges[id] = &ce
	}
	for id, ids := range s.out {
		c.out[id] = append([]string(nil), ids...)
	}
	for id, ids := range s.in {
		c.in[id] = append([]string(nil), ids...)
	}
	for l, set := range s.byLabel {
		cs := make(map[string]struct{}, len(set))
		for id := range set {
			cs[id] = struct{}{}
		}
		c.byLabel[l] = cs
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	return c
}

func cloneNode(n *Node) Node {
	return Node{ID: n.ID, Labels: append([]string(nil), n.Labels...), Props: n.Props.Clone()}
}

func cloneEdge(e *Edge) Edge {
	return Edge{ID: e.ID, Type: e.Type, From: e.From, To: e.To, Props: e.Props.Clone()}
}

// Update runs fn in a write transaction.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	base := s.state
	s.mu.RUnlock()

	tx := &memTx{memReader: memReader{state: base.clone()}, newID: s.newID, touched: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = tx.state
	s.mu.Unlock()

	if len(tx.touched) > 0 {
		touched := make([]string, 0, len(tx.touched))
		for uid := range tx.touched {
			touched = append(touched, uid)
		}
		sort.Strings(touched)
		for _, h := range s.hooks {
			h(ctx, touched)
		}
	}
	return nil
}

// View runs fn against the last committed state.
func (s *MemoryStore) View(_ context.Context, fn func(r Reader) error) error {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	return fn(&memReader{state: st})
}

// OnCommit registers a hook. Not safe to call concurrently with Update.
func (s *MemoryStore) OnCommit(hook CommitHook) {
	s.hooks = append(s.hooks, hook)
}

func (s *MemoryStore) Close(context.Context) error { return nil }

type memReader struct {
	state *memState
}

func (r *memReader) Node(_ context.Context, id string) (*Node, error) {
	n, ok := r.state.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	c := cloneNode(&n.node)
	return &c, nil
}

func (r *memReader) FindNodes(_ context.Context, label string, match Props) ([]*Node, error) {
	var found []*memNode
	for id := range r.state.byLabel[label] {
		n := r.state.nodes[id]
		if matches(n.node.Props, match) {
			found = append(found, n)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	out := make([]*Node, len(found))
	for i, n := range found {
		c := cloneNode(&n.node)
		out[i] = &c
	}
	return out, nil
}

func matches(props, match Props) bool {
	for k, want := range match {
		got, ok := props[k]
		if !ok || !equalValue(got, want) {
			return false
		}
	}
	return true
}

func (r *memReader) Out(_ context.Context, from, edgeType string) ([]*Edge, error) {
	return r.edgesOf(r.state.out[from], edgeType), nil
}

func (r *memReader) In(_ context.Context, to, edgeType string) ([]*Edge, error) {
	return r.edgesOf(r.state.in[to], edgeType), nil
}

func (r *memReader) edgesOf(ids []string, edgeType string) []*Edge {
	var out []*Edge
	for _, id := range ids {
		e := r.state.edges[id]
		if edgeType != "" && e.Type != edgeType {
			continue
		}
		c := cloneEdge(e)
		out = append(out, &c)
	}
	return out
}

type memTx struct {
	memReader
	newID   func() string
	touched map[string]struct{}
}

func (t *memTx) touch(nodeID string) {
	if n, ok := t.state.nodes[nodeID]; ok {
		if uid := n.node.Props.String(UIDProp); uid != "" {
			t.touched[uid] = struct{}{}
		}
	}
}

func (t *memTx) CreateNode(_ context.Context, labels []string, props Props) (*Node, error) {
	for _, l := range labels {
		if !ValidIdent(l) {
			return nil, fmt.Errorf("invalid label %q", l)
		}
	}
	t.state.seq++
	n := &memNode{
		node: Node{ID: t.newID(), Labels: append([]string(nil), labels...), Props: dropNil(props.Clone())},
		seq:  t.state.seq,
	}
	t.state.nodes[n.node.ID] = n
	for _, l := range labels {
		set, ok := t.state.byLabel[l]
		if !ok {
			set = make(map[string]struct{})
			t.state.byLabel[l] = set
		}
		set[n.node.ID] = struct{}{}
	}
	t.touch(n.node.ID)
	c := cloneNode(&n.node)
	return &c, nil
}

func dropNil(p Props) Props {
	for k, v := range p {
		if v == nil {
			delete(p, k)
		}
	}
	return p
}

func (t *memTx) SetProps(_ context.Context, id string, props Props) error {
	n, ok := t.state.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	t.touch(id)
	mergeProps(n.node.Props, props)
	t.touch(id)
	return nil
}

func mergeProps(dst, src Props) {
	for k, v := range src.Clone() {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
}

func (t *memTx) DeleteNode(ctx context.Context, id string) error {
	n, ok := t.state.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	for _, eid := range append(append([]string(nil), t.state.out[id]...), t.state.in[id]...) {
		if _, ok := t.state.edges[eid]; ok {
			if err := t.DeleteEdge(ctx, eid); err != nil {
				return err
			}
		}
	}
	t.touch(id)
	for _, l := range n.node.Labels {
		delete(t.state.byLabel[l], id)
	}
	delete(t.state.nodes, id)
	delete(t.state.out, id)
	delete(t.state.in, id)
	return nil
}

func (t *memTx) CreateEdge(_ context.Context, edgeType, from, to string, props Props) (*Edge, error) {
	if !ValidIdent(edgeType) {
		return nil, fmt.Errorf("invalid edge type %q", edgeType)
	}
	if _, ok := t.state.nodes[from]; !ok {
		return nil, fmt.Errorf("node %s: %w", from, ErrNotFound)
	}
	if _, ok := t.state.nodes[to]; !ok {
		return nil, fmt.Errorf("node %s: %w", to, ErrNotFound)
	}
	e := &Edge{ID: t.newID(), Type: edgeType, From: from, To: to, Props: dropNil(props.Clone())}
	t.state.edges[e.ID] = e
	t.state.out[from] = append(t.state.out[from], e.ID)
	t.state.in[to] = append(t.state.in[to], e.ID)
	t.touch(from)
	t.touch(to)
	c := cloneEdge(e)
	return &c, nil
}

func (t *memTx) SetEdgeProps(_ context.Context, id string, props Props) error {
	e, ok := t.state.edges[id]
	if !ok {
		return fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	mergeProps(e.Props, props)
	t.touch(e.From)
	t.touch(e.To)
	return nil
}

func (t *memTx) DeleteEdge(_ context.Context, id string) error {
	e, ok := t.state.edges[id]
	if !ok {
		return fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	t.touch(e.From)
	t.touch(e.To)
	t.state.out[e.From] = without(t.state.out[e.From], id)
	t.state.in[e.To] = without(t.state.in[e.To], id)
	delete(t.state.edges, id)
	return nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// Lock only checks existence: writers are already serialized.
func (t *memTx) Lock(_ context.Context, id string) error {
	if _, ok := t.state.nodes[id]; !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *memTx) NextCounter(_ context.Context, name string) (int64, error) {
	t.state.counters[name]++
	return t.state.counters[name], nil
}
