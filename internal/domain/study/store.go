package study

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// findRoot returns the study root for uid. Soft deleted studies are not
// found.
func findRoot(ctx context.Context, r graph.Reader, uid string) (*graph.Node, error) {
	root, err := graph.FindOne(ctx, r, rootLabel, graph.Props{graph.UIDProp: uid})
	if err != nil {
		return nil, fmt.Errorf("find study root: %w", err)
	}
	if root == nil || versioning.IsDeleted(root) {
		return nil, apperr.NotFound("study.find", "Study with UID '%s' doesn't exist", uid)
	}
	return root, nil
}

func currentValue(ctx context.Context, r graph.Reader, root *graph.Node) (*graph.Node, error) {
	e, err := graph.OutOne(ctx, r, root.ID, edgeLatestValue)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("study %s has no current value", root.UID())
	}
	return r.Node(ctx, e.To)
}

// valueAt returns the value node of a locked or released version, or the
// current value when version is empty. edge is nil for the current value
// unless it is locked.
func valueAt(ctx context.Context, r graph.Reader, root *graph.Node, version string) (value *graph.Node, edge *graph.Edge, err error) {
	versions, err := r.Out(ctx, root.ID, edgeHasVersion)
	if err != nil {
		return nil, nil, err
	}
	if version == "" {
		if value, err = currentValue(ctx, r, root); err != nil {
			return nil, nil, err
		}
		for _, e := range versions {
			if e.To == value.ID && Status(e.Props.String("status")) == StatusLocked {
				edge = e
			}
		}
		return value, edge, nil
	}
	for _, e := range versions {
		if e.Props.String("version") == version {
			value, err = r.Node(ctx, e.To)
			return value, e, err
		}
	}
	return nil, nil, apperr.NotFound("study.version", "Study with UID '%s' has no version '%s'", root.UID(), version)
}

func snapshotOf(e *graph.Edge) Snapshot {
	s := Snapshot{
		Status:            Status(e.Props.String("status")),
		Version:           e.Props.String("version"),
		AuthorID:          e.Props.String("author_id"),
		ChangeDescription: e.Props.String("change_description"),
	}
	if t := e.Props.Time("start_date"); t != nil {
		s.StartDate = *t
	}
	return s
}

// highestVersion returns the highest locked or released version, 0.0 when
// the study was never frozen.
func highestVersion(edges []*graph.Edge) versioning.Version {
	var top versioning.Version
	for _, e := range edges {
		v, err := versioning.ParseVersion(e.Props.String("version"))
		if err == nil && top.Less(v) {
			top = v
		}
	}
	return top
}

// copyValue creates a new value node with the props of src and an edge to
// every selection src has, keeping their order.
func copyValue(ctx context.Context, tx graph.Tx, src *graph.Node) (*graph.Node, error) {
	dst, err := tx.CreateNode(ctx, []string{valueLabel}, src.Props.Clone())
	if err != nil {
		return nil, fmt.Errorf("copy study value: %w", err)
	}
	for _, k := range Kinds {
		edges, err := tx.Out(ctx, src.ID, k.Edge)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if _, err := tx.CreateEdge(ctx, k.Edge, dst.ID, e.To, e.Props.Clone()); err != nil {
				return nil, fmt.Errorf("copy %s selection: %w", k.Name, err)
			}
		}
	}
	return dst, nil
}

// loadAll reads every selection of T linked from the value node, in order.
func loadAll[T any, P selectionPtr[T]](ctx context.Context, r graph.Reader, studyUID, valueID string) ([]P, error) {
	k := P(new(T)).Kind()
	edges, err := r.Out(ctx, valueID, k.Edge)
	if err != nil {
		return nil, err
	}
	out := make([]P, 0, len(edges))
	for _, e := range edges {
		n, err := r.Node(ctx, e.To)
		if err != nil {
			return nil, err
		}
		p := P(new(T))
		fill(p, studyUID, n, e)
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].base().Order < out[j].base().Order })
	return out, nil
}

func findIn[T any, P selectionPtr[T]](ctx context.Context, r graph.Reader, studyUID, valueID, uid string) (P, error) {
	all, err := loadAll[T, P](ctx, r, studyUID, valueID)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.base().UID == uid {
			return p, nil
		}
	}
	return nil, apperr.NotFound("study.selection", "%s with UID '%s' doesn't exist in study '%s'", P(new(T)).Kind().Name, uid, studyUID)
}

func fill(sel Selection, studyUID string, n *graph.Node, e *graph.Edge) {
	b := sel.base()
	b.UID = n.UID()
	b.StudyUID = studyUID
	b.Order = e.Props.Int("order")
	b.AuthorID = n.Props.String("author_id")
	b.AuthorUsername = b.AuthorID
	if t := n.Props.Time("start_date"); t != nil {
		b.StartDate = *t
	}
	b.nodeID, b.edgeID = n.ID, e.ID
	sel.load(n.Props)
}

// clone returns an independent copy of sel, slices included.
func clone[T any, P selectionPtr[T]](sel P) P {
	cp := P(new(T))
	cp.load(sel.props())
	*cp.base() = *sel.base()
	return cp
}

// studyTx is a write against the current draft value of one study. The
// study root is locked for the whole transaction.
type studyTx struct {
	ctx    context.Context
	tx     graph.Tx
	svc    *Service
	root   *graph.Node
	value  *graph.Node
	author string
	now    time.Time
}

func (st *studyTx) uid() string { return st.root.UID() }

func (st *studyTx) edges(k Kind) ([]*graph.Edge, error) {
	return st.tx.Out(st.ctx, st.value.ID, k.Edge)
}

// nodes returns the selection nodes of kind k in the current value.
func (st *studyTx) nodes(k Kind) ([]*graph.Node, error) {
	edges, err := st.edges(k)
	if err != nil {
		return nil, err
	}
	return graph.Targets(st.ctx, st.tx, edges)
}

func (st *studyTx) has(k Kind, uid string) (bool, error) {
	nodes, err := st.nodes(k)
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		if n.UID() == uid {
			return true, nil
		}
	}
	return false, nil
}

// require fails with BusinessLogic unless a selection of kind k with uid
// exists in the study.
func (st *studyTx) require(op string, k Kind, uid string) error {
	ok, err := st.has(k, uid)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.BusinessLogic(op, "%s with UID '%s' doesn't exist in study '%s'", k.Name, uid, st.uid())
	}
	return nil
}

// unique fails with AlreadyExists when another selection of kind k has the
// same value for prop, compared case-insensitively. Empty values are not
// checked.
func (st *studyTx) unique(op string, k Kind, self, prop, value string) error {
	if value == "" {
		return nil
	}
	nodes, err := st.nodes(k)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.UID() != self && strings.EqualFold(n.Props.String(prop), value) {
			return apperr.AlreadyExists(op, "Value '%s' in field %s is not unique for the study", value, prop)
		}
	}
	return nil
}

func (st *studyTx) writeNode(sel Selection) (*graph.Node, error) {
	b := sel.base()
	props := sel.props()
	props[graph.UIDProp] = b.UID
	props["author_id"] = b.AuthorID
	props["start_date"] = b.StartDate
	n, err := st.tx.CreateNode(st.ctx, []string{sel.Kind().Name, selectionLabel}, props)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", sel.Kind().Name, err)
	}
	return n, nil
}

func (st *studyTx) record(typ versioning.ActionType, beforeID, afterID string) error {
	_, err := versioning.RecordAction(st.ctx, st.tx, st.root.ID, typ, beforeID, afterID, st.author, st.now)
	return err
}

// create validates sel and inserts it at its order, or last when the order
// is zero.
func (st *studyTx) create(sel Selection) error {
	k := sel.Kind()
	op := "study.create_" + k.Name
	if err := sel.check(st, nil); err != nil {
		return err
	}
	edges, err := st.edges(k)
	if err != nil {
		return err
	}
	b := sel.base()
	n := int64(len(edges))
	switch {
	case b.Order == 0:
		b.Order = n + 1
	case b.Order < 1 || b.Order > n+1:
		return apperr.Validation(op, "order must be between 1 and %d", n+1)
	}
	for _, e := range edges {
		if o := e.Props.Int("order"); o >= b.Order {
			if err := st.tx.SetEdgeProps(st.ctx, e.ID, graph.Props{"order": o + 1}); err != nil {
				return err
			}
		}
	}

	if b.UID, err = versioning.NextUID(st.ctx, st.tx, k.Name); err != nil {
		return err
	}
	b.StudyUID = st.uid()
	b.AuthorID, b.AuthorUsername, b.StartDate = st.author, st.author, st.now
	node, err := st.writeNode(sel)
	if err != nil {
		return err
	}
	edge, err := st.tx.CreateEdge(st.ctx, k.Edge, st.value.ID, node.ID, graph.Props{"order": b.Order})
	if err != nil {
		return fmt.Errorf("link %s: %w", k.Name, err)
	}
	b.nodeID, b.edgeID = node.ID, edge.ID
	return st.record(versioning.ActionCreate, "", node.ID)
}

// edit replaces old by sel. An edit that changes nothing but the order
// moves the selection without writing a new node.
func (st *studyTx) edit(old, sel Selection) error {
	k := sel.Kind()
	ob, b := old.base(), sel.base()
	b.UID, b.StudyUID, b.nodeID, b.edgeID = ob.UID, ob.StudyUID, ob.nodeID, ob.edgeID
	if err := sel.check(st, old); err != nil {
		return err
	}
	if b.Order != ob.Order {
		if err := st.move(k, ob.edgeID, ob.Order, b.Order); err != nil {
			return err
		}
	}
	if sel.props().Equal(old.props()) {
		b.AuthorID, b.AuthorUsername, b.StartDate = ob.AuthorID, ob.AuthorUsername, ob.StartDate
		return nil
	}

	b.AuthorID, b.AuthorUsername, b.StartDate = st.author, st.author, st.now
	node, err := st.writeNode(sel)
	if err != nil {
		return err
	}
	if err := st.tx.DeleteEdge(st.ctx, ob.edgeID); err != nil {
		return err
	}
	edge, err := st.tx.CreateEdge(st.ctx, k.Edge, st.value.ID, node.ID, graph.Props{"order": b.Order})
	if err != nil {
		return fmt.Errorf("link %s: %w", k.Name, err)
	}
	b.nodeID, b.edgeID = node.ID, edge.ID
	return st.record(versioning.ActionEdit, ob.nodeID, node.ID)
}

// move changes the order of one edge and shifts the ones in between.
func (st *studyTx) move(k Kind, edgeID string, from, to int64) error {
	edges, err := st.edges(k)
	if err != nil {
		return err
	}
	if to < 1 || to > int64(len(edges)) {
		return apperr.Validation("study.reorder_"+k.Name, "order must be between 1 and %d", len(edges))
	}
	for _, e := range edges {
		o := e.Props.Int("order")
		next := o
		switch {
		case e.ID == edgeID:
			next = to
		case from < to && o > from && o <= to:
			next = o - 1
		case to < from && o >= to && o < from:
			next = o + 1
		}
		if next != o {
			if err := st.tx.SetEdgeProps(st.ctx, e.ID, graph.Props{"order": next}); err != nil {
				return err
			}
		}
	}
	return nil
}

// remover is implemented by selections that guard or cascade removal.
type remover interface {
	onRemove(st *studyTx) error
}

// remove unlinks sel from the study and closes the gap in the order.
func (st *studyTx) remove(sel Selection) error {
	if r, ok := sel.(remover); ok {
		if err := r.onRemove(st); err != nil {
			return err
		}
	}
	b := sel.base()
	edges, err := st.edges(sel.Kind())
	if err != nil {
		return err
	}
	// Cascades may have shifted the order since sel was loaded.
	order := b.Order
	for _, e := range edges {
		if e.ID == b.edgeID {
			order = e.Props.Int("order")
		}
	}
	if err := st.tx.DeleteEdge(st.ctx, b.edgeID); err != nil {
		return fmt.Errorf("unlink %s: %w", sel.Kind().Name, err)
	}
	for _, e := range edges {
		if o := e.Props.Int("order"); e.ID != b.edgeID && o > order {
			if err := st.tx.SetEdgeProps(st.ctx, e.ID, graph.Props{"order": o - 1}); err != nil {
				return err
			}
		}
	}
	return st.record(versioning.ActionDelete, b.nodeID, "")
}

// checkOrder verifies the orders of kind k are exactly 1..n.
func (st *studyTx) checkOrder(k Kind) error {
	edges, err := st.edges(k)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool, len(edges))
	for _, e := range edges {
		o := e.Props.Int("order")
		if o < 1 || o > int64(len(edges)) || seen[o] {
			return apperr.BusinessLogic("study.order", "%s order %d is duplicated or out of range", k.Name, o)
		}
		seen[o] = true
	}
	return nil
}
