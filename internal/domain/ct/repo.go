package ct

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/cache"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/metrics"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// Repos holds the part repositories and the membership and parent edges
// that hang off the outer roots.
type Repos struct {
	store graph.Store

	CodelistNames      *libraryitem.Repository[*CodelistName]
	CodelistAttributes *libraryitem.Repository[*CodelistAttributes]
	TermNames          *libraryitem.Repository[*TermName]
	TermAttributes     *libraryitem.Repository[*TermAttributes]
}

func NewRepos(store graph.Store, c cache.Cache, m *metrics.Metrics, now func() time.Time) *Repos {
	return &Repos{
		store:              store,
		CodelistNames:      libraryitem.NewRepository(store, c, m, now, codelistNameMapper{}),
		CodelistAttributes: libraryitem.NewRepository(store, c, m, now, codelistAttributesMapper{}),
		TermNames:          libraryitem.NewRepository(store, c, m, now, termNameMapper{}),
		TermAttributes:     libraryitem.NewRepository(store, c, m, now, termAttributesMapper{}),
	}
}

// TermPart reads one part of a term inside tx. The result is nil when no
// version matches q.
func (r *Repos) TermPart(ctx context.Context, tx graph.Reader, p Part, uid string, q versioning.Query) (TermPart, error) {
	switch p {
	case PartName:
		n, err := r.TermNames.Get(ctx, tx, uid, q)
		if err != nil || n == nil {
			return nil, err
		}
		return n, nil
	case PartAttributes:
		a, err := r.TermAttributes.Get(ctx, tx, uid, q)
		if err != nil || a == nil {
			return nil, err
		}
		return a, nil
	}
	return nil, apperr.Validation("ct.term_part", "unknown term part %d", p)
}

// createOuter creates the outer root for uid and links the already saved
// Name and Attributes sub-roots to it.
func createOuter(ctx context.Context, tx graph.Tx, outer, name, attrs versioning.Kind, uid string, lib versioning.Library) (*graph.Node, error) {
	root, err := outer.CreateRoot(ctx, tx, uid, lib, nil)
	if err != nil {
		return nil, err
	}
	for _, sub := range []struct {
		kind versioning.Kind
		edge string
	}{{name, EdgeHasNameRoot}, {attrs, EdgeHasAttributesRoot}} {
		n, err := sub.kind.Root(ctx, tx, uid)
		if err != nil {
			return nil, err
		}
		if _, err := tx.CreateEdge(ctx, sub.edge, root.ID, n.ID, nil); err != nil {
			return nil, fmt.Errorf("link %s: %w", sub.kind.Name, err)
		}
	}
	return root, nil
}

// deleteOuter removes the outer root node with every edge attached to it.
func deleteOuter(ctx context.Context, tx graph.Tx, outer versioning.Kind, uid string) error {
	root, err := outer.Root(ctx, tx, uid)
	if err != nil {
		return err
	}
	return tx.DeleteNode(ctx, root.ID)
}

type membershipEdge struct {
	Membership
	edgeID string
}

func membershipFrom(codelistUID, termUID, submission string, e *graph.Edge) Membership {
	m := Membership{
		CodelistUID:     codelistUID,
		TermUID:         termUID,
		SubmissionValue: submission,
		EndDate:         e.Props.Time("end_date"),
		AuthorID:        e.Props.String("author_id"),
	}
	if t := e.Props.Time("start_date"); t != nil {
		m.StartDate = *t
	}
	if e.Props.Has("order") {
		o := e.Props.Int("order")
		m.Order = &o
	}
	return m
}

// memberships lists every HAS_TERM period of the codelist root, open or
// closed.
func memberships(ctx context.Context, r graph.Reader, codelist *graph.Node) ([]membershipEdge, error) {
	edges, err := r.Out(ctx, codelist.ID, EdgeHasTerm)
	if err != nil {
		return nil, err
	}
	out := make([]membershipEdge, 0, len(edges))
	for _, e := range edges {
		ct, err := r.Node(ctx, e.To)
		if err != nil {
			return nil, err
		}
		link, err := graph.OutOne(ctx, r, ct.ID, EdgeHasTermRoot)
		if err != nil {
			return nil, err
		}
		if link == nil {
			continue
		}
		term, err := r.Node(ctx, link.To)
		if err != nil {
			return nil, err
		}
		out = append(out, membershipEdge{
			Membership: membershipFrom(codelist.UID(), term.UID(), ct.Props.String("submission_value"), e),
			edgeID:     e.ID,
		})
	}
	return out, nil
}

func sortMemberships(ms []Membership) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		switch {
		case a.Order != nil && b.Order != nil && *a.Order != *b.Order:
			return *a.Order < *b.Order
		case (a.Order == nil) != (b.Order == nil):
			return a.Order != nil
		}
		return a.SubmissionValue < b.SubmissionValue
	})
}

// latestName is the name on the latest version of a term, "" if unknown.
func latestName(ctx context.Context, r graph.Reader, termUID string, q versioning.Query) (string, error) {
	snap, err := TermNameKind.ValueAt(ctx, r, termUID, q)
	if err != nil || snap == nil {
		return "", err
	}
	return snap.Value.Props.String("name"), nil
}

// codelistFinal reports whether the latest attributes version of the
// codelist is Final.
func codelistFinal(ctx context.Context, r graph.Reader, codelistUID string) (bool, error) {
	snap, err := CodelistAttributesKind.ValueAt(ctx, r, codelistUID, versioning.Query{})
	if err != nil || snap == nil {
		return false, err
	}
	return snap.Rel.Status == versioning.Final, nil
}

// AddTerm opens a membership of the term in the codelist.
func (r *Repos) AddTerm(ctx context.Context, tx graph.Tx, codelistUID, termUID, author string, order *int64, submission string, now time.Time) error {
	const op = "ct.add_term"
	codelist, err := CodelistRootKind.LookupRoot(ctx, tx, codelistUID)
	if err != nil {
		return err
	}
	if codelist == nil {
		return apperr.Validation(op, "Codelist with UID '%s' doesn't exist.", codelistUID)
	}
	term, err := TermRootKind.LookupRoot(ctx, tx, termUID)
	if err != nil {
		return err
	}
	if term == nil {
		return apperr.Validation(op, "Term with UID '%s' doesn't exist.", termUID)
	}
	if err := tx.Lock(ctx, codelist.ID); err != nil {
		return err
	}
	name, err := latestName(ctx, tx, termUID, versioning.Query{})
	if err != nil {
		return err
	}

	existing, err := memberships(ctx, tx, codelist)
	if err != nil {
		return err
	}
	for _, m := range existing {
		if m.EndDate != nil {
			continue
		}
		if m.TermUID == termUID {
			return apperr.AlreadyExists(op, "Codelist with UID '%s' already has a Term with UID '%s'.", codelistUID, termUID)
		}
		if m.SubmissionValue == submission {
			return apperr.AlreadyExists(op, "Codelist with UID '%s' already has a Term with submission value '%s'.", codelistUID, submission)
		}
		other, err := latestName(ctx, tx, m.TermUID, versioning.Query{})
		if err != nil {
			return err
		}
		if name != "" && other == name {
			return apperr.AlreadyExists(op, "Codelist with UID '%s' already has a Term with name '%s'.", codelistUID, name)
		}
	}

	final, err := codelistFinal(ctx, tx, codelistUID)
	if err != nil {
		return err
	}
	if !final {
		return apperr.BusinessLogic(op, "Term with UID '%s' cannot be added to Codelist with UID '%s' as the codelist is in a draft state.", termUID, codelistUID)
	}

	ctNode, err := codelistTermNode(ctx, tx, term, submission)
	if err != nil {
		return err
	}
	props := graph.Props{"start_date": now, "author_id": author}
	if order != nil {
		props["order"] = *order
	}
	if _, err := tx.CreateEdge(ctx, EdgeHasTerm, codelist.ID, ctNode.ID, props); err != nil {
		return fmt.Errorf("add term: %w", err)
	}
	return nil
}

// codelistTermNode returns the CTCodelistTerm node joining term with the
// given submission value, creating it on first use.
func codelistTermNode(ctx context.Context, tx graph.Tx, term *graph.Node, submission string) (*graph.Node, error) {
	links, err := tx.In(ctx, term.ID, EdgeHasTermRoot)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		n, err := tx.Node(ctx, l.From)
		if err != nil {
			return nil, err
		}
		if n.Props.String("submission_value") == submission {
			return n, nil
		}
	}
	n, err := tx.CreateNode(ctx, []string{CodelistTermLabel}, graph.Props{"submission_value": submission})
	if err != nil {
		return nil, fmt.Errorf("create codelist term: %w", err)
	}
	if _, err := tx.CreateEdge(ctx, EdgeHasTermRoot, n.ID, term.ID, nil); err != nil {
		return nil, fmt.Errorf("link codelist term: %w", err)
	}
	return n, nil
}

// RemoveTerm closes the open membership of the term in the codelist.
func (r *Repos) RemoveTerm(ctx context.Context, tx graph.Tx, codelistUID, termUID, author string, now time.Time) error {
	const op = "ct.remove_term"
	codelist, err := CodelistRootKind.LookupRoot(ctx, tx, codelistUID)
	if err != nil {
		return err
	}
	if codelist == nil {
		return apperr.Validation(op, "Codelist with UID '%s' doesn't exist.", codelistUID)
	}
	if err := tx.Lock(ctx, codelist.ID); err != nil {
		return err
	}
	term, err := TermRootKind.LookupRoot(ctx, tx, termUID)
	if err != nil {
		return err
	}
	if term == nil {
		return apperr.Validation(op, "Term with UID '%s' doesn't exist.", termUID)
	}
	existing, err := memberships(ctx, tx, codelist)
	if err != nil {
		return err
	}
	for _, m := range existing {
		if m.EndDate != nil || m.TermUID != termUID {
			continue
		}
		final, err := codelistFinal(ctx, tx, codelistUID)
		if err != nil {
			return err
		}
		if !final {
			return apperr.BusinessLogic(op, "Term with UID '%s' cannot be removed from Codelist with UID '%s' as the codelist is in a draft state.", termUID, codelistUID)
		}
		return tx.SetEdgeProps(ctx, m.edgeID, graph.Props{"end_date": now, "author_id": author})
	}
	return apperr.NotFound(op, "Codelist with UID '%s' doesn't have a Term with UID '%s'.", codelistUID, termUID)
}

// TermsAt returns the memberships of the codelist in force at t, or the
// open ones when t is nil, ordered by order then submission value.
func (r *Repos) TermsAt(ctx context.Context, codelistUID string, t *time.Time) ([]Membership, error) {
	var out []Membership
	err := r.store.View(ctx, func(tx graph.Reader) error {
		codelist, err := CodelistRootKind.Root(ctx, tx, codelistUID)
		if err != nil {
			return err
		}
		all, err := memberships(ctx, tx, codelist)
		if err != nil {
			return err
		}
		q := versioning.Query{AtDate: t}
		for _, m := range all {
			if (t == nil && m.EndDate != nil) || (t != nil && !m.InForceAt(*t)) {
				continue
			}
			if m.Name, err = latestName(ctx, tx, m.TermUID, q); err != nil {
				return err
			}
			out = append(out, m.Membership)
		}
		return nil
	})
	sortMemberships(out)
	return out, err
}

// CodelistsOf returns every membership period of a term, newest first.
func (r *Repos) CodelistsOf(ctx context.Context, termUID string) ([]Membership, error) {
	var out []Membership
	err := r.store.View(ctx, func(tx graph.Reader) error {
		term, err := TermRootKind.Root(ctx, tx, termUID)
		if err != nil {
			return err
		}
		links, err := tx.In(ctx, term.ID, EdgeHasTermRoot)
		if err != nil {
			return err
		}
		for _, l := range links {
			ct, err := tx.Node(ctx, l.From)
			if err != nil {
				return err
			}
			in, err := tx.In(ctx, ct.ID, EdgeHasTerm)
			if err != nil {
				return err
			}
			for _, e := range in {
				codelist, err := tx.Node(ctx, e.From)
				if err != nil {
					return err
				}
				out = append(out, membershipFrom(codelist.UID(), termUID, ct.Props.String("submission_value"), e))
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	return out, err
}

// FindTermUIDBySubmissionValue returns the term with an open membership
// under value in the codelist, or "".
func (r *Repos) FindTermUIDBySubmissionValue(ctx context.Context, codelistUID, value string) (string, error) {
	var uid string
	err := r.store.View(ctx, func(tx graph.Reader) error {
		codelist, err := CodelistRootKind.Root(ctx, tx, codelistUID)
		if err != nil {
			return err
		}
		all, err := memberships(ctx, tx, codelist)
		if err != nil {
			return err
		}
		for _, m := range all {
			if m.EndDate == nil && m.SubmissionValue == value {
				uid = m.TermUID
				return nil
			}
		}
		return nil
	})
	return uid, err
}

// AddParent links the term to parent with the edge for typ.
func (r *Repos) AddParent(ctx context.Context, tx graph.Tx, termUID, parentUID string, typ ParentType) error {
	const op = "ct.add_parent"
	edgeType, ok := parentEdges[typ]
	if !ok {
		return apperr.Validation(op, "Invalid relationship type '%s'", typ)
	}
	term, err := TermRootKind.Root(ctx, tx, termUID)
	if err != nil {
		return err
	}
	if err := tx.Lock(ctx, term.ID); err != nil {
		return err
	}
	existing, err := graph.OutOne(ctx, tx, term.ID, edgeType)
	if err != nil {
		return err
	}
	if existing != nil {
		current, err := tx.Node(ctx, existing.To)
		if err != nil {
			return err
		}
		return apperr.AlreadyExists(op, "Term with UID '%s' already has a parent type node with UID '%s' with the relationship of type '%s'", termUID, current.UID(), typ)
	}
	parent, err := TermRootKind.Root(ctx, tx, parentUID)
	if err != nil {
		return err
	}
	if _, err := tx.CreateEdge(ctx, edgeType, term.ID, parent.ID, nil); err != nil {
		return fmt.Errorf("add parent: %w", err)
	}
	return nil
}

// RemoveParent drops the typ link from the term to parent.
func (r *Repos) RemoveParent(ctx context.Context, tx graph.Tx, termUID, parentUID string, typ ParentType) error {
	const op = "ct.remove_parent"
	edgeType, ok := parentEdges[typ]
	if !ok {
		return apperr.Validation(op, "Invalid relationship type '%s'", typ)
	}
	term, err := TermRootKind.Root(ctx, tx, termUID)
	if err != nil {
		return err
	}
	if err := tx.Lock(ctx, term.ID); err != nil {
		return err
	}
	edges, err := tx.Out(ctx, term.ID, edgeType)
	if err != nil {
		return err
	}
	for _, e := range edges {
		parent, err := tx.Node(ctx, e.To)
		if err != nil {
			return err
		}
		if parent.UID() == parentUID {
			return tx.DeleteEdge(ctx, e.ID)
		}
	}
	return apperr.NotFound(op, "Term with UID '%s' has no defined parent type node with UID '%s' with the relationship of type '%s'", termUID, parentUID, typ)
}

// Parents lists the parent links of a term.
func (r *Repos) Parents(ctx context.Context, tx graph.Reader, termUID string) ([]Parent, error) {
	term, err := TermRootKind.Root(ctx, tx, termUID)
	if err != nil {
		return nil, err
	}
	var out []Parent
	for _, typ := range []ParentType{ParentTypeType, ParentTypeSubtype, ParentTypePredecessor} {
		edges, err := tx.Out(ctx, term.ID, parentEdges[typ])
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			n, err := tx.Node(ctx, e.To)
			if err != nil {
				return nil, err
			}
			out = append(out, Parent{Type: typ, TermUID: n.UID()})
		}
	}
	return out, nil
}
