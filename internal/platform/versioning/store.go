package versioning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/graph"
)

const (
	EdgeHasVersion      = "HAS_VERSION"
	EdgeLatest          = "LATEST"
	EdgeContainsConcept = "CONTAINS_CONCEPT"

	PropStatus            = "status"
	PropVersion           = "version"
	PropStartDate         = "start_date"
	PropEndDate           = "end_date"
	PropAuthorID          = "author_id"
	PropChangeDescription = "change_description"
	PropDeleted           = "deleted"
)

// LatestEdge returns the convenience edge type for a status, e.g. LATEST_FINAL.
func LatestEdge(s Status) string {
	switch s {
	case Draft:
		return "LATEST_DRAFT"
	case Final:
		return "LATEST_FINAL"
	case Retired:
		return "LATEST_RETIRED"
	}
	return EdgeLatest
}

// Relationship is one HAS_VERSION edge.
type Relationship struct {
	EdgeID            string
	RootID            string
	ValueID           string
	Status            Status
	Version           Version
	StartDate         time.Time
	EndDate           *time.Time
	AuthorID          string
	ChangeDescription string
}

// Open reports whether the edge has no end date.
func (r Relationship) Open() bool { return r.EndDate == nil }

// ActiveAt reports whether t lies in [start, end).
func (r Relationship) ActiveAt(t time.Time) bool {
	if r.StartDate.After(t) {
		return false
	}
	return r.EndDate == nil || r.EndDate.After(t)
}

func relationshipFromEdge(e *graph.Edge) Relationship {
	v, _ := ParseVersion(e.Props.String(PropVersion))
	rel := Relationship{
		EdgeID:            e.ID,
		RootID:            e.From,
		ValueID:           e.To,
		Status:            Status(e.Props.String(PropStatus)),
		Version:           v,
		EndDate:           e.Props.Time(PropEndDate),
		AuthorID:          e.Props.String(PropAuthorID),
		ChangeDescription: e.Props.String(PropChangeDescription),
	}
	if t := e.Props.Time(PropStartDate); t != nil {
		rel.StartDate = *t
	}
	return rel
}

// SortRelationships orders by (major, minor, end_date nulls last, start_date).
func SortRelationships(rels []Relationship) {
	sort.SliceStable(rels, func(i, j int) bool {
		a, b := rels[i], rels[j]
		if c := a.Version.Compare(b.Version); c != 0 {
			return c < 0
		}
		switch {
		case a.EndDate == nil && b.EndDate != nil:
			return false
		case a.EndDate != nil && b.EndDate == nil:
			return true
		case a.EndDate != nil && b.EndDate != nil && !a.EndDate.Equal(*b.EndDate):
			return a.EndDate.Before(*b.EndDate)
		}
		return a.StartDate.Before(b.StartDate)
	})
}

// Kind addresses one versioned entity type in the graph.
type Kind struct {
	// Name is the uid prefix and counter name, e.g. "ActivityGroup".
	Name       string
	RootLabel  string
	ValueLabel string
}

// Query selects a value. At most one field may be set; none means latest.
type Query struct {
	Version *Version
	Status  *Status
	AtDate  *time.Time
}

// Validate rejects queries that combine selectors.
func (q Query) Validate() error {
	n := 0
	if q.Version != nil {
		n++
	}
	if q.Status != nil {
		n++
	}
	if q.AtDate != nil {
		n++
	}
	if n > 1 {
		return apperr.Validation("versioning.query", "at most one of version, status and at_specific_date can be given")
	}
	return nil
}

// Snapshot is a resolved (root, value, relationship) triple.
type Snapshot struct {
	Root  *graph.Node
	Value *graph.Node
	Rel   Relationship
}

// Root returns the root node for uid or a NotFound error.
func (k Kind) Root(ctx context.Context, r graph.Reader, uid string) (*graph.Node, error) {
	n, err := graph.FindOne(ctx, r, k.RootLabel, graph.Props{graph.UIDProp: uid})
	if err != nil {
		return nil, fmt.Errorf("find %s root: %w", k.Name, err)
	}
	if n == nil {
		return nil, apperr.NotFound("versioning.root", "%s with UID '%s' doesn't exist", k.Name, uid)
	}
	return n, nil
}

// LookupRoot is Root without the NotFound error.
func (k Kind) LookupRoot(ctx context.Context, r graph.Reader, uid string) (*graph.Node, error) {
	n, err := k.Root(ctx, r, uid)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, nil
	}
	return n, err
}

// Relationships returns every HAS_VERSION edge of the root in version order.
func (k Kind) Relationships(ctx context.Context, r graph.Reader, rootID string) ([]Relationship, error) {
	edges, err := r.Out(ctx, rootID, EdgeHasVersion)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	rels := make([]Relationship, len(edges))
	for i, e := range edges {
		rels[i] = relationshipFromEdge(e)
	}
	SortRelationships(rels)
	return rels, nil
}

// Latest returns the open edge with the highest version, falling back to
// the highest version overall. Nil when the root has no versions.
func Latest(rels []Relationship) *Relationship {
	var best *Relationship
	for i := range rels {
		r := &rels[i]
		if best == nil {
			best = r
			continue
		}
		if best.Open() != r.Open() {
			if r.Open() {
				best = r
			}
			continue
		}
		if c := r.Version.Compare(best.Version); c > 0 || (c == 0 && !r.StartDate.Before(best.StartDate)) {
			best = r
		}
	}
	return best
}

// mostRecent picks the relationship with the latest start date.
func mostRecent(rels []Relationship, keep func(Relationship) bool) *Relationship {
	var best *Relationship
	for i := range rels {
		r := &rels[i]
		if !keep(*r) {
			continue
		}
		if best == nil || r.StartDate.After(best.StartDate) || (r.StartDate.Equal(best.StartDate) && r.Version.Compare(best.Version) > 0) {
			best = r
		}
	}
	return best
}

// ValueAt resolves the value selected by q. It returns NotFound when the
// root is missing and a nil snapshot when nothing matches q.
func (k Kind) ValueAt(ctx context.Context, r graph.Reader, uid string, q Query) (*Snapshot, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	root, err := k.Root(ctx, r, uid)
	if err != nil {
		return nil, err
	}
	return k.ValueOf(ctx, r, root, q)
}

// ValueOf is ValueAt for an already resolved root.
func (k Kind) ValueOf(ctx context.Context, r graph.Reader, root *graph.Node, q Query) (*Snapshot, error) {
	rels, err := k.Relationships(ctx, r, root.ID)
	if err != nil {
		return nil, err
	}

	var rel *Relationship
	switch {
	case q.Version != nil:
		want := *q.Version
		rel = mostRecent(rels, func(x Relationship) bool { return x.Version == want })
	case q.Status != nil:
		latest, err := graph.OutOne(ctx, r, root.ID, LatestEdge(*q.Status))
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, nil
		}
		status := *q.Status
		rel = mostRecent(rels, func(x Relationship) bool { return x.Status == status && x.ValueID == latest.To })
	case q.AtDate != nil:
		at := *q.AtDate
		for i := range rels {
			if !rels[i].ActiveAt(at) {
				continue
			}
			if rel == nil || rels[i].Version.Compare(rel.Version) >= 0 {
				rel = &rels[i]
			}
		}
	default:
		rel = Latest(rels)
	}
	if rel == nil {
		return nil, nil
	}

	value, err := r.Node(ctx, rel.ValueID)
	if err != nil {
		return nil, fmt.Errorf("load %s value: %w", k.Name, err)
	}
	return &Snapshot{Root: root, Value: value, Rel: *rel}, nil
}

// VersionsOfValue returns the relationships between root and one value node.
func VersionsOfValue(rels []Relationship, valueID string) []Relationship {
	var out []Relationship
	for _, r := range rels {
		if r.ValueID == valueID {
			out = append(out, r)
		}
	}
	return out
}

// MaxVersion returns the highest version among rels.
func MaxVersion(rels []Relationship) (Version, bool) {
	if len(rels) == 0 {
		return Version{}, false
	}
	best := rels[0].Version
	for _, r := range rels[1:] {
		if best.Less(r.Version) {
			best = r.Version
		}
	}
	return best, true
}

// CreateRoot creates the root node and attaches it to the library.
func (k Kind) CreateRoot(ctx context.Context, tx graph.Tx, uid string, lib Library, props graph.Props) (*graph.Node, error) {
	p := props.Clone()
	p[graph.UIDProp] = uid
	root, err := tx.CreateNode(ctx, []string{k.RootLabel}, p)
	if err != nil {
		return nil, fmt.Errorf("create %s root: %w", k.Name, err)
	}
	if lib.NodeID != "" {
		if _, err := tx.CreateEdge(ctx, EdgeContainsConcept, lib.NodeID, root.ID, nil); err != nil {
			return nil, fmt.Errorf("attach %s to library: %w", k.Name, err)
		}
	}
	return root, nil
}

// CreateValue creates a value node with the kind's value label.
func (k Kind) CreateValue(ctx context.Context, tx graph.Tx, props graph.Props) (*graph.Node, error) {
	n, err := tx.CreateNode(ctx, []string{k.ValueLabel}, props)
	if err != nil {
		return nil, fmt.Errorf("create %s value: %w", k.Name, err)
	}
	return n, nil
}

// Append describes a new version edge.
type Append struct {
	Status            Status
	Version           Version
	AuthorID          string
	ChangeDescription string
	Date              time.Time
	// ExpectOpen is the edge the caller loaded as current. When set and no
	// longer open, the append fails with a Conflict.
	ExpectOpen string
}

// AppendValue closes every open version edge of root and opens a new one to
// valueID, repointing LATEST and LATEST_<STATUS>. A Final append consumes
// the draft cycle and lifts any retirement, so LATEST_DRAFT and
// LATEST_RETIRED are dropped until a later draft or retirement.
func (k Kind) AppendValue(ctx context.Context, tx graph.Tx, root *graph.Node, valueID string, in Append) (Relationship, error) {
	const op = "versioning.append"
	rels, err := k.Relationships(ctx, tx, root.ID)
	if err != nil {
		return Relationship{}, err
	}

	if in.ExpectOpen != "" {
		current := Latest(rels)
		if current == nil || current.EdgeID != in.ExpectOpen || !current.Open() {
			return Relationship{}, apperr.Conflict(op, "%s with UID '%s' was modified concurrently", k.Name, root.UID())
		}
	}
	if max, ok := MaxVersion(rels); ok && in.Version.Less(max) {
		return Relationship{}, apperr.BusinessLogic(op, "version %s of %s with UID '%s' is lower than current version %s",
			in.Version, k.Name, root.UID(), max)
	}

	for _, r := range rels {
		if r.Open() {
			if err := tx.SetEdgeProps(ctx, r.EdgeID, graph.Props{PropEndDate: in.Date}); err != nil {
				return Relationship{}, fmt.Errorf("close version edge: %w", err)
			}
		}
	}

	edge, err := tx.CreateEdge(ctx, EdgeHasVersion, root.ID, valueID, graph.Props{
		PropStatus:            string(in.Status),
		PropVersion:           in.Version.String(),
		PropStartDate:         in.Date,
		PropAuthorID:          in.AuthorID,
		PropChangeDescription: in.ChangeDescription,
	})
	if err != nil {
		return Relationship{}, fmt.Errorf("open version edge: %w", err)
	}

	for _, typ := range []string{EdgeLatest, LatestEdge(in.Status)} {
		if err := repoint(ctx, tx, root.ID, typ, valueID); err != nil {
			return Relationship{}, err
		}
	}
	if in.Status == Final {
		for _, st := range []Status{Draft, Retired} {
			if err := unpoint(ctx, tx, root.ID, LatestEdge(st)); err != nil {
				return Relationship{}, err
			}
		}
	}
	return relationshipFromEdge(edge), nil
}

func unpoint(ctx context.Context, tx graph.Tx, from, edgeType string) error {
	old, err := tx.Out(ctx, from, edgeType)
	if err != nil {
		return err
	}
	for _, e := range old {
		if err := tx.DeleteEdge(ctx, e.ID); err != nil {
			return fmt.Errorf("drop %s: %w", edgeType, err)
		}
	}
	return nil
}

func repoint(ctx context.Context, tx graph.Tx, from, edgeType, to string) error {
	if err := unpoint(ctx, tx, from, edgeType); err != nil {
		return err
	}
	if _, err := tx.CreateEdge(ctx, edgeType, from, to, nil); err != nil {
		return fmt.Errorf("create %s: %w", edgeType, err)
	}
	return nil
}

// MarkDeleted flags the root; history stays in place.
func MarkDeleted(ctx context.Context, tx graph.Tx, root *graph.Node, date time.Time) error {
	return tx.SetProps(ctx, root.ID, graph.Props{PropDeleted: true, "deleted_date": date})
}

// IsDeleted reports whether the root carries the soft delete flag.
func IsDeleted(root *graph.Node) bool {
	return root.Props.Bool(PropDeleted)
}

// HardDelete removes the root, its values and its audit trail.
func (k Kind) HardDelete(ctx context.Context, tx graph.Tx, root *graph.Node) error {
	rels, err := k.Relationships(ctx, tx, root.ID)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, r := range rels {
		if seen[r.ValueID] {
			continue
		}
		seen[r.ValueID] = true
		if err := tx.DeleteNode(ctx, r.ValueID); err != nil && !errors.Is(err, graph.ErrNotFound) {
			return fmt.Errorf("delete %s value: %w", k.Name, err)
		}
	}
	actions, err := tx.Out(ctx, root.ID, EdgeAuditTrail)
	if err != nil {
		return err
	}
	for _, a := range actions {
		if err := tx.DeleteNode(ctx, a.To); err != nil && !errors.Is(err, graph.ErrNotFound) {
			return fmt.Errorf("delete action: %w", err)
		}
	}
	return tx.DeleteNode(ctx, root.ID)
}

// HighestWithStatus returns the relationship with the highest version among
// those carrying status s, or nil.
func HighestWithStatus(rels []Relationship, s Status) *Relationship {
	var best *Relationship
	for i := range rels {
		r := &rels[i]
		if r.Status != s {
			continue
		}
		if best == nil || best.Version.Compare(r.Version) < 0 || (best.Version == r.Version && r.StartDate.After(best.StartDate)) {
			best = r
		}
	}
	return best
}
