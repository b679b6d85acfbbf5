package libraryitem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/cache"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/metrics"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// Mapper adapts one aggregate type to its graph representation.
type Mapper[A Aggregate] interface {
	Kind() versioning.Kind
	// RefKinds maps each reference edge type to the kind it points at.
	RefKinds() map[string]versioning.Kind
	// Build reconstructs an aggregate from storage without validation.
	Build(rec Record) (A, error)
	// Value returns the value node properties and references of a.
	Value(a A) (graph.Props, []Ref)
}

// Repository stores aggregates of one kind.
type Repository[A Aggregate] struct {
	mapper   Mapper[A]
	kind     versioning.Kind
	refTypes []string
	store    graph.Store
	cache    *cache.Typed[Record]
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewRepository wires a repository. c and m may be nil.
func NewRepository[A Aggregate](store graph.Store, c cache.Cache, m *metrics.Metrics, now func() time.Time, mapper Mapper[A]) *Repository[A] {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	var types []string
	for t := range mapper.RefKinds() {
		types = append(types, t)
	}
	sort.Strings(types)
	var typed *cache.Typed[Record]
	if c != nil {
		typed = cache.NewTyped[Record](c, m)
	}
	return &Repository[A]{
		mapper:   mapper,
		kind:     mapper.Kind(),
		refTypes: types,
		store:    store,
		cache:    typed,
		metrics:  m,
		now:      now,
	}
}

func (r *Repository[A]) Kind() versioning.Kind { return r.kind }

// Now is the repository clock.
func (r *Repository[A]) Now() time.Time { return r.now() }

func cacheKey(kind string, uid string, q versioning.Query) string {
	var b strings.Builder
	b.WriteString(kind)
	b.WriteString("|")
	b.WriteString(uid)
	if q.Version != nil {
		b.WriteString("|v=" + q.Version.String())
	}
	if q.Status != nil {
		b.WriteString("|s=" + string(*q.Status))
	}
	if q.AtDate != nil {
		b.WriteString("|t=" + q.AtDate.UTC().Format(time.RFC3339Nano))
	}
	return b.String()
}

// FindByUID reads committed state through the cache. The aggregate is nil
// when the root exists but no version matches q; a missing root is NotFound.
func (r *Repository[A]) FindByUID(ctx context.Context, uid string, q versioning.Query) (A, error) {
	var zero A
	key := cacheKey(r.kind.Name, uid, q)
	if rec, ok := r.cache.Get(ctx, key); ok {
		return r.mapper.Build(rec)
	}
	since := r.cache.Seq(ctx)

	var rec *Record
	err := r.store.View(ctx, func(tx graph.Reader) error {
		var err error
		rec, err = r.record(ctx, tx, uid, q)
		return err
	})
	if err != nil || rec == nil {
		return zero, err
	}
	r.cache.Put(ctx, key, since, rec.Deps(), *rec)
	return r.mapper.Build(*rec)
}

// Get reads inside a caller transaction, bypassing the cache.
func (r *Repository[A]) Get(ctx context.Context, tx graph.Reader, uid string, q versioning.Query) (A, error) {
	var zero A
	rec, err := r.record(ctx, tx, uid, q)
	if err != nil || rec == nil {
		return zero, err
	}
	return r.mapper.Build(*rec)
}

// GetForUpdate write-locks the root and returns its latest version. The
// lock is held until tx commits.
func (r *Repository[A]) GetForUpdate(ctx context.Context, tx graph.Tx, uid string) (A, error) {
	var zero A
	root, err := r.kind.Root(ctx, tx, uid)
	if err != nil {
		return zero, err
	}
	if err := tx.Lock(ctx, root.ID); err != nil {
		return zero, err
	}
	rec, err := LoadRecord(ctx, tx, r.kind, root, versioning.Query{}, r.refTypes)
	if err != nil {
		return zero, err
	}
	if rec == nil {
		return zero, apperr.NotFound("libraryitem.get", "%s with UID '%s' has no versions", r.kind.Name, uid)
	}
	return r.mapper.Build(*rec)
}

func (r *Repository[A]) record(ctx context.Context, tx graph.Reader, uid string, q versioning.Query) (*Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	root, err := r.kind.Root(ctx, tx, uid)
	if err != nil {
		return nil, err
	}
	return LoadRecord(ctx, tx, r.kind, root, q, r.refTypes)
}

// ListOptions narrows FindAll.
type ListOptions struct {
	Library string
	// Status selects the latest version with that status instead of the
	// latest version overall.
	Status         *versioning.Status
	IncludeDeleted bool
}

// FindAll returns one aggregate per root in creation order.
func (r *Repository[A]) FindAll(ctx context.Context, opts ListOptions) ([]A, error) {
	var out []A
	err := r.store.View(ctx, func(tx graph.Reader) error {
		roots, err := tx.FindNodes(ctx, r.kind.RootLabel, nil)
		if err != nil {
			return err
		}
		for _, root := range roots {
			if versioning.IsDeleted(root) && !opts.IncludeDeleted {
				continue
			}
			rec, err := LoadRecord(ctx, tx, r.kind, root, versioning.Query{Status: opts.Status}, r.refTypes)
			if err != nil {
				return err
			}
			if rec == nil || (opts.Library != "" && rec.Library.Name != opts.Library) {
				continue
			}
			a, err := r.mapper.Build(*rec)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// Versions returns every version of uid, oldest first.
func (r *Repository[A]) Versions(ctx context.Context, uid string) ([]A, error) {
	var out []A
	err := r.store.View(ctx, func(tx graph.Reader) error {
		root, err := r.kind.Root(ctx, tx, uid)
		if err != nil {
			return err
		}
		rels, err := r.kind.Relationships(ctx, tx, root.ID)
		if err != nil {
			return err
		}
		for _, rel := range rels {
			a, err := r.buildAt(ctx, tx, root, rel)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

func (r *Repository[A]) buildAt(ctx context.Context, tx graph.Reader, root *graph.Node, rel versioning.Relationship) (A, error) {
	var zero A
	value, err := tx.Node(ctx, rel.ValueID)
	if err != nil {
		return zero, err
	}
	rec, err := recordOf(ctx, tx, &versioning.Snapshot{Root: root, Value: value, Rel: rel}, r.refTypes)
	if err != nil {
		return zero, err
	}
	return r.mapper.Build(*rec)
}

// Change is one audit trail entry with the entity as it was after it.
type Change[A Aggregate] struct {
	Type     versioning.ActionType `json:"change_type"`
	Date     time.Time             `json:"date"`
	AuthorID string                `json:"author_id"`
	Item     A                     `json:"item"`
}

// AuditTrail returns the changes of uid, newest first. Delete entries carry
// the last value before deletion.
func (r *Repository[A]) AuditTrail(ctx context.Context, uid string) ([]Change[A], error) {
	var out []Change[A]
	err := r.store.View(ctx, func(tx graph.Reader) error {
		root, err := r.kind.Root(ctx, tx, uid)
		if err != nil {
			return err
		}
		rels, err := r.kind.Relationships(ctx, tx, root.ID)
		if err != nil {
			return err
		}
		actions, err := versioning.AuditTrail(ctx, tx, root.ID)
		if err != nil {
			return err
		}
		for _, act := range actions {
			rel := relFor(rels, act)
			if rel == nil {
				continue
			}
			a, err := r.buildAt(ctx, tx, root, *rel)
			if err != nil {
				return err
			}
			out = append(out, Change[A]{Type: act.Type, Date: act.Date, AuthorID: act.AuthorID, Item: a})
		}
		return nil
	})
	return out, err
}

// relFor finds the version edge an action produced: the one opened at the
// action date for its after value, or for deletes the one it closed.
func relFor(rels []versioning.Relationship, act versioning.Action) *versioning.Relationship {
	for i := range rels {
		rel := &rels[i]
		if act.AfterID != "" && rel.ValueID == act.AfterID && rel.StartDate.Equal(act.Date) {
			return rel
		}
	}
	if act.BeforeID == "" {
		return nil
	}
	var last *versioning.Relationship
	for i := range rels {
		if rels[i].ValueID == act.BeforeID && !rels[i].StartDate.After(act.Date) {
			last = &rels[i]
		}
	}
	return last
}

// GenerateUID draws the next uid for the kind.
func (r *Repository[A]) GenerateUID(ctx context.Context, tx graph.Tx) (string, error) {
	return versioning.NextUID(ctx, tx, r.kind.Name)
}

// Exists reports whether a root with uid exists.
func (r *Repository[A]) Exists(ctx context.Context, tx graph.Reader, uid string) (bool, error) {
	root, err := r.kind.LookupRoot(ctx, tx, uid)
	return root != nil, err
}

// FindUIDByProp returns the uid of a root whose latest value has prop equal
// to value, ignoring case, or "" when there is none. Deleted roots and
// excludeUID are skipped.
func (r *Repository[A]) FindUIDByProp(ctx context.Context, tx graph.Reader, prop, value, excludeUID string) (string, error) {
	return r.FindUIDByPropIn(ctx, tx, "", prop, value, excludeUID)
}

// FindUIDByPropIn is FindUIDByProp restricted to the roots of one library.
// An empty library searches all of them.
func (r *Repository[A]) FindUIDByPropIn(ctx context.Context, tx graph.Reader, library, prop, value, excludeUID string) (string, error) {
	roots, err := tx.FindNodes(ctx, r.kind.RootLabel, nil)
	if err != nil {
		return "", err
	}
	for _, root := range roots {
		if root.UID() == excludeUID || versioning.IsDeleted(root) {
			continue
		}
		if library != "" {
			lib, err := versioning.LibraryOf(ctx, tx, root.ID)
			if err != nil {
				return "", err
			}
			if lib.Name != library {
				continue
			}
		}
		snap, err := r.kind.ValueOf(ctx, tx, root, versioning.Query{})
		if err != nil {
			return "", err
		}
		if snap != nil && strings.EqualFold(snap.Value.Props.String(prop), value) {
			return root.UID(), nil
		}
	}
	return "", nil
}

// Save persists a. New items get a root and a first version; deleted items
// are removed or flagged; otherwise a new version edge is written when the
// lifecycle state or the data changed, and nothing happens otherwise.
func (r *Repository[A]) Save(ctx context.Context, tx graph.Tx, a A, author string) error {
	it := a.Base()
	switch {
	case it.stored == nil:
		return r.create(ctx, tx, a, author)
	case it.removed:
		return r.hardDelete(ctx, tx, it)
	case it.Deleted && !it.stored.Deleted:
		return r.softDelete(ctx, tx, it, author)
	case it.Deleted:
		return nil
	}
	return r.update(ctx, tx, a, author)
}

// SaveAndReload saves a and reads it back inside tx, so references carry the
// version they are pinned at after the write. A hard deleted item is
// returned as it was.
func (r *Repository[A]) SaveAndReload(ctx context.Context, tx graph.Tx, a A, author string) (A, error) {
	var zero A
	if err := r.Save(ctx, tx, a, author); err != nil {
		return zero, err
	}
	it := a.Base()
	if it.stored == nil {
		return a, nil
	}
	fresh, err := r.Get(ctx, tx, it.UID, versioning.Query{})
	if err != nil {
		return zero, err
	}
	if IsNil(fresh) {
		return a, nil
	}
	return fresh, nil
}

func (r *Repository[A]) create(ctx context.Context, tx graph.Tx, a A, author string) error {
	it := a.Base()
	now := r.now()
	if it.UID == "" {
		uid, err := r.GenerateUID(ctx, tx)
		if err != nil {
			return err
		}
		it.UID = uid
	}
	if existing, err := r.kind.LookupRoot(ctx, tx, it.UID); err != nil {
		return err
	} else if existing != nil {
		return apperr.AlreadyExists("libraryitem.create", "%s with UID '%s' already exists", r.kind.Name, it.UID)
	}
	lib, err := versioning.RequireLibrary(ctx, tx, it.Library.Name)
	if err != nil {
		return err
	}
	root, err := r.kind.CreateRoot(ctx, tx, it.UID, lib, nil)
	if err != nil {
		return err
	}
	props, refs := r.mapper.Value(a)
	value, err := r.writeValue(ctx, tx, props, refs)
	if err != nil {
		return err
	}
	rel, err := r.kind.AppendValue(ctx, tx, root, value.ID, versioning.Append{
		Status:            it.Meta.Status,
		Version:           it.Meta.Version,
		AuthorID:          author,
		ChangeDescription: it.Meta.ChangeDescription,
		Date:              now,
	})
	if err != nil {
		return err
	}
	if _, err := versioning.RecordAction(ctx, tx, root.ID, versioning.ActionCreate, "", value.ID, author, now); err != nil {
		return err
	}
	r.metrics.IncVersion(r.kind.Name, string(rel.Status))
	it.Library = lib
	r.markStored(it, root.ID, rel)
	return nil
}

func (r *Repository[A]) markStored(it *Item, rootID string, rel versioning.Relationship) {
	it.Meta = metadataFromRel(rel)
	it.stored = &stored{RootID: rootID, ValueID: rel.ValueID, EdgeID: rel.EdgeID, Meta: it.Meta, Deleted: it.Deleted}
}

func (r *Repository[A]) update(ctx context.Context, tx graph.Tx, a A, author string) error {
	const op = "libraryitem.save"
	it := a.Base()
	now := r.now()

	root, err := tx.Node(ctx, it.stored.RootID)
	if err != nil {
		return fmt.Errorf("load %s root: %w", r.kind.Name, err)
	}
	if err := tx.Lock(ctx, root.ID); err != nil {
		return err
	}
	cur, err := r.kind.ValueOf(ctx, tx, root, versioning.Query{})
	if err != nil {
		return err
	}
	if cur == nil || cur.Rel.EdgeID != it.stored.EdgeID || !cur.Rel.Open() {
		return apperr.Conflict(op, "%s with UID '%s' was modified concurrently", r.kind.Name, it.UID)
	}
	storedRefs, err := LoadRefs(ctx, tx, cur.Value.ID, r.refTypes)
	if err != nil {
		return err
	}

	props, refs := r.mapper.Value(a)
	changed, stale, err := r.hasDataChanged(ctx, tx, cur, storedRefs, props, refs)
	if err != nil {
		return err
	}
	metaChanged := !it.Meta.sameState(it.stored.Meta)
	if !changed && !stale && !metaChanged {
		return nil
	}

	valueID := cur.Value.ID
	if changed || stale {
		value, err := r.writeValue(ctx, tx, props, refs)
		if err != nil {
			return err
		}
		valueID = value.ID
		if stale {
			r.metrics.IncStaleRefresh(r.kind.Name)
		}
	}

	meta := it.Meta
	if !metaChanged {
		meta = it.stored.Meta
	}
	rel, err := r.kind.AppendValue(ctx, tx, root, valueID, versioning.Append{
		Status:            meta.Status,
		Version:           meta.Version,
		AuthorID:          author,
		ChangeDescription: meta.ChangeDescription,
		Date:              now,
		ExpectOpen:        cur.Rel.EdgeID,
	})
	if err != nil {
		return err
	}
	if _, err := versioning.RecordAction(ctx, tx, root.ID, versioning.ActionEdit, cur.Value.ID, valueID, author, now); err != nil {
		return err
	}
	r.metrics.IncVersion(r.kind.Name, string(rel.Status))
	r.markStored(it, root.ID, rel)
	return nil
}

// hasDataChanged compares the aggregate with the stored value. changed is
// true when properties or the set of referenced roots differ. stale is true
// when a pinned reference no longer points at the latest Final version of
// its target; it is only evaluated while the stored version is a draft, so
// creating a new draft from a Final or Retired value reuses that value.
func (r *Repository[A]) hasDataChanged(ctx context.Context, tx graph.Reader, cur *versioning.Snapshot, storedRefs []Ref, props graph.Props, refs []Ref) (changed, stale bool, err error) {
	if !props.Clone().Equal(cur.Value.Props) {
		changed = true
	}
	if !sameRefs(storedRefs, refs) {
		changed = true
	}
	if cur.Rel.Open() && (cur.Rel.Status == versioning.Final || cur.Rel.Status == versioning.Retired) {
		return changed, false, nil
	}
	for _, ref := range storedRefs {
		latest, err := r.pinTarget(ctx, tx, ref)
		if err != nil {
			if apperr.Is(err, apperr.KindBusinessLogic) {
				continue
			}
			return false, false, err
		}
		if latest.Version.String() != ref.Version {
			return changed, true, nil
		}
	}
	return changed, false, nil
}

func sameRefs(a, b []Ref) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = append([]Ref(nil), a...), append([]Ref(nil), b...)
	sortRefs(a)
	sortRefs(b)
	for i := range a {
		if a[i].Type != b[i].Type || a[i].UID != b[i].UID || !a[i].Props.Equal(b[i].Props) {
			return false
		}
	}
	return true
}

// pinTarget resolves the latest Final version of the root a ref points at.
func (r *Repository[A]) pinTarget(ctx context.Context, tx graph.Reader, ref Ref) (*versioning.Relationship, error) {
	kind, ok := r.mapper.RefKinds()[ref.Type]
	if !ok {
		return nil, fmt.Errorf("unknown reference type %s", ref.Type)
	}
	return LatestFinal(ctx, tx, kind, ref.UID)
}

// LatestFinal returns the highest Final version of uid. Missing roots and
// roots that were never approved fail with BusinessLogic.
func LatestFinal(ctx context.Context, tx graph.Reader, kind versioning.Kind, uid string) (*versioning.Relationship, error) {
	root, err := kind.LookupRoot(ctx, tx, uid)
	if err != nil {
		return nil, err
	}
	if root == nil || versioning.IsDeleted(root) {
		return nil, nonFinal(kind, uid)
	}
	rels, err := kind.Relationships(ctx, tx, root.ID)
	if err != nil {
		return nil, err
	}
	rel := versioning.HighestWithStatus(rels, versioning.Final)
	if rel == nil {
		return nil, nonFinal(kind, uid)
	}
	return rel, nil
}

func nonFinal(kind versioning.Kind, uid string) error {
	return apperr.BusinessLogic("libraryitem.link", "tried to connect to non-existent or non-final %s with UID '%s'", kind.Name, uid)
}

// writeValue creates a value node and pins every ref at its target's latest
// Final version.
func (r *Repository[A]) writeValue(ctx context.Context, tx graph.Tx, props graph.Props, refs []Ref) (*graph.Node, error) {
	value, err := r.kind.CreateValue(ctx, tx, props)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		kind, ok := r.mapper.RefKinds()[ref.Type]
		if !ok {
			return nil, fmt.Errorf("unknown reference type %s", ref.Type)
		}
		target, err := kind.LookupRoot(ctx, tx, ref.UID)
		if err != nil {
			return nil, err
		}
		rel, err := LatestFinal(ctx, tx, kind, ref.UID)
		if err != nil {
			return nil, err
		}
		edgeProps := ref.Props.Clone()
		edgeProps[PropPinnedVersion] = rel.Version.String()
		if _, err := tx.CreateEdge(ctx, ref.Type, value.ID, target.ID, edgeProps); err != nil {
			return nil, fmt.Errorf("link %s: %w", ref.Type, err)
		}
	}
	return value, nil
}

func (r *Repository[A]) softDelete(ctx context.Context, tx graph.Tx, it *Item, author string) error {
	now := r.now()
	root, err := tx.Node(ctx, it.stored.RootID)
	if err != nil {
		return err
	}
	if err := tx.Lock(ctx, root.ID); err != nil {
		return err
	}
	if err := versioning.MarkDeleted(ctx, tx, root, now); err != nil {
		return err
	}
	if _, err := versioning.RecordAction(ctx, tx, root.ID, versioning.ActionDelete, it.stored.ValueID, "", author, now); err != nil {
		return err
	}
	it.stored.Deleted = true
	return nil
}

func (r *Repository[A]) hardDelete(ctx context.Context, tx graph.Tx, it *Item) error {
	root, err := tx.Node(ctx, it.stored.RootID)
	if err != nil {
		return err
	}
	if err := tx.Lock(ctx, root.ID); err != nil {
		return err
	}
	rels, err := r.kind.Relationships(ctx, tx, root.ID)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if rel.Status != versioning.Draft || rel.Version.Major > 0 {
			return apperr.BusinessLogic("libraryitem.delete", "Object has been accepted")
		}
	}
	if err := r.kind.HardDelete(ctx, tx, root); err != nil {
		return err
	}
	it.stored = nil
	return nil
}
