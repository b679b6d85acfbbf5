package activity

import (
	"context"
	"sort"
	"time"

	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/cache"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/metrics"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// Repos holds one repository per activity entity type.
type Repos struct {
	store      graph.Store
	Groups     *libraryitem.Repository[*Group]
	SubGroups  *libraryitem.Repository[*SubGroup]
	Activities *libraryitem.Repository[*Activity]
	Instances  *libraryitem.Repository[*Instance]
}

func NewRepos(store graph.Store, c cache.Cache, m *metrics.Metrics, now func() time.Time) *Repos {
	return &Repos{
		store:      store,
		Groups:     libraryitem.NewRepository[*Group](store, c, m, now, groupMapper{}),
		SubGroups:  libraryitem.NewRepository[*SubGroup](store, c, m, now, subGroupMapper{}),
		Activities: libraryitem.NewRepository[*Activity](store, c, m, now, activityMapper{}),
		Instances:  libraryitem.NewRepository[*Instance](store, c, m, now, instanceMapper{}),
	}
}

// rootsLinking returns the roots, in first-seen order, whose value nodes of
// kind point at targetID through edgeType.
func rootsLinking(ctx context.Context, r graph.Reader, targetID, edgeType string, kind versioning.Kind) ([]*graph.Node, error) {
	edges, err := r.In(ctx, targetID, edgeType)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var roots []*graph.Node
	for _, e := range edges {
		value, err := r.Node(ctx, e.From)
		if err != nil {
			return nil, err
		}
		if !value.HasLabel(kind.ValueLabel) {
			continue
		}
		owners, err := r.In(ctx, value.ID, versioning.EdgeHasVersion)
		if err != nil {
			return nil, err
		}
		for _, o := range owners {
			if seen[o.From] {
				continue
			}
			seen[o.From] = true
			root, err := r.Node(ctx, o.From)
			if err != nil {
				return nil, err
			}
			roots = append(roots, root)
		}
	}
	return roots, nil
}

func linksTo(ctx context.Context, r graph.Reader, valueID, edgeType, targetID string) (bool, error) {
	edges, err := r.Out(ctx, valueID, edgeType)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.To == targetID {
			return true, nil
		}
	}
	return false, nil
}

func nameOf(ctx context.Context, r graph.Reader, valueID string) (string, error) {
	n, err := r.Node(ctx, valueID)
	if err != nil {
		return "", err
	}
	return n.Props.String("name"), nil
}

// versionWindow returns the period version v of a root was in force: from
// the first edge carrying v to the end of the last one. end is nil while
// the version is still current. ok is false when the root never had v.
func versionWindow(rels []versioning.Relationship, v versioning.Version) (start time.Time, end *time.Time, ok bool) {
	var last *versioning.Relationship
	for i := range rels {
		r := &rels[i]
		if r.Version != v {
			continue
		}
		if !ok || r.StartDate.Before(start) {
			start = r.StartDate
		}
		ok = true
		if last == nil || r.StartDate.After(last.StartDate) {
			last = r
		}
	}
	if ok {
		end = last.EndDate
	}
	return start, end, ok
}

// inForceBefore picks the highest Final or Retired version that started
// before end, or any time when end is nil.
func inForceBefore(rels []versioning.Relationship, end *time.Time) *versioning.Relationship {
	var best *versioning.Relationship
	for i := range rels {
		r := &rels[i]
		if r.Status == versioning.Draft {
			continue
		}
		if end != nil && !r.StartDate.Before(*end) {
			continue
		}
		if best == nil || r.Version.Compare(best.Version) > 0 ||
			(r.Version == best.Version && r.StartDate.After(best.StartDate)) {
			best = r
		}
	}
	return best
}

// resolveVersion returns the version of uid selected by v, or the latest
// version when v is nil.
func resolveVersion(ctx context.Context, r graph.Reader, kind versioning.Kind, root *graph.Node, v *versioning.Version) (versioning.Version, []versioning.Relationship, error) {
	rels, err := kind.Relationships(ctx, r, root.ID)
	if err != nil {
		return versioning.Version{}, nil, err
	}
	if v != nil {
		return *v, rels, nil
	}
	latest := versioning.Latest(rels)
	if latest == nil {
		return versioning.Version{}, rels, nil
	}
	return latest.Version, rels, nil
}

// LinkedActivities returns the activities grouped under a subgroup version.
// Each activity is reported at the highest Final or Retired version that
// had started before the subgroup version was superseded, and only when
// that version places it in the subgroup.
func (r *Repos) LinkedActivities(ctx context.Context, subgroupUID string, v *versioning.Version) ([]Pinned, error) {
	var out []Pinned
	err := r.store.View(ctx, func(tx graph.Reader) error {
		root, err := SubGroupKind.Root(ctx, tx, subgroupUID)
		if err != nil {
			return err
		}
		version, rels, err := resolveVersion(ctx, tx, SubGroupKind, root, v)
		if err != nil {
			return err
		}
		_, end, ok := versionWindow(rels, version)
		if !ok {
			return nil
		}
		candidates, err := rootsLinking(ctx, tx, root.ID, EdgeInSubGroup, ActivityKind)
		if err != nil {
			return err
		}
		for _, act := range candidates {
			if versioning.IsDeleted(act) {
				continue
			}
			actRels, err := ActivityKind.Relationships(ctx, tx, act.ID)
			if err != nil {
				return err
			}
			rel := inForceBefore(actRels, end)
			if rel == nil {
				continue
			}
			linked, err := linksTo(ctx, tx, rel.ValueID, EdgeInSubGroup, root.ID)
			if err != nil {
				return err
			}
			if !linked {
				continue
			}
			name, err := nameOf(ctx, tx, rel.ValueID)
			if err != nil {
				return err
			}
			out = append(out, Pinned{UID: act.UID(), Version: rel.Version.String(), Name: name})
		}
		return nil
	})
	sortPinned(out)
	return out, err
}

// LinkedSubGroups returns the subgroups that pinned version v of a group,
// each at the highest of its versions carrying that pin.
func (r *Repos) LinkedSubGroups(ctx context.Context, groupUID string, v *versioning.Version) ([]Pinned, error) {
	var out []Pinned
	err := r.store.View(ctx, func(tx graph.Reader) error {
		root, err := GroupKind.Root(ctx, tx, groupUID)
		if err != nil {
			return err
		}
		version, _, err := resolveVersion(ctx, tx, GroupKind, root, v)
		if err != nil {
			return err
		}
		edges, err := tx.In(ctx, root.ID, EdgeInGroup)
		if err != nil {
			return err
		}
		pinned := map[string]bool{}
		for _, e := range edges {
			if e.Props.String(libraryitem.PropPinnedVersion) == version.String() {
				pinned[e.From] = true
			}
		}
		candidates, err := rootsLinking(ctx, tx, root.ID, EdgeInGroup, SubGroupKind)
		if err != nil {
			return err
		}
		for _, sg := range candidates {
			if versioning.IsDeleted(sg) {
				continue
			}
			rels, err := SubGroupKind.Relationships(ctx, tx, sg.ID)
			if err != nil {
				return err
			}
			var best *versioning.Relationship
			for i := range rels {
				if pinned[rels[i].ValueID] && (best == nil || rels[i].Version.Compare(best.Version) >= 0) {
					best = &rels[i]
				}
			}
			if best == nil {
				continue
			}
			name, err := nameOf(ctx, tx, best.ValueID)
			if err != nil {
				return err
			}
			out = append(out, Pinned{UID: sg.UID(), Version: best.Version.String(), Name: name})
		}
		return nil
	})
	sortPinned(out)
	return out, err
}

// InstancesOf returns the latest version of every instance whose latest
// value is placed under the activity.
func (r *Repos) InstancesOf(ctx context.Context, activityUID string) ([]*Instance, error) {
	var out []*Instance
	err := r.store.View(ctx, func(tx graph.Reader) error {
		root, err := ActivityKind.Root(ctx, tx, activityUID)
		if err != nil {
			return err
		}
		candidates, err := rootsLinking(ctx, tx, root.ID, EdgeForActivity, InstanceKind)
		if err != nil {
			return err
		}
		for _, ir := range candidates {
			if versioning.IsDeleted(ir) {
				continue
			}
			in, err := r.Instances.Get(ctx, tx, ir.UID(), versioning.Query{})
			if err != nil {
				return err
			}
			if libraryitem.IsNil(in) {
				continue
			}
			for _, g := range in.VO.Groupings {
				if g.ActivityUID == activityUID {
					out = append(out, in)
					break
				}
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].VO.Name < out[j].VO.Name })
	return out, err
}

// PinnedName returns the name of uid at a pinned version, or "" when that
// version can't be read.
func (r *Repos) PinnedName(ctx context.Context, kind versioning.Kind, p Pinned) string {
	v, err := versioning.ParseVersion(p.Version)
	if err != nil {
		return ""
	}
	var name string
	_ = r.store.View(ctx, func(tx graph.Reader) error {
		snap, err := kind.ValueAt(ctx, tx, p.UID, versioning.Query{Version: &v})
		if err != nil || snap == nil {
			return err
		}
		name = snap.Value.Props.String("name")
		return nil
	})
	return name
}

func sortPinned(ps []Pinned) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Name != ps[j].Name {
			return ps[i].Name < ps[j].Name
		}
		return ps[i].UID < ps[j].UID
	})
}
