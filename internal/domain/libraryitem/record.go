package libraryitem

import (
	"context"
	"fmt"
	"sort"

	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// PropPinnedVersion is the edge property holding the version a reference
// is pinned to.
const PropPinnedVersion = "version"

// Ref is an edge from a value node to another versioned root, pinned at the
// version that was latest when the value was written.
type Ref struct {
	Type    string      `json:"type"`
	UID     string      `json:"uid"`
	Version string      `json:"version,omitempty"`
	Props   graph.Props `json:"props,omitempty"`
}

// Order is the position of the ref within refs of its type.
func (r Ref) Order() int64 { return r.Props.Int("order") }

// Record is one stored version of an item in a form that can be cached.
type Record struct {
	UID     string                  `json:"uid"`
	RootID  string                  `json:"root_id"`
	Library versioning.Library      `json:"library"`
	Deleted bool                    `json:"deleted"`
	Rel     versioning.Relationship `json:"rel"`
	Props   graph.Props             `json:"props"`
	Refs    []Ref                   `json:"refs,omitempty"`
}

// RefsOf returns the refs of one edge type in order.
func (r Record) RefsOf(typ string) []Ref {
	var out []Ref
	for _, ref := range r.Refs {
		if ref.Type == typ {
			out = append(out, ref)
		}
	}
	return out
}

// Deps lists the uids whose changes invalidate the record.
func (r Record) Deps() []string {
	deps := []string{r.UID}
	for _, ref := range r.Refs {
		deps = append(deps, ref.UID)
	}
	return deps
}

func sortRefs(refs []Ref) {
	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Order() != b.Order() {
			return a.Order() < b.Order()
		}
		return a.UID < b.UID
	})
}

// LoadRefs reads the pinned references leaving a value node.
func LoadRefs(ctx context.Context, r graph.Reader, valueID string, types []string) ([]Ref, error) {
	var refs []Ref
	for _, typ := range types {
		edges, err := r.Out(ctx, valueID, typ)
		if err != nil {
			return nil, fmt.Errorf("load %s refs: %w", typ, err)
		}
		for _, e := range edges {
			target, err := r.Node(ctx, e.To)
			if err != nil {
				return nil, fmt.Errorf("load %s target: %w", typ, err)
			}
			props := e.Props.Clone()
			version := props.String(PropPinnedVersion)
			delete(props, PropPinnedVersion)
			if len(props) == 0 {
				props = nil
			}
			refs = append(refs, Ref{Type: typ, UID: target.UID(), Version: version, Props: props})
		}
	}
	sortRefs(refs)
	return refs, nil
}

// LoadRecord resolves root at q. A nil record means nothing matched q.
func LoadRecord(ctx context.Context, r graph.Reader, kind versioning.Kind, root *graph.Node, q versioning.Query, refTypes []string) (*Record, error) {
	snap, err := kind.ValueOf(ctx, r, root, q)
	if err != nil || snap == nil {
		return nil, err
	}
	return recordOf(ctx, r, snap, refTypes)
}

func recordOf(ctx context.Context, r graph.Reader, snap *versioning.Snapshot, refTypes []string) (*Record, error) {
	lib, err := versioning.LibraryOf(ctx, r, snap.Root.ID)
	if err != nil {
		return nil, err
	}
	refs, err := LoadRefs(ctx, r, snap.Value.ID, refTypes)
	if err != nil {
		return nil, err
	}
	return &Record{
		UID:     snap.Root.UID(),
		RootID:  snap.Root.ID,
		Library: lib,
		Deleted: versioning.IsDeleted(snap.Root),
		Rel:     snap.Rel,
		Props:   snap.Value.Props,
		Refs:    refs,
	}, nil
}
