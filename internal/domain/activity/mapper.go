package activity

import (
	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

func orderProps(i int) graph.Props { return graph.Props{"order": i} }

func pinnedOf(ref libraryitem.Ref) Pinned { return Pinned{UID: ref.UID, Version: ref.Version} }

// byOrder indexes refs of one type by their order property.
func byOrder(refs []libraryitem.Ref) map[int64]libraryitem.Ref {
	out := make(map[int64]libraryitem.Ref, len(refs))
	for _, r := range refs {
		out[r.Order()] = r
	}
	return out
}

type groupMapper struct{}

func (groupMapper) Kind() versioning.Kind                { return GroupKind }
func (groupMapper) RefKinds() map[string]versioning.Kind { return nil }

func (groupMapper) Build(rec libraryitem.Record) (*Group, error) {
	return &Group{Item: libraryitem.ItemFromRecord(rec), Concept: conceptFrom(rec.Props)}, nil
}

func (groupMapper) Value(g *Group) (graph.Props, []libraryitem.Ref) {
	return g.Concept.props(), nil
}

type subGroupMapper struct{}

func (subGroupMapper) Kind() versioning.Kind { return SubGroupKind }
func (subGroupMapper) RefKinds() map[string]versioning.Kind {
	return map[string]versioning.Kind{EdgeInGroup: GroupKind}
}

func (subGroupMapper) Build(rec libraryitem.Record) (*SubGroup, error) {
	sg := &SubGroup{Item: libraryitem.ItemFromRecord(rec), VO: SubGroupVO{Concept: conceptFrom(rec.Props)}}
	for _, ref := range rec.RefsOf(EdgeInGroup) {
		sg.VO.GroupUIDs = append(sg.VO.GroupUIDs, ref.UID)
		sg.Groups = append(sg.Groups, pinnedOf(ref))
	}
	return sg, nil
}

func (subGroupMapper) Value(sg *SubGroup) (graph.Props, []libraryitem.Ref) {
	refs := make([]libraryitem.Ref, len(sg.VO.GroupUIDs))
	for i, uid := range sg.VO.GroupUIDs {
		refs[i] = libraryitem.Ref{Type: EdgeInGroup, UID: uid, Props: orderProps(i)}
	}
	return sg.VO.Concept.props(), refs
}

type activityMapper struct{}

func (activityMapper) Kind() versioning.Kind { return ActivityKind }
func (activityMapper) RefKinds() map[string]versioning.Kind {
	return map[string]versioning.Kind{EdgeInSubGroup: SubGroupKind, EdgeInGroup: GroupKind}
}

func (activityMapper) Build(rec libraryitem.Record) (*Activity, error) {
	p := rec.Props
	a := &Activity{
		Item: libraryitem.ItemFromRecord(rec),
		VO: ActivityVO{
			Concept:                    conceptFrom(p),
			NCIConceptID:               p.String("nci_concept_id"),
			IsDataCollected:            p.Bool("is_data_collected"),
			IsMultipleSelectionAllowed: p.Bool("is_multiple_selection_allowed"),
			Synonyms:                   p.Strings("synonyms"),
		},
	}
	groups := byOrder(rec.RefsOf(EdgeInGroup))
	for _, sg := range rec.RefsOf(EdgeInSubGroup) {
		g := groups[sg.Order()]
		a.VO.Groupings = append(a.VO.Groupings, Grouping{SubGroupUID: sg.UID, GroupUID: g.UID})
		a.Groupings = append(a.Groupings, PinnedGrouping{SubGroup: pinnedOf(sg), Group: pinnedOf(g)})
	}
	return a, nil
}

func (activityMapper) Value(a *Activity) (graph.Props, []libraryitem.Ref) {
	p := a.VO.Concept.props()
	if a.VO.NCIConceptID != "" {
		p["nci_concept_id"] = a.VO.NCIConceptID
	}
	p["is_data_collected"] = a.VO.IsDataCollected
	p["is_multiple_selection_allowed"] = a.VO.IsMultipleSelectionAllowed
	if len(a.VO.Synonyms) > 0 {
		p["synonyms"] = a.VO.Synonyms
	}
	var refs []libraryitem.Ref
	for i, g := range a.VO.Groupings {
		refs = append(refs,
			libraryitem.Ref{Type: EdgeInSubGroup, UID: g.SubGroupUID, Props: orderProps(i)},
			libraryitem.Ref{Type: EdgeInGroup, UID: g.GroupUID, Props: orderProps(i)},
		)
	}
	return p, refs
}

type instanceMapper struct{}

func (instanceMapper) Kind() versioning.Kind { return InstanceKind }
func (instanceMapper) RefKinds() map[string]versioning.Kind {
	return map[string]versioning.Kind{
		EdgeForActivity: ActivityKind,
		EdgeInSubGroup:  SubGroupKind,
		EdgeInGroup:     GroupKind,
	}
}

func (instanceMapper) Build(rec libraryitem.Record) (*Instance, error) {
	p := rec.Props
	in := &Instance{
		Item: libraryitem.ItemFromRecord(rec),
		VO: InstanceVO{
			Concept:                      conceptFrom(p),
			TopicCode:                    p.String("topic_code"),
			AdamParamCode:                p.String("adam_param_code"),
			InstanceClass:                p.String("activity_instance_class"),
			IsRequiredForActivity:        p.Bool("is_required_for_activity"),
			IsDefaultSelectedForActivity: p.Bool("is_default_selected_for_activity"),
			IsDataSharing:                p.Bool("is_data_sharing"),
			IsLegacyUsage:                p.Bool("is_legacy_usage"),
			IsDerived:                    p.Bool("is_derived"),
		},
	}
	subgroups := byOrder(rec.RefsOf(EdgeInSubGroup))
	groups := byOrder(rec.RefsOf(EdgeInGroup))
	for _, act := range rec.RefsOf(EdgeForActivity) {
		sg, g := subgroups[act.Order()], groups[act.Order()]
		in.VO.Groupings = append(in.VO.Groupings, InstanceGrouping{ActivityUID: act.UID, SubGroupUID: sg.UID, GroupUID: g.UID})
		in.Groupings = append(in.Groupings, PinnedInstanceGrouping{Activity: pinnedOf(act), SubGroup: pinnedOf(sg), Group: pinnedOf(g)})
	}
	return in, nil
}

func (instanceMapper) Value(in *Instance) (graph.Props, []libraryitem.Ref) {
	v := in.VO
	p := v.Concept.props()
	for k, s := range map[string]string{
		"topic_code":              v.TopicCode,
		"adam_param_code":         v.AdamParamCode,
		"activity_instance_class": v.InstanceClass,
	} {
		if s != "" {
			p[k] = s
		}
	}
	p["is_required_for_activity"] = v.IsRequiredForActivity
	p["is_default_selected_for_activity"] = v.IsDefaultSelectedForActivity
	p["is_data_sharing"] = v.IsDataSharing
	p["is_legacy_usage"] = v.IsLegacyUsage
	p["is_derived"] = v.IsDerived
	var refs []libraryitem.Ref
	for i, g := range v.Groupings {
		refs = append(refs,
			libraryitem.Ref{Type: EdgeForActivity, UID: g.ActivityUID, Props: orderProps(i)},
			libraryitem.Ref{Type: EdgeInSubGroup, UID: g.SubGroupUID, Props: orderProps(i)},
			libraryitem.Ref{Type: EdgeInGroup, UID: g.GroupUID, Props: orderProps(i)},
		)
	}
	return p, refs
}
