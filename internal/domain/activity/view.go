package activity

import (
	"context"

	"github.com/mdr/mdr/internal/domain/libraryitem"
)

type GroupView struct {
	libraryitem.Header
	Concept
}

type SubGroupView struct {
	libraryitem.Header
	Concept
	ActivityGroups []Pinned `json:"activity_groups"`
}

// ActivityView shows the pinned groupings in place of the raw uid pairs.
type ActivityView struct {
	libraryitem.Header
	ActivityVO
	ActivityGroupings []PinnedGrouping `json:"activity_groupings"`
}

type InstanceView struct {
	libraryitem.Header
	InstanceVO
	ActivityGroupings []PinnedInstanceGrouping `json:"activity_groupings"`
}

func (s *Service) GroupView(ctx context.Context, g *Group) GroupView {
	return GroupView{Header: g.Header(ctx, s.authors), Concept: g.Concept}
}

func (s *Service) SubGroupView(ctx context.Context, sg *SubGroup) SubGroupView {
	v := SubGroupView{Header: sg.Header(ctx, s.authors), Concept: sg.VO.Concept}
	for _, p := range sg.Groups {
		p.Name = s.repos.PinnedName(ctx, GroupKind, p)
		v.ActivityGroups = append(v.ActivityGroups, p)
	}
	return v
}

func (s *Service) ActivityView(ctx context.Context, a *Activity) ActivityView {
	v := ActivityView{Header: a.Header(ctx, s.authors), ActivityVO: a.VO}
	for _, g := range a.Groupings {
		g.SubGroup.Name = s.repos.PinnedName(ctx, SubGroupKind, g.SubGroup)
		g.Group.Name = s.repos.PinnedName(ctx, GroupKind, g.Group)
		v.ActivityGroupings = append(v.ActivityGroupings, g)
	}
	return v
}

func (s *Service) InstanceView(ctx context.Context, in *Instance) InstanceView {
	v := InstanceView{Header: in.Header(ctx, s.authors), InstanceVO: in.VO}
	for _, g := range in.Groupings {
		g.Activity.Name = s.repos.PinnedName(ctx, ActivityKind, g.Activity)
		g.SubGroup.Name = s.repos.PinnedName(ctx, SubGroupKind, g.SubGroup)
		g.Group.Name = s.repos.PinnedName(ctx, GroupKind, g.Group)
		v.ActivityGroupings = append(v.ActivityGroupings, g)
	}
	return v
}
