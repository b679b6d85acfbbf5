package activity

import (
	"context"
	"slices"

	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// Service validates and applies changes to the activity hierarchy.
type Service struct {
	repos   *Repos
	runner  *libraryitem.Runner
	authors libraryitem.Authors
	log     zerolog.Logger

	Groups     *libraryitem.Lifecycle[*Group]
	SubGroups  *libraryitem.Lifecycle[*SubGroup]
	Activities *libraryitem.Lifecycle[*Activity]
	Instances  *libraryitem.Lifecycle[*Instance]
}

func NewService(repos *Repos, runner *libraryitem.Runner, authors libraryitem.Authors, log zerolog.Logger) *Service {
	s := &Service{
		repos:      repos,
		runner:     runner,
		authors:    authors,
		log:        log,
		Groups:     libraryitem.NewLifecycle(runner, repos.Groups, log),
		SubGroups:  libraryitem.NewLifecycle(runner, repos.SubGroups, log),
		Activities: libraryitem.NewLifecycle(runner, repos.Activities, log),
		Instances:  libraryitem.NewLifecycle(runner, repos.Instances, log),
	}
	s.Groups.BeforeApprove = func(ctx context.Context, tx graph.Tx, g *Group) error {
		return uniqueName(ctx, tx, repos.Groups, g.Library.Name, g.Concept.Name, g.UID)
	}
	s.SubGroups.BeforeApprove = func(ctx context.Context, tx graph.Tx, sg *SubGroup) error {
		return uniqueName(ctx, tx, repos.SubGroups, sg.Library.Name, sg.VO.Name, sg.UID)
	}
	s.Activities.BeforeApprove = func(ctx context.Context, tx graph.Tx, a *Activity) error {
		return uniqueName(ctx, tx, repos.Activities, a.Library.Name, a.VO.Name, a.UID)
	}
	s.Instances.BeforeApprove = func(ctx context.Context, tx graph.Tx, in *Instance) error {
		return uniqueName(ctx, tx, repos.Instances, in.Library.Name, in.VO.Name, in.UID)
	}
	return s
}

func (s *Service) Repos() *Repos { return s.repos }

// uniqueName rejects a name already used by another item of the same kind
// in library.
func uniqueName[A libraryitem.Aggregate](ctx context.Context, tx graph.Reader, repo *libraryitem.Repository[A], library, name, uid string) error {
	existing, err := repo.FindUIDByPropIn(ctx, tx, library, "name", name, uid)
	if err != nil {
		return err
	}
	if existing != "" {
		return apperr.AlreadyExists("activity.unique_name", "%s with Name '%s' already exists in library '%s'.", repo.Kind().Name, name, library)
	}
	return nil
}

// newItem resolves the library and starts a Draft item in it.
func (s *Service) newItem(ctx context.Context, tx graph.Tx, libraryName, author string) (libraryitem.Item, error) {
	lib, err := versioning.RequireLibrary(ctx, tx, libraryName)
	if err != nil {
		return libraryitem.Item{}, err
	}
	return libraryitem.NewItem("", lib, author, s.repos.Groups.Now())
}

// GroupInput creates or edits an activity group.
type GroupInput struct {
	Concept
	LibraryName       string `json:"library_name"`
	ChangeDescription string `json:"change_description"`
}

func (s *Service) CreateGroup(ctx context.Context, author string, in GroupInput) (*Group, error) {
	const op = "activity.create_group"
	var out *Group
	err := s.runner.Write(ctx, "activitygroup.create", func(tx graph.Tx) error {
		item, err := s.newItem(ctx, tx, in.LibraryName, author)
		if err != nil {
			return err
		}
		if err := in.Concept.validate(op); err != nil {
			return err
		}
		if err := uniqueName(ctx, tx, s.repos.Groups, item.Library.Name, in.Name, ""); err != nil {
			return err
		}
		g := &Group{Item: item, Concept: in.Concept}
		saved, err := s.repos.Groups.SaveAndReload(ctx, tx, g, author)
		if err != nil {
			return err
		}
		out = saved
		return nil
	})
	return out, err
}

func (s *Service) EditGroup(ctx context.Context, author, uid string, in GroupInput) (*Group, error) {
	const op = "activity.edit_group"
	return s.Groups.Mutate(ctx, "edit", uid, author, func(tx graph.Tx, g *Group) error {
		if err := g.CanEdit(); err != nil {
			return err
		}
		if err := in.Concept.validate(op); err != nil {
			return err
		}
		if err := uniqueName(ctx, tx, s.repos.Groups, g.Library.Name, in.Name, uid); err != nil {
			return err
		}
		changed := g.Concept != in.Concept
		g.Concept = in.Concept
		return g.EditDraft(author, in.ChangeDescription, changed, s.repos.Groups.Now())
	})
}

// SubGroupInput creates or edits an activity subgroup.
type SubGroupInput struct {
	SubGroupVO
	LibraryName       string `json:"library_name"`
	ChangeDescription string `json:"change_description"`
}

func (in SubGroupInput) validate(op string) error {
	if err := in.Concept.validate(op); err != nil {
		return err
	}
	if len(in.GroupUIDs) == 0 {
		return apperr.Validation(op, "activity_groups must contain at least one group")
	}
	return nil
}

func (s *Service) CreateSubGroup(ctx context.Context, author string, in SubGroupInput) (*SubGroup, error) {
	const op = "activity.create_subgroup"
	var out *SubGroup
	err := s.runner.Write(ctx, "activitysubgroup.create", func(tx graph.Tx) error {
		item, err := s.newItem(ctx, tx, in.LibraryName, author)
		if err != nil {
			return err
		}
		if err := in.validate(op); err != nil {
			return err
		}
		if err := uniqueName(ctx, tx, s.repos.SubGroups, item.Library.Name, in.Name, ""); err != nil {
			return err
		}
		sg := &SubGroup{Item: item, VO: in.SubGroupVO}
		saved, err := s.repos.SubGroups.SaveAndReload(ctx, tx, sg, author)
		if err != nil {
			return err
		}
		out = saved
		return nil
	})
	return out, err
}

func (s *Service) EditSubGroup(ctx context.Context, author, uid string, in SubGroupInput) (*SubGroup, error) {
	const op = "activity.edit_subgroup"
	return s.SubGroups.Mutate(ctx, "edit", uid, author, func(tx graph.Tx, sg *SubGroup) error {
		if err := sg.CanEdit(); err != nil {
			return err
		}
		if err := in.validate(op); err != nil {
			return err
		}
		if err := uniqueName(ctx, tx, s.repos.SubGroups, sg.Library.Name, in.Name, uid); err != nil {
			return err
		}
		changed := !sg.VO.Equal(in.SubGroupVO)
		sg.VO = in.SubGroupVO
		return sg.EditDraft(author, in.ChangeDescription, changed, s.repos.SubGroups.Now())
	})
}

// ActivityInput creates or edits an activity.
type ActivityInput struct {
	ActivityVO
	LibraryName       string `json:"library_name"`
	ChangeDescription string `json:"change_description"`
}

func (s *Service) validateActivity(ctx context.Context, tx graph.Reader, op string, in ActivityInput) error {
	if err := in.Concept.validate(op); err != nil {
		return err
	}
	if len(in.Groupings) == 0 {
		return apperr.Validation(op, "activity_groupings must contain at least one grouping")
	}
	for _, g := range in.Groupings {
		if err := subGroupInGroup(ctx, tx, g.SubGroupUID, g.GroupUID); err != nil {
			return err
		}
	}
	return nil
}

// subGroupInGroup checks that the latest Final subgroup is linked to the
// group.
func subGroupInGroup(ctx context.Context, tx graph.Reader, subgroupUID, groupUID string) error {
	rel, err := libraryitem.LatestFinal(ctx, tx, SubGroupKind, subgroupUID)
	if err != nil {
		return err
	}
	refs, err := libraryitem.LoadRefs(ctx, tx, rel.ValueID, []string{EdgeInGroup})
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.UID == groupUID {
			return nil
		}
	}
	return apperr.BusinessLogic("activity.grouping",
		"Activity subgroup with UID '%s' isn't linked with activity group with UID '%s'", subgroupUID, groupUID)
}

func (s *Service) CreateActivity(ctx context.Context, author string, in ActivityInput) (*Activity, error) {
	const op = "activity.create_activity"
	var out *Activity
	err := s.runner.Write(ctx, "activity.create", func(tx graph.Tx) error {
		item, err := s.newItem(ctx, tx, in.LibraryName, author)
		if err != nil {
			return err
		}
		if err := s.validateActivity(ctx, tx, op, in); err != nil {
			return err
		}
		if err := uniqueName(ctx, tx, s.repos.Activities, item.Library.Name, in.Name, ""); err != nil {
			return err
		}
		a := &Activity{Item: item, VO: in.ActivityVO}
		saved, err := s.repos.Activities.SaveAndReload(ctx, tx, a, author)
		if err != nil {
			return err
		}
		out = saved
		return nil
	})
	return out, err
}

func (s *Service) EditActivity(ctx context.Context, author, uid string, in ActivityInput) (*Activity, error) {
	const op = "activity.edit_activity"
	return s.Activities.Mutate(ctx, "edit", uid, author, func(tx graph.Tx, a *Activity) error {
		if err := a.CanEdit(); err != nil {
			return err
		}
		if err := s.validateActivity(ctx, tx, op, in); err != nil {
			return err
		}
		if err := uniqueName(ctx, tx, s.repos.Activities, a.Library.Name, in.Name, uid); err != nil {
			return err
		}
		changed := !a.VO.Equal(in.ActivityVO)
		a.VO = in.ActivityVO
		return a.EditDraft(author, in.ChangeDescription, changed, s.repos.Activities.Now())
	})
}

// InstanceInput creates or edits an activity instance.
type InstanceInput struct {
	InstanceVO
	LibraryName       string `json:"library_name"`
	ChangeDescription string `json:"change_description"`
}

func (s *Service) validateInstance(ctx context.Context, tx graph.Reader, op, uid string, in InstanceInput) error {
	if err := in.Concept.validate(op); err != nil {
		return err
	}
	if len(in.Groupings) == 0 {
		return apperr.Validation(op, "activity_groupings must contain at least one grouping")
	}
	if in.TopicCode != "" {
		existing, err := s.repos.Instances.FindUIDByProp(ctx, tx, "topic_code", in.TopicCode, uid)
		if err != nil {
			return err
		}
		if existing != "" {
			return apperr.AlreadyExists(op, "Activity Instance with Topic Code '%s' already exists.", in.TopicCode)
		}
	}
	for _, g := range in.Groupings {
		if err := activityGrouped(ctx, tx, g); err != nil {
			return err
		}
	}
	return nil
}

// activityGrouped checks the latest Final activity against an instance
// grouping.
func activityGrouped(ctx context.Context, tx graph.Reader, g InstanceGrouping) error {
	rel, err := libraryitem.LatestFinal(ctx, tx, ActivityKind, g.ActivityUID)
	if err != nil {
		return err
	}
	value, err := tx.Node(ctx, rel.ValueID)
	if err != nil {
		return err
	}
	refs, err := libraryitem.LoadRefs(ctx, tx, rel.ValueID, []string{EdgeInGroup, EdgeInSubGroup})
	if err != nil {
		return err
	}
	act, _ := activityMapper{}.Build(libraryitem.Record{Props: value.Props, Refs: refs})
	if !act.VO.HasGrouping(g.SubGroupUID, g.GroupUID) {
		return apperr.BusinessLogic("activity.instance_grouping",
			"Activity with UID '%s' isn't grouped under activity subgroup '%s' and activity group '%s'",
			g.ActivityUID, g.SubGroupUID, g.GroupUID)
	}
	if !act.VO.IsDataCollected {
		return apperr.BusinessLogic("activity.instance_grouping",
			"Activity with UID '%s' doesn't collect data, so instances can't be linked to it", g.ActivityUID)
	}
	return nil
}

func (s *Service) CreateInstance(ctx context.Context, author string, in InstanceInput) (*Instance, error) {
	const op = "activity.create_instance"
	var out *Instance
	err := s.runner.Write(ctx, "activityinstance.create", func(tx graph.Tx) error {
		item, err := s.newItem(ctx, tx, in.LibraryName, author)
		if err != nil {
			return err
		}
		if err := s.validateInstance(ctx, tx, op, "", in); err != nil {
			return err
		}
		if err := uniqueName(ctx, tx, s.repos.Instances, item.Library.Name, in.Name, ""); err != nil {
			return err
		}
		inst := &Instance{Item: item, VO: in.InstanceVO}
		saved, err := s.repos.Instances.SaveAndReload(ctx, tx, inst, author)
		if err != nil {
			return err
		}
		out = saved
		return nil
	})
	return out, err
}

func (s *Service) EditInstance(ctx context.Context, author, uid string, in InstanceInput) (*Instance, error) {
	const op = "activity.edit_instance"
	return s.Instances.Mutate(ctx, "edit", uid, author, func(tx graph.Tx, inst *Instance) error {
		if err := inst.CanEdit(); err != nil {
			return err
		}
		if err := s.validateInstance(ctx, tx, op, uid, in); err != nil {
			return err
		}
		if err := uniqueName(ctx, tx, s.repos.Instances, inst.Library.Name, in.Name, uid); err != nil {
			return err
		}
		changed := !inst.VO.Equal(in.InstanceVO)
		inst.VO = in.InstanceVO
		return inst.EditDraft(author, in.ChangeDescription, changed, s.repos.Instances.Now())
	})
}

// Overview is an activity with its resolved groupings and instances.
type Overview struct {
	Activity  ActivityView   `json:"activity"`
	Instances []InstanceView `json:"activity_instances"`
	// AllVersions lists every version string of the activity, newest first.
	AllVersions []string `json:"all_versions"`
}

func (s *Service) Overview(ctx context.Context, uid string, q versioning.Query) (*Overview, error) {
	a, err := s.repos.Activities.FindByUID(ctx, uid, q)
	if err != nil {
		return nil, err
	}
	if libraryitem.IsNil(a) {
		return nil, apperr.NotFound("activity.overview", "Activity with UID '%s' has no version matching the query", uid)
	}
	instances, err := s.repos.InstancesOf(ctx, uid)
	if err != nil {
		return nil, err
	}
	versions, err := s.repos.Activities.Versions(ctx, uid)
	if err != nil {
		return nil, err
	}
	out := &Overview{Activity: s.ActivityView(ctx, a)}
	for _, in := range instances {
		out.Instances = append(out.Instances, s.InstanceView(ctx, in))
	}
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i].Meta.Version.String()
		if !slices.Contains(out.AllVersions, v) {
			out.AllVersions = append(out.AllVersions, v)
		}
	}
	return out, nil
}

// LinkedGroups returns the groups a subgroup version is pinned to.
func (s *Service) LinkedGroups(ctx context.Context, subgroupUID string, q versioning.Query) ([]Pinned, error) {
	sg, err := s.repos.SubGroups.FindByUID(ctx, subgroupUID, q)
	if err != nil {
		return nil, err
	}
	if libraryitem.IsNil(sg) {
		return nil, nil
	}
	out := make([]Pinned, len(sg.Groups))
	for i, p := range sg.Groups {
		p.Name = s.repos.PinnedName(ctx, GroupKind, p)
		out[i] = p
	}
	return out, nil
}
