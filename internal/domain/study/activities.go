package study

import (
	"context"
	"slices"

	"github.com/mdr/mdr/internal/domain/activity"
	"github.com/mdr/mdr/internal/domain/ct"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// Activity selects a library activity into the study, pinned at the
// version that was current when it was selected. Group, subgroup and SoA
// group names are resolved on every read.
type Activity struct {
	Base
	ActivityUID     string `json:"activity_uid"`
	ActivityVersion string `json:"activity_version"`
	SubGroupUID     string `json:"activity_subgroup_uid,omitempty"`
	GroupUID        string `json:"activity_group_uid,omitempty"`
	SoAGroupTermUID string `json:"soa_group_term_uid"`
	ShowActivity    bool   `json:"show_activity_in_protocol_flowchart"`
	ShowSubGroup    bool   `json:"show_activity_subgroup_in_protocol_flowchart"`
	ShowGroup       bool   `json:"show_activity_group_in_protocol_flowchart"`
	ShowSoAGroup    bool   `json:"show_soa_group_in_protocol_flowchart"`

	ActivityName          string `json:"activity_name,omitempty"`
	SubGroupName          string `json:"activity_subgroup_name,omitempty"`
	GroupName             string `json:"activity_group_name,omitempty"`
	SoAGroupName          string `json:"soa_group_term_name,omitempty"`
	LatestActivityVersion string `json:"latest_activity_version,omitempty"`
	IsStale               bool   `json:"is_activity_stale"`

	sync bool
}

func (*Activity) Kind() Kind { return ActivityKind }

func (a *Activity) setDefaults() {
	a.ShowActivity, a.ShowSubGroup, a.ShowGroup, a.ShowSoAGroup = true, true, true, true
}

func (a *Activity) props() graph.Props {
	return graph.Props{
		"activity_uid":           a.ActivityUID,
		"activity_version":       a.ActivityVersion,
		"activity_subgroup_uid":  a.SubGroupUID,
		"activity_group_uid":     a.GroupUID,
		"soa_group_term_uid":     a.SoAGroupTermUID,
		"show_activity":          a.ShowActivity,
		"show_activity_subgroup": a.ShowSubGroup,
		"show_activity_group":    a.ShowGroup,
		"show_soa_group":         a.ShowSoAGroup,
	}
}

func (a *Activity) load(p graph.Props) {
	a.ActivityUID, a.ActivityVersion = p.String("activity_uid"), p.String("activity_version")
	a.SubGroupUID, a.GroupUID = p.String("activity_subgroup_uid"), p.String("activity_group_uid")
	a.SoAGroupTermUID = p.String("soa_group_term_uid")
	a.ShowActivity, a.ShowSubGroup = p.Bool("show_activity"), p.Bool("show_activity_subgroup")
	a.ShowGroup, a.ShowSoAGroup = p.Bool("show_activity_group"), p.Bool("show_soa_group")
}

// selectable returns the version of uid a study may pin: the highest Final
// one, or the highest Retired one when the entity was never approved again.
func selectable(ctx context.Context, r graph.Reader, kind versioning.Kind, uid string) (*versioning.Relationship, error) {
	root, err := kind.LookupRoot(ctx, r, uid)
	if err != nil {
		return nil, err
	}
	if root != nil && !versioning.IsDeleted(root) {
		rels, err := kind.Relationships(ctx, r, root.ID)
		if err != nil {
			return nil, err
		}
		if rel := versioning.HighestWithStatus(rels, versioning.Final); rel != nil {
			return rel, nil
		}
		if rel := versioning.HighestWithStatus(rels, versioning.Retired); rel != nil {
			return rel, nil
		}
	}
	return nil, apperr.BusinessLogic("study.select", "tried to connect to non-existent or non-final %s with UID '%s'", kind.Name, uid)
}

func (a *Activity) check(st *studyTx, old Selection) error {
	const op = "study.activity"
	if err := required(op, "activity_uid", a.ActivityUID); err != nil {
		return err
	}
	if err := required(op, "soa_group_term_uid", a.SoAGroupTermUID); err != nil {
		return err
	}
	prev, _ := old.(*Activity)
	if prev == nil || prev.ActivityUID != a.ActivityUID || a.sync {
		rel, err := selectable(st.ctx, st.tx, activity.ActivityKind, a.ActivityUID)
		if err != nil {
			return err
		}
		a.ActivityVersion = rel.Version.String()
	} else {
		a.ActivityVersion = prev.ActivityVersion
	}
	v, err := versioning.ParseVersion(a.ActivityVersion)
	if err != nil {
		return err
	}
	act, err := st.svc.activities.Activities.Get(st.ctx, st.tx, a.ActivityUID, versioning.Query{Version: &v})
	if err != nil {
		return err
	}
	if act == nil {
		return apperr.BusinessLogic(op, "Activity '%s' has no version %s", a.ActivityUID, a.ActivityVersion)
	}
	if a.SubGroupUID != "" || a.GroupUID != "" || len(act.VO.Groupings) > 0 {
		if !act.VO.HasGrouping(a.SubGroupUID, a.GroupUID) {
			return apperr.BusinessLogic(op, "Activity '%s' version %s is not grouped under subgroup '%s' in group '%s'",
				a.ActivityUID, a.ActivityVersion, a.SubGroupUID, a.GroupUID)
		}
	}
	term, err := ct.TermRootKind.LookupRoot(st.ctx, st.tx, a.SoAGroupTermUID)
	if err != nil {
		return err
	}
	if term == nil {
		return apperr.BusinessLogic(op, "CT term with UID '%s' doesn't exist", a.SoAGroupTermUID)
	}

	others, err := loadAll[Activity](st.ctx, st.tx, st.uid(), st.value.ID)
	if err != nil {
		return err
	}
	for _, o := range others {
		if o.UID == a.UID || o.ActivityUID != a.ActivityUID {
			continue
		}
		if o.SubGroupUID == a.SubGroupUID && o.GroupUID == a.GroupUID && o.SoAGroupTermUID == a.SoAGroupTermUID {
			return apperr.AlreadyExists(op, "Activity '%s' is already selected in this grouping by '%s'", a.ActivityUID, o.UID)
		}
		if !act.VO.IsMultipleSelectionAllowed {
			return apperr.AlreadyExists(op, "Activity '%s' doesn't allow multiple selections and is already selected by '%s'", a.ActivityUID, o.UID)
		}
	}
	return nil
}

// onRemove drops the instances and schedules of the study activity.
func (a *Activity) onRemove(st *studyTx) error {
	instances, err := loadAll[ActivityInstance](st.ctx, st.tx, st.uid(), st.value.ID)
	if err != nil {
		return err
	}
	for _, in := range instances {
		if in.StudyActivityUID == a.UID {
			if err := st.remove(in); err != nil {
				return err
			}
		}
	}
	schedules, err := loadAll[Schedule](st.ctx, st.tx, st.uid(), st.value.ID)
	if err != nil {
		return err
	}
	for _, s := range schedules {
		if s.StudyActivityUID == a.UID {
			if err := st.remove(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolve fills the names and the staleness of the pinned activity.
func (a *Activity) resolve(ctx context.Context, r graph.Reader) error {
	v, err := versioning.ParseVersion(a.ActivityVersion)
	if err != nil {
		return err
	}
	if a.ActivityName, err = valueName(ctx, r, activity.ActivityKind, a.ActivityUID, versioning.Query{Version: &v}); err != nil {
		return err
	}
	if a.SubGroupName, err = finalName(ctx, r, activity.SubGroupKind, a.SubGroupUID); err != nil {
		return err
	}
	if a.GroupName, err = finalName(ctx, r, activity.GroupKind, a.GroupUID); err != nil {
		return err
	}
	if a.SoAGroupName, err = valueName(ctx, r, ct.TermNameKind, a.SoAGroupTermUID, versioning.Query{}); err != nil {
		return err
	}
	latest, err := selectable(ctx, r, activity.ActivityKind, a.ActivityUID)
	if apperr.Is(err, apperr.KindBusinessLogic) {
		return nil
	}
	if err != nil {
		return err
	}
	a.LatestActivityVersion = latest.Version.String()
	a.IsStale = latest.Version != v
	return nil
}

// valueName reads the name of the value q selects, empty when there is none.
func valueName(ctx context.Context, r graph.Reader, kind versioning.Kind, uid string, q versioning.Query) (string, error) {
	if uid == "" {
		return "", nil
	}
	snap, err := kind.ValueAt(ctx, r, uid, q)
	if apperr.Is(err, apperr.KindNotFound) || (err == nil && snap == nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return snap.Value.Props.String("name"), nil
}

// finalName reads the name of the selectable version of uid.
func finalName(ctx context.Context, r graph.Reader, kind versioning.Kind, uid string) (string, error) {
	if uid == "" {
		return "", nil
	}
	rel, err := selectable(ctx, r, kind, uid)
	if apperr.Is(err, apperr.KindBusinessLogic) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	n, err := r.Node(ctx, rel.ValueID)
	if err != nil {
		return "", err
	}
	return n.Props.String("name"), nil
}

// ActivityInstance selects an instance of a study activity's activity. An
// empty instance uid is a placeholder to be filled in later.
type ActivityInstance struct {
	Base
	StudyActivityUID string `json:"study_activity_uid"`
	InstanceUID      string `json:"activity_instance_uid,omitempty"`
	InstanceVersion  string `json:"activity_instance_version,omitempty"`
	ShowInstance     bool   `json:"show_activity_instance_in_protocol_flowchart"`

	InstanceName          string `json:"activity_instance_name,omitempty"`
	LatestInstanceVersion string `json:"latest_activity_instance_version,omitempty"`
	IsStale               bool   `json:"is_activity_instance_stale"`

	sync bool
}

func (*ActivityInstance) Kind() Kind { return ActivityInstanceKind }

func (i *ActivityInstance) setDefaults() { i.ShowInstance = true }

func (i *ActivityInstance) props() graph.Props {
	return graph.Props{
		"study_activity_uid":        i.StudyActivityUID,
		"activity_instance_uid":     i.InstanceUID,
		"activity_instance_version": i.InstanceVersion,
		"show_activity_instance":    i.ShowInstance,
	}
}

func (i *ActivityInstance) load(p graph.Props) {
	i.StudyActivityUID = p.String("study_activity_uid")
	i.InstanceUID, i.InstanceVersion = p.String("activity_instance_uid"), p.String("activity_instance_version")
	i.ShowInstance = p.Bool("show_activity_instance")
}

func (i *ActivityInstance) check(st *studyTx, old Selection) error {
	const op = "study.activity_instance"
	if err := required(op, "study_activity_uid", i.StudyActivityUID); err != nil {
		return err
	}
	sa, err := findIn[Activity](st.ctx, st.tx, st.uid(), st.value.ID, i.StudyActivityUID)
	if apperr.Is(err, apperr.KindNotFound) {
		return apperr.BusinessLogic(op, "Study activity with UID '%s' doesn't exist in study '%s'", i.StudyActivityUID, st.uid())
	}
	if err != nil {
		return err
	}

	if i.InstanceUID == "" {
		i.InstanceVersion = ""
	} else {
		prev, _ := old.(*ActivityInstance)
		if prev == nil || prev.InstanceUID != i.InstanceUID || i.sync {
			rel, err := selectable(st.ctx, st.tx, activity.InstanceKind, i.InstanceUID)
			if err != nil {
				return err
			}
			i.InstanceVersion = rel.Version.String()
		} else {
			i.InstanceVersion = prev.InstanceVersion
		}
		v, err := versioning.ParseVersion(i.InstanceVersion)
		if err != nil {
			return err
		}
		inst, err := st.svc.activities.Instances.Get(st.ctx, st.tx, i.InstanceUID, versioning.Query{Version: &v})
		if err != nil {
			return err
		}
		want := activity.InstanceGrouping{ActivityUID: sa.ActivityUID, SubGroupUID: sa.SubGroupUID, GroupUID: sa.GroupUID}
		if inst == nil || !slices.Contains(inst.VO.Groupings, want) {
			return apperr.BusinessLogic(op, "Activity instance '%s' is not linked to activity '%s' in subgroup '%s' and group '%s'",
				i.InstanceUID, sa.ActivityUID, sa.SubGroupUID, sa.GroupUID)
		}
	}

	others, err := loadAll[ActivityInstance](st.ctx, st.tx, st.uid(), st.value.ID)
	if err != nil {
		return err
	}
	for _, o := range others {
		if i.InstanceUID != "" && o.UID != i.UID && o.StudyActivityUID == i.StudyActivityUID && o.InstanceUID == i.InstanceUID {
			return apperr.AlreadyExists(op, "Activity instance '%s' is already selected for study activity '%s'", i.InstanceUID, i.StudyActivityUID)
		}
	}
	return nil
}

func (i *ActivityInstance) resolve(ctx context.Context, r graph.Reader) error {
	if i.InstanceUID == "" {
		return nil
	}
	v, err := versioning.ParseVersion(i.InstanceVersion)
	if err != nil {
		return err
	}
	if i.InstanceName, err = valueName(ctx, r, activity.InstanceKind, i.InstanceUID, versioning.Query{Version: &v}); err != nil {
		return err
	}
	latest, err := selectable(ctx, r, activity.InstanceKind, i.InstanceUID)
	if apperr.Is(err, apperr.KindBusinessLogic) {
		return nil
	}
	if err != nil {
		return err
	}
	i.LatestInstanceVersion = latest.Version.String()
	i.IsStale = latest.Version != v
	return nil
}

// resolver is implemented by selections that carry names read from the
// library.
type resolver interface {
	resolve(ctx context.Context, r graph.Reader) error
}

// syncer is implemented by selections that can be re-pinned to the latest
// selectable library version.
type syncer interface {
	Selection
	markSync()
}

func (a *Activity) markSync()         { a.sync = true }
func (i *ActivityInstance) markSync() { i.sync = true }
