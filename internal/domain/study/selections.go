package study

import (
	"strings"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/graph"
)

func required(op, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperr.Validation(op, "%s is required", field)
	}
	return nil
}

// Epoch is a period of the study such as screening or treatment.
type Epoch struct {
	Base
	Name        string `json:"epoch_name"`
	Type        string `json:"epoch_type,omitempty"`
	Description string `json:"description,omitempty"`
}

func (*Epoch) Kind() Kind { return EpochKind }

func (e *Epoch) props() graph.Props {
	return graph.Props{"epoch_name": e.Name, "epoch_type": e.Type, "description": e.Description}
}

func (e *Epoch) load(p graph.Props) {
	e.Name, e.Type, e.Description = p.String("epoch_name"), p.String("epoch_type"), p.String("description")
}

func (e *Epoch) check(st *studyTx, _ Selection) error {
	const op = "study.epoch"
	if err := required(op, "epoch_name", e.Name); err != nil {
		return err
	}
	return st.unique(op, EpochKind, e.UID, "epoch_name", e.Name)
}

func (e *Epoch) onRemove(st *studyTx) error {
	visits, err := loadAll[Visit](st.ctx, st.tx, st.uid(), st.value.ID)
	if err != nil {
		return err
	}
	for _, v := range visits {
		if v.EpochUID == e.UID {
			return apperr.BusinessLogic("study.delete_epoch", "Study epoch '%s' has visits and can't be removed", e.UID)
		}
	}
	return nil
}

// Visit is a planned encounter within an epoch.
type Visit struct {
	Base
	EpochUID  string `json:"study_epoch_uid"`
	Name      string `json:"visit_name"`
	Type      string `json:"visit_type,omitempty"`
	StudyDay  int64  `json:"study_day"`
	ShowVisit bool   `json:"show_visit"`
}

func (*Visit) Kind() Kind { return VisitKind }

func (v *Visit) setDefaults() { v.ShowVisit = true }

func (v *Visit) props() graph.Props {
	return graph.Props{
		"study_epoch_uid": v.EpochUID,
		"visit_name":      v.Name,
		"visit_type":      v.Type,
		"study_day":       v.StudyDay,
		"show_visit":      v.ShowVisit,
	}
}

func (v *Visit) load(p graph.Props) {
	v.EpochUID, v.Name, v.Type = p.String("study_epoch_uid"), p.String("visit_name"), p.String("visit_type")
	v.StudyDay = p.Int("study_day")
	v.ShowVisit = p.Bool("show_visit")
}

func (v *Visit) check(st *studyTx, _ Selection) error {
	const op = "study.visit"
	if err := required(op, "visit_name", v.Name); err != nil {
		return err
	}
	if err := required(op, "study_epoch_uid", v.EpochUID); err != nil {
		return err
	}
	if err := st.require(op, EpochKind, v.EpochUID); err != nil {
		return err
	}
	return st.unique(op, VisitKind, v.UID, "visit_name", v.Name)
}

// onRemove drops the schedules placed on the visit.
func (v *Visit) onRemove(st *studyTx) error {
	schedules, err := loadAll[Schedule](st.ctx, st.tx, st.uid(), st.value.ID)
	if err != nil {
		return err
	}
	for _, s := range schedules {
		if s.StudyVisitUID == v.UID {
			if err := st.remove(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Arm is a treatment arm subjects are randomized to.
type Arm struct {
	Base
	Name               string `json:"arm_name"`
	ShortName          string `json:"arm_short_name"`
	Type               string `json:"arm_type,omitempty"`
	RandomizationGroup string `json:"randomization_group,omitempty"`
	NumberOfSubjects   int64  `json:"number_of_subjects"`
}

func (*Arm) Kind() Kind { return ArmKind }

func (a *Arm) props() graph.Props {
	return graph.Props{
		"arm_name":            a.Name,
		"arm_short_name":      a.ShortName,
		"arm_type":            a.Type,
		"randomization_group": a.RandomizationGroup,
		"number_of_subjects":  a.NumberOfSubjects,
	}
}

func (a *Arm) load(p graph.Props) {
	a.Name, a.ShortName, a.Type = p.String("arm_name"), p.String("arm_short_name"), p.String("arm_type")
	a.RandomizationGroup = p.String("randomization_group")
	a.NumberOfSubjects = p.Int("number_of_subjects")
}

func (a *Arm) check(st *studyTx, _ Selection) error {
	const op = "study.arm"
	if err := required(op, "arm_name", a.Name); err != nil {
		return err
	}
	if err := required(op, "arm_short_name", a.ShortName); err != nil {
		return err
	}
	if a.NumberOfSubjects < 0 {
		return apperr.Validation(op, "number_of_subjects can't be negative")
	}
	for prop, value := range map[string]string{
		"arm_name":            a.Name,
		"arm_short_name":      a.ShortName,
		"randomization_group": a.RandomizationGroup,
	} {
		if err := st.unique(op, ArmKind, a.UID, prop, value); err != nil {
			return err
		}
	}
	return nil
}

func (a *Arm) onRemove(st *studyTx) error {
	const op = "study.delete_arm"
	branches, err := loadAll[BranchArm](st.ctx, st.tx, st.uid(), st.value.ID)
	if err != nil {
		return err
	}
	for _, b := range branches {
		if b.ArmUID == a.UID {
			return apperr.BusinessLogic(op, "Study arm '%s' has branch arms and can't be removed", a.UID)
		}
	}
	cohorts, err := loadAll[Cohort](st.ctx, st.tx, st.uid(), st.value.ID)
	if err != nil {
		return err
	}
	for _, c := range cohorts {
		for _, uid := range c.ArmUIDs {
			if uid == a.UID {
				return apperr.BusinessLogic(op, "Study arm '%s' is used by cohort '%s'", a.UID, c.UID)
			}
		}
	}
	return nil
}

// BranchArm subdivides an arm.
type BranchArm struct {
	Base
	ArmUID             string `json:"arm_uid"`
	Name               string `json:"branch_arm_name"`
	ShortName          string `json:"branch_arm_short_name"`
	RandomizationGroup string `json:"randomization_group,omitempty"`
	NumberOfSubjects   int64  `json:"number_of_subjects"`
}

func (*BranchArm) Kind() Kind { return BranchArmKind }

func (b *BranchArm) props() graph.Props {
	return graph.Props{
		"arm_uid":               b.ArmUID,
		"branch_arm_name":       b.Name,
		"branch_arm_short_name": b.ShortName,
		"randomization_group":   b.RandomizationGroup,
		"number_of_subjects":    b.NumberOfSubjects,
	}
}

func (b *BranchArm) load(p graph.Props) {
	b.ArmUID, b.Name, b.ShortName = p.String("arm_uid"), p.String("branch_arm_name"), p.String("branch_arm_short_name")
	b.RandomizationGroup = p.String("randomization_group")
	b.NumberOfSubjects = p.Int("number_of_subjects")
}

func (b *BranchArm) check(st *studyTx, _ Selection) error {
	const op = "study.branch_arm"
	if err := required(op, "branch_arm_name", b.Name); err != nil {
		return err
	}
	if err := required(op, "arm_uid", b.ArmUID); err != nil {
		return err
	}
	if err := st.require(op, ArmKind, b.ArmUID); err != nil {
		return err
	}
	if err := st.unique(op, BranchArmKind, b.UID, "branch_arm_name", b.Name); err != nil {
		return err
	}
	return st.unique(op, BranchArmKind, b.UID, "branch_arm_short_name", b.ShortName)
}

func (b *BranchArm) onRemove(st *studyTx) error {
	cohorts, err := loadAll[Cohort](st.ctx, st.tx, st.uid(), st.value.ID)
	if err != nil {
		return err
	}
	for _, c := range cohorts {
		for _, uid := range c.BranchArmUIDs {
			if uid == b.UID {
				return apperr.BusinessLogic("study.delete_branch_arm", "Study branch arm '%s' is used by cohort '%s'", b.UID, c.UID)
			}
		}
	}
	return nil
}

// Cohort groups subjects across arms or branch arms.
type Cohort struct {
	Base
	Name             string   `json:"cohort_name"`
	ShortName        string   `json:"cohort_short_name,omitempty"`
	Description      string   `json:"description,omitempty"`
	ArmUIDs          []string `json:"arm_uids,omitempty"`
	BranchArmUIDs    []string `json:"branch_arm_uids,omitempty"`
	NumberOfSubjects int64    `json:"number_of_subjects"`
}

func (*Cohort) Kind() Kind { return CohortKind }

func (c *Cohort) props() graph.Props {
	return graph.Props{
		"cohort_name":        c.Name,
		"cohort_short_name":  c.ShortName,
		"description":        c.Description,
		"arm_uids":           append([]string{}, c.ArmUIDs...),
		"branch_arm_uids":    append([]string{}, c.BranchArmUIDs...),
		"number_of_subjects": c.NumberOfSubjects,
	}
}

func (c *Cohort) load(p graph.Props) {
	c.Name, c.ShortName, c.Description = p.String("cohort_name"), p.String("cohort_short_name"), p.String("description")
	c.ArmUIDs, c.BranchArmUIDs = p.Strings("arm_uids"), p.Strings("branch_arm_uids")
	c.NumberOfSubjects = p.Int("number_of_subjects")
}

func (c *Cohort) check(st *studyTx, _ Selection) error {
	const op = "study.cohort"
	if err := required(op, "cohort_name", c.Name); err != nil {
		return err
	}
	for _, uid := range c.ArmUIDs {
		if err := st.require(op, ArmKind, uid); err != nil {
			return err
		}
	}
	for _, uid := range c.BranchArmUIDs {
		if err := st.require(op, BranchArmKind, uid); err != nil {
			return err
		}
	}
	return st.unique(op, CohortKind, c.UID, "cohort_name", c.Name)
}

// Schedule places a study activity on a visit.
type Schedule struct {
	Base
	StudyActivityUID string `json:"study_activity_uid"`
	StudyVisitUID    string `json:"study_visit_uid"`
}

func (*Schedule) Kind() Kind { return ScheduleKind }

func (s *Schedule) props() graph.Props {
	return graph.Props{"study_activity_uid": s.StudyActivityUID, "study_visit_uid": s.StudyVisitUID}
}

func (s *Schedule) load(p graph.Props) {
	s.StudyActivityUID, s.StudyVisitUID = p.String("study_activity_uid"), p.String("study_visit_uid")
}

func (s *Schedule) check(st *studyTx, _ Selection) error {
	const op = "study.schedule"
	if err := st.require(op, ActivityKind, s.StudyActivityUID); err != nil {
		return err
	}
	if err := st.require(op, VisitKind, s.StudyVisitUID); err != nil {
		return err
	}
	others, err := loadAll[Schedule](st.ctx, st.tx, st.uid(), st.value.ID)
	if err != nil {
		return err
	}
	for _, o := range others {
		if o.UID != s.UID && o.StudyActivityUID == s.StudyActivityUID && o.StudyVisitUID == s.StudyVisitUID {
			return apperr.AlreadyExists(op, "Study activity '%s' is already scheduled on visit '%s'", s.StudyActivityUID, s.StudyVisitUID)
		}
	}
	return nil
}

// Reference points a footnote at a selection of the study.
type Reference struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
}

// Footnote is a SoA footnote attached to rows, columns or cells.
type Footnote struct {
	Base
	Text       string      `json:"footnote_text"`
	References []Reference `json:"referenced_items"`
}

func (*Footnote) Kind() Kind { return FootnoteKind }

func (f *Footnote) props() graph.Props {
	refs := make([]string, len(f.References))
	for i, r := range f.References {
		refs[i] = r.Type + ":" + r.UID
	}
	return graph.Props{"footnote_text": f.Text, "referenced_items": refs}
}

func (f *Footnote) load(p graph.Props) {
	f.Text = p.String("footnote_text")
	f.References = nil
	for _, s := range p.Strings("referenced_items") {
		typ, uid, _ := strings.Cut(s, ":")
		f.References = append(f.References, Reference{Type: typ, UID: uid})
	}
}

func (f *Footnote) check(st *studyTx, _ Selection) error {
	const op = "study.footnote"
	if err := required(op, "footnote_text", f.Text); err != nil {
		return err
	}
	for _, r := range f.References {
		k, ok := kindByName(r.Type)
		if !ok || k == FootnoteKind {
			return apperr.Validation(op, "footnotes can't reference items of type '%s'", r.Type)
		}
		if err := st.require(op, k, r.UID); err != nil {
			return err
		}
	}
	return nil
}

// Refers reports whether the footnote references the selection uid.
func (f *Footnote) Refers(uid string) bool {
	for _, r := range f.References {
		if r.UID == uid {
			return true
		}
	}
	return false
}
