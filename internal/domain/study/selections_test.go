package study

import (
	"testing"

	"github.com/mdr/mdr/internal/platform/apperr"
)

func TestVisit_Validation(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	e := f.epoch(uid, "Treatment")
	f.visit(uid, e.UID, "Day 1")

	tests := []struct {
		name  string
		visit Visit
		kind  apperr.Kind
	}{
		{"missing name", Visit{EpochUID: e.UID}, apperr.KindValidation},
		{"missing epoch", Visit{Name: "Day 2"}, apperr.KindValidation},
		{"unknown epoch", Visit{Name: "Day 2", EpochUID: "StudyEpoch_999999"}, apperr.KindBusinessLogic},
		{"duplicate name", Visit{Name: "DAY 1", EpochUID: e.UID}, apperr.KindAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.visit
			if _, err := Create[Visit](f.ctx, f.svc, author, uid, &v); !apperr.Is(err, tt.kind) {
				t.Errorf("err = %v, want %s", err, tt.kind)
			}
		})
	}
}

func TestEpoch_RemovalGuardedByVisits(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	e := f.epoch(uid, "Treatment")
	v := f.visit(uid, e.UID, "Day 1")

	if err := Delete[Epoch](f.ctx, f.svc, author, uid, e.UID); !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("delete epoch with visits err = %v, want BusinessLogic", err)
	}
	if err := Delete[Visit](f.ctx, f.svc, author, uid, v.UID); err != nil {
		t.Fatalf("delete visit: %v", err)
	}
	if err := Delete[Epoch](f.ctx, f.svc, author, uid, e.UID); err != nil {
		t.Errorf("delete empty epoch: %v", err)
	}
	if err := Delete[Epoch](f.ctx, f.svc, author, uid, e.UID); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("second delete err = %v, want NotFound", err)
	}
}

func TestVisit_DefaultsShown(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	e := f.epoch(uid, "Treatment")
	v := f.visit(uid, e.UID, "Day 1")
	if !v.ShowVisit {
		t.Error("new visit is hidden, want shown")
	}
	hidden, err := Patch[Visit](f.ctx, f.svc, author, uid, v.UID, func(v *Visit) error {
		v.ShowVisit = false
		return nil
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	got, _ := Get[Visit](f.ctx, f.svc, uid, hidden.UID, "")
	if got.ShowVisit {
		t.Error("patched visit is shown, want hidden")
	}
}

func TestArms_UniquenessAndGuards(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	arm, err := Create[Arm](f.ctx, f.svc, author, uid, &Arm{Name: "Placebo", ShortName: "PBO", RandomizationGroup: "A"})
	if err != nil {
		t.Fatalf("Create arm: %v", err)
	}

	tests := []struct {
		name string
		arm  Arm
		kind apperr.Kind
	}{
		{"short name taken", Arm{Name: "Low dose", ShortName: "pbo"}, apperr.KindAlreadyExists},
		{"randomization group taken", Arm{Name: "Low dose", ShortName: "LD", RandomizationGroup: "a"}, apperr.KindAlreadyExists},
		{"negative subjects", Arm{Name: "Low dose", ShortName: "LD", NumberOfSubjects: -1}, apperr.KindValidation},
		{"missing short name", Arm{Name: "Low dose"}, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.arm
			if _, err := Create[Arm](f.ctx, f.svc, author, uid, &a); !apperr.Is(err, tt.kind) {
				t.Errorf("err = %v, want %s", err, tt.kind)
			}
		})
	}

	if _, err := Create[BranchArm](f.ctx, f.svc, author, uid, &BranchArm{ArmUID: "StudyArm_999999", Name: "B1", ShortName: "B1"}); !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("branch of unknown arm err = %v, want BusinessLogic", err)
	}
	branch, err := Create[BranchArm](f.ctx, f.svc, author, uid, &BranchArm{ArmUID: arm.UID, Name: "B1", ShortName: "B1"})
	if err != nil {
		t.Fatalf("Create branch arm: %v", err)
	}
	cohort, err := Create[Cohort](f.ctx, f.svc, author, uid, &Cohort{Name: "C1", BranchArmUIDs: []string{branch.UID}})
	if err != nil {
		t.Fatalf("Create cohort: %v", err)
	}
	if _, err := Create[Cohort](f.ctx, f.svc, author, uid, &Cohort{Name: "C2", ArmUIDs: []string{"StudyArm_999999"}}); !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("cohort of unknown arm err = %v, want BusinessLogic", err)
	}

	if err := Delete[Arm](f.ctx, f.svc, author, uid, arm.UID); !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("delete arm with branches err = %v, want BusinessLogic", err)
	}
	if err := Delete[BranchArm](f.ctx, f.svc, author, uid, branch.UID); !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("delete branch arm in cohort err = %v, want BusinessLogic", err)
	}
	for _, step := range []func() error{
		func() error { return Delete[Cohort](f.ctx, f.svc, author, uid, cohort.UID) },
		func() error { return Delete[BranchArm](f.ctx, f.svc, author, uid, branch.UID) },
		func() error { return Delete[Arm](f.ctx, f.svc, author, uid, arm.UID) },
	} {
		if err := step(); err != nil {
			t.Fatalf("delete: %v", err)
		}
	}
}

func TestCohort_PatchKeepsStoredLists(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	arm, err := Create[Arm](f.ctx, f.svc, author, uid, &Arm{Name: "Placebo", ShortName: "PBO"})
	if err != nil {
		t.Fatalf("Create arm: %v", err)
	}
	c, err := Create[Cohort](f.ctx, f.svc, author, uid, &Cohort{Name: "C1", ArmUIDs: []string{arm.UID}})
	if err != nil {
		t.Fatalf("Create cohort: %v", err)
	}
	got, err := Patch[Cohort](f.ctx, f.svc, author, uid, c.UID, func(c *Cohort) error {
		c.NumberOfSubjects = 12
		return nil
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if len(got.ArmUIDs) != 1 || got.ArmUIDs[0] != arm.UID || got.NumberOfSubjects != 12 {
		t.Errorf("cohort = %+v", got)
	}
}

func TestSchedule(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	e := f.epoch(uid, "Treatment")
	day1 := f.visit(uid, e.UID, "Day 1")
	day2 := f.visit(uid, e.UID, "Day 2")
	sa := f.studyActivity(uid, f.libActivity("Heart Rate", false, false))

	for _, v := range []*Visit{day1, day2} {
		if _, err := Create[Schedule](f.ctx, f.svc, author, uid, &Schedule{StudyActivityUID: sa.UID, StudyVisitUID: v.UID}); err != nil {
			t.Fatalf("schedule on %s: %v", v.Name, err)
		}
	}
	if _, err := Create[Schedule](f.ctx, f.svc, author, uid, &Schedule{StudyActivityUID: sa.UID, StudyVisitUID: day1.UID}); !apperr.Is(err, apperr.KindAlreadyExists) {
		t.Errorf("duplicate schedule err = %v, want AlreadyExists", err)
	}
	if _, err := Create[Schedule](f.ctx, f.svc, author, uid, &Schedule{StudyActivityUID: "StudyActivity_999999", StudyVisitUID: day1.UID}); !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("unknown study activity err = %v, want BusinessLogic", err)
	}

	if err := Delete[Visit](f.ctx, f.svc, author, uid, day1.UID); err != nil {
		t.Fatalf("delete visit: %v", err)
	}
	left, _ := List[Schedule](f.ctx, f.svc, uid, "")
	if len(left) != 1 || left[0].StudyVisitUID != day2.UID || left[0].Order != 1 {
		t.Errorf("schedules after visit removal = %+v", left)
	}
}

func TestFootnote_References(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	e := f.epoch(uid, "Treatment")

	tests := []struct {
		name string
		refs []Reference
		kind apperr.Kind
	}{
		{"unknown type", []Reference{{Type: "Banana", UID: e.UID}}, apperr.KindValidation},
		{"footnote on footnote", []Reference{{Type: FootnoteKind.Name, UID: "StudySoAFootnote_000001"}}, apperr.KindValidation},
		{"missing target", []Reference{{Type: VisitKind.Name, UID: "StudyVisit_999999"}}, apperr.KindBusinessLogic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Create[Footnote](f.ctx, f.svc, author, uid, &Footnote{Text: "note", References: tt.refs}); !apperr.Is(err, tt.kind) {
				t.Errorf("err = %v, want %s", err, tt.kind)
			}
		})
	}
	if _, err := Create[Footnote](f.ctx, f.svc, author, uid, &Footnote{}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("empty text err = %v, want Validation", err)
	}

	fn, err := Create[Footnote](f.ctx, f.svc, author, uid, &Footnote{Text: "Fasting", References: []Reference{{Type: EpochKind.Name, UID: e.UID}}})
	if err != nil {
		t.Fatalf("Create footnote: %v", err)
	}
	got, _ := Get[Footnote](f.ctx, f.svc, uid, fn.UID, "")
	if len(got.References) != 1 || got.References[0] != (Reference{Type: EpochKind.Name, UID: e.UID}) {
		t.Errorf("references = %+v", got.References)
	}
	if !got.Refers(e.UID) || got.Refers("StudyVisit_000001") {
		t.Errorf("Refers is wrong for %+v", got.References)
	}
}
