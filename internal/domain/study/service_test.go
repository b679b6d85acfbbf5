package study

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/domain/activity"
	"github.com/mdr/mdr/internal/domain/ct"
	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/cache"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

const author = "author-1"

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *graph.MemoryStore
	acts  *activity.Service
	terms *ct.Service
	svc   *Service
	snaps *recordingSnapshotter

	group, subgroup, soaGroup string
}

type recordingSnapshotter struct {
	versions []string
}

func (r *recordingSnapshotter) Snapshot(_ context.Context, _, version string) error {
	r.versions = append(r.versions, version)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := graph.NewMemoryStore()
	c := cache.NewMemory(0)
	cache.Attach(store, c, nil, zerolog.Nop())
	clock := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	if err := store.Update(ctx, func(tx graph.Tx) error {
		_, err := versioning.EnsureLibrary(ctx, tx, "Sponsor", true)
		return err
	}); err != nil {
		t.Fatalf("library: %v", err)
	}
	runner := libraryitem.NewRunner(store, nil, zerolog.Nop())
	actRepos := activity.NewRepos(store, c, nil, now)
	f := &fixture{
		t:     t,
		ctx:   ctx,
		store: store,
		acts:  activity.NewService(actRepos, runner, nil, zerolog.Nop()),
		terms: ct.NewService(ct.NewRepos(store, c, nil, now), runner, nil, zerolog.Nop()),
		svc:   NewService(runner, actRepos, nil, now, zerolog.Nop()),
		snaps: &recordingSnapshotter{},
	}
	f.svc.SetSnapshotter(f.snaps)

	g, err := f.acts.CreateGroup(ctx, author, activity.GroupInput{Concept: concept("Vital Signs"), LibraryName: "Sponsor"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := f.acts.Groups.Approve(ctx, g.UID, author); err != nil {
		t.Fatalf("approve group: %v", err)
	}
	f.group = g.UID
	f.subgroup = f.libSubGroup("Vitals")

	f.soaGroup = f.term("Subject related", "SUBJECT RELATED")
	return f
}

func (f *fixture) term(name, code string) string {
	f.t.Helper()
	term, err := f.terms.CreateTerm(f.ctx, author, ct.TermInput{
		TermAttributesVO:                 ct.TermAttributesVO{CodeSubmissionValue: code},
		SponsorPreferredName:             name,
		SponsorPreferredNameSentenceCase: strings.ToLower(name),
		LibraryName:                      "Sponsor",
	})
	if err != nil {
		f.t.Fatalf("CreateTerm: %v", err)
	}
	return term.TermUID
}

func concept(name string) activity.Concept {
	return activity.Concept{Name: name, NameSentenceCase: strings.ToLower(name)}
}

func (f *fixture) libSubGroup(name string) string {
	f.t.Helper()
	sg, err := f.acts.CreateSubGroup(f.ctx, author, activity.SubGroupInput{
		SubGroupVO:  activity.SubGroupVO{Concept: concept(name), GroupUIDs: []string{f.group}},
		LibraryName: "Sponsor",
	})
	if err != nil {
		f.t.Fatalf("CreateSubGroup: %v", err)
	}
	if _, err := f.acts.SubGroups.Approve(f.ctx, sg.UID, author); err != nil {
		f.t.Fatalf("approve subgroup: %v", err)
	}
	return sg.UID
}

// libActivity creates a library activity in the fixture's grouping,
// approved unless draft is set.
func (f *fixture) libActivity(name string, multiple, draft bool) string {
	f.t.Helper()
	a, err := f.acts.CreateActivity(f.ctx, author, activity.ActivityInput{
		ActivityVO: activity.ActivityVO{
			Concept:                    concept(name),
			IsDataCollected:            true,
			IsMultipleSelectionAllowed: multiple,
			Groupings:                  []activity.Grouping{{SubGroupUID: f.subgroup, GroupUID: f.group}},
		},
		LibraryName: "Sponsor",
	})
	if err != nil {
		f.t.Fatalf("CreateActivity: %v", err)
	}
	if !draft {
		if _, err := f.acts.Activities.Approve(f.ctx, a.UID, author); err != nil {
			f.t.Fatalf("approve activity: %v", err)
		}
	}
	return a.UID
}

func (f *fixture) libInstance(name, activityUID string) string {
	f.t.Helper()
	in, err := f.acts.CreateInstance(f.ctx, author, activity.InstanceInput{
		InstanceVO: activity.InstanceVO{
			Concept:   concept(name),
			Groupings: []activity.InstanceGrouping{{ActivityUID: activityUID, SubGroupUID: f.subgroup, GroupUID: f.group}},
		},
		LibraryName: "Sponsor",
	})
	if err != nil {
		f.t.Fatalf("CreateInstance: %v", err)
	}
	if _, err := f.acts.Instances.Approve(f.ctx, in.UID, author); err != nil {
		f.t.Fatalf("approve instance: %v", err)
	}
	return in.UID
}

func (f *fixture) study(acronym string) string {
	f.t.Helper()
	st, err := f.svc.Create(f.ctx, author, Input{StudyAcronym: acronym, ProjectNumber: "P1"})
	if err != nil {
		f.t.Fatalf("Create study: %v", err)
	}
	return st.UID
}

func (f *fixture) epoch(studyUID, name string) *Epoch {
	f.t.Helper()
	e, err := Create[Epoch](f.ctx, f.svc, author, studyUID, &Epoch{Name: name})
	if err != nil {
		f.t.Fatalf("Create epoch %s: %v", name, err)
	}
	return e
}

func (f *fixture) visit(studyUID, epochUID, name string) *Visit {
	f.t.Helper()
	v := New[Visit]()
	v.EpochUID, v.Name = epochUID, name
	out, err := Create[Visit](f.ctx, f.svc, author, studyUID, v)
	if err != nil {
		f.t.Fatalf("Create visit %s: %v", name, err)
	}
	return out
}

func (f *fixture) studyActivity(studyUID, activityUID string) *Activity {
	f.t.Helper()
	out, err := Create[Activity](f.ctx, f.svc, author, studyUID, f.activitySel(activityUID))
	if err != nil {
		f.t.Fatalf("Create study activity: %v", err)
	}
	return out
}

func (f *fixture) activitySel(activityUID string) *Activity {
	a := New[Activity]()
	a.ActivityUID, a.SubGroupUID, a.GroupUID, a.SoAGroupTermUID = activityUID, f.subgroup, f.group, f.soaGroup
	return a
}

func names[P any](sels []P, name func(P) string) string {
	out := make([]string, len(sels))
	for i, s := range sels {
		out[i] = name(s)
	}
	return strings.Join(out, ",")
}

func epochNames(es []*Epoch) string {
	return names(es, func(e *Epoch) string { return e.Name })
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	st, err := f.svc.Create(f.ctx, author, Input{StudyNumber: "001", StudyAcronym: "ALPHA", ProjectNumber: "P1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if st.UID != "Study_000001" || st.StudyID != "P1-001" || st.Status != StatusDraft {
		t.Errorf("study = %+v", st)
	}
	if got := strings.Join(st.PossibleActions, ","); got != "edit,lock,release,delete" {
		t.Errorf("possible actions = %s", got)
	}

	tests := []struct {
		name string
		in   Input
		kind apperr.Kind
	}{
		{"missing project", Input{StudyNumber: "002"}, apperr.KindValidation},
		{"no number or acronym", Input{ProjectNumber: "P1"}, apperr.KindValidation},
		{"number taken in project", Input{StudyNumber: "001", ProjectNumber: "P1"}, apperr.KindAlreadyExists},
		{"acronym taken", Input{StudyAcronym: "alpha", ProjectNumber: "P2"}, apperr.KindAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Create(f.ctx, author, tt.in); !apperr.Is(err, tt.kind) {
				t.Errorf("err = %v, want %s", err, tt.kind)
			}
		})
	}

	if _, err := f.svc.Create(f.ctx, author, Input{StudyNumber: "001", ProjectNumber: "P2"}); err != nil {
		t.Errorf("same number in another project: %v", err)
	}
}

func TestLockReleaseUnlock_Versions(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")

	steps := []struct {
		name string
		run  func() (*Study, error)
		want string
	}{
		{"release", func() (*Study, error) { return f.svc.Release(f.ctx, author, uid, "first release") }, "0.1"},
		{"lock", func() (*Study, error) { return f.svc.Lock(f.ctx, author, uid, "protocol v1") }, "1.0"},
		{"unlock", func() (*Study, error) { return f.svc.Unlock(f.ctx, author, uid) }, ""},
		{"release", func() (*Study, error) { return f.svc.Release(f.ctx, author, uid, "amendment draft") }, "1.1"},
		{"lock", func() (*Study, error) { return f.svc.Lock(f.ctx, author, uid, "protocol v2") }, "2.0"},
	}
	for _, s := range steps {
		st, err := s.run()
		if err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if s.name == "lock" && (st.Status != StatusLocked || st.Version != s.want) {
			t.Errorf("after lock status %s version %q, want LOCKED %s", st.Status, st.Version, s.want)
		}
		if s.name != "lock" && st.Status != StatusDraft {
			t.Errorf("after %s status = %s, want DRAFT", s.name, st.Status)
		}
	}

	st, err := f.svc.Get(f.ctx, uid, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var got []string
	for _, v := range st.Versions {
		got = append(got, string(v.Status)+" "+v.Version)
	}
	want := "RELEASED 0.1,LOCKED 1.0,RELEASED 1.1,LOCKED 2.0"
	if strings.Join(got, ",") != want {
		t.Errorf("versions = %v, want %s", got, want)
	}
	if strings.Join(st.PossibleActions, ",") != "unlock" {
		t.Errorf("locked actions = %v", st.PossibleActions)
	}
	if strings.Join(f.snaps.versions, ",") != "0.1,1.0,1.1,2.0" {
		t.Errorf("snapshots = %v", f.snaps.versions)
	}

	old, err := f.svc.Get(f.ctx, uid, "1.1")
	if err != nil {
		t.Fatalf("Get 1.1: %v", err)
	}
	if old.Status != StatusReleased || len(old.PossibleActions) != 0 {
		t.Errorf("1.1 = %s %v, want RELEASED with no actions", old.Status, old.PossibleActions)
	}
	if _, err := f.svc.Get(f.ctx, uid, "9.0"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("unknown version err = %v, want NotFound", err)
	}
}

func TestLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	var got []string
	f.svc.OnEvent(func(_ context.Context, ev Event) {
		if ev.StudyUID != uid || ev.AuthorID != author {
			t.Errorf("event %+v, want study %s by %s", ev, uid, author)
		}
		got = append(got, ev.Type+" "+ev.Version)
	})

	if _, err := f.svc.Release(f.ctx, author, uid, "first release"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := f.svc.Lock(f.ctx, author, uid, ""); err == nil {
		t.Fatal("Lock without change description succeeded")
	}
	if _, err := f.svc.Lock(f.ctx, author, uid, "protocol v1"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := f.svc.Unlock(f.ctx, author, uid); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	want := "study.released 0.1,study.locked 1.0,study.unlocked "
	if strings.Join(got, ",") != want {
		t.Errorf("events = %q, want %q", strings.Join(got, ","), want)
	}
}

func TestLockedStudyRejectsWrites(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")

	if _, err := f.svc.Lock(f.ctx, author, uid, " "); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("lock without description err = %v, want Validation", err)
	}
	if _, err := f.svc.Unlock(f.ctx, author, uid); !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("unlock draft err = %v, want BusinessLogic", err)
	}
	if _, err := f.svc.Lock(f.ctx, author, uid, "v1"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	checks := map[string]error{}
	_, checks["create epoch"] = Create[Epoch](f.ctx, f.svc, author, uid, &Epoch{Name: "Screening"})
	_, checks["edit"] = f.svc.Edit(f.ctx, author, uid, Input{StudyAcronym: "BETA", ProjectNumber: "P1"})
	_, checks["lock again"] = f.svc.Lock(f.ctx, author, uid, "v2")
	_, checks["release"] = f.svc.Release(f.ctx, author, uid, "r")
	checks["delete"] = f.svc.Delete(f.ctx, author, uid)
	for name, err := range checks {
		if !apperr.Is(err, apperr.KindBusinessLogic) {
			t.Errorf("%s err = %v, want BusinessLogic", name, err)
		}
	}

	if _, err := f.svc.Unlock(f.ctx, author, uid); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	f.epoch(uid, "Screening")
}

func TestEdit(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	f.study("BETA")

	if _, err := f.svc.Edit(f.ctx, author, uid, Input{StudyAcronym: "beta", ProjectNumber: "P1"}); !apperr.Is(err, apperr.KindAlreadyExists) {
		t.Errorf("taken acronym err = %v, want AlreadyExists", err)
	}
	if _, err := f.svc.Edit(f.ctx, author, uid, Input{StudyAcronym: "ALPHA", ProjectNumber: "P1"}); err != nil {
		t.Fatalf("unchanged Edit: %v", err)
	}
	st, err := f.svc.Edit(f.ctx, author, uid, Input{StudyAcronym: "ALPHA", ProjectNumber: "P1", Description: "phase 2"})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if st.Description != "phase 2" {
		t.Errorf("description = %q", st.Description)
	}

	trail, err := f.svc.AuditTrail(f.ctx, uid, "Study")
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(trail) != 2 || trail[0].ChangeType != versioning.ActionEdit || trail[1].ChangeType != versioning.ActionCreate {
		t.Fatalf("trail = %+v, want Edit then Create", trail)
	}
	if trail[0].Before["description"] != "" || trail[0].After["description"] != "phase 2" {
		t.Errorf("edit entry = %v -> %v", trail[0].Before, trail[0].After)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	released := f.study("BETA")
	if _, err := f.svc.Release(f.ctx, author, released, "r"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := f.svc.Delete(f.ctx, author, released); !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("delete released err = %v, want BusinessLogic", err)
	}

	if err := f.svc.Delete(f.ctx, author, uid); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.svc.Get(f.ctx, uid, ""); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Get deleted err = %v, want NotFound", err)
	}
	list, _ := f.svc.List(f.ctx, false)
	if len(list) != 1 || list[0].UID != released {
		t.Errorf("list = %+v, want only %s", list, released)
	}
	list, _ = f.svc.List(f.ctx, true)
	if len(list) != 2 || !list[0].Deleted {
		t.Errorf("list with deleted = %+v", list)
	}
	if _, err := f.svc.Create(f.ctx, author, Input{StudyAcronym: "ALPHA", ProjectNumber: "P1"}); err != nil {
		t.Errorf("reusing a deleted acronym: %v", err)
	}
}

func TestLockedVersionKeepsSelections(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	screening := f.epoch(uid, "Screening")
	if _, err := f.svc.Lock(f.ctx, author, uid, "v1"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := f.svc.Unlock(f.ctx, author, uid); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	f.epoch(uid, "Treatment")
	_, err := Patch[Epoch](f.ctx, f.svc, author, uid, screening.UID, func(e *Epoch) error {
		e.Name = "Run-in"
		return nil
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	v1, err := List[Epoch](f.ctx, f.svc, uid, "1.0")
	if err != nil {
		t.Fatalf("List 1.0: %v", err)
	}
	if got := epochNames(v1); got != "Screening" {
		t.Errorf("1.0 epochs = %s, want Screening", got)
	}
	cur, _ := List[Epoch](f.ctx, f.svc, uid, "")
	if got := epochNames(cur); got != "Run-in,Treatment" {
		t.Errorf("current epochs = %s, want Run-in,Treatment", got)
	}
	if cur[0].UID != screening.UID {
		t.Errorf("edited epoch uid = %s, want %s", cur[0].UID, screening.UID)
	}
	if _, err := Get[Epoch](f.ctx, f.svc, uid, cur[1].UID, "1.0"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("epoch added after 1.0 err = %v, want NotFound", err)
	}
}

func TestSelectionOrder(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	f.epoch(uid, "A")
	b := f.epoch(uid, "B")
	f.epoch(uid, "C")

	first, err := Create[Epoch](f.ctx, f.svc, author, uid, &Epoch{Base: Base{Order: 1}, Name: "Z"})
	if err != nil {
		t.Fatalf("Create at 1: %v", err)
	}
	list, _ := List[Epoch](f.ctx, f.svc, uid, "")
	if got := epochNames(list); got != "Z,A,B,C" {
		t.Errorf("after insert = %s", got)
	}

	if _, err := Patch[Epoch](f.ctx, f.svc, author, uid, first.UID, func(e *Epoch) error {
		e.Order = 3
		return nil
	}); err != nil {
		t.Fatalf("move: %v", err)
	}
	list, _ = List[Epoch](f.ctx, f.svc, uid, "")
	if got := epochNames(list); got != "A,B,Z,C" {
		t.Errorf("after move = %s", got)
	}

	if err := Delete[Epoch](f.ctx, f.svc, author, uid, b.UID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, _ = List[Epoch](f.ctx, f.svc, uid, "")
	for i, e := range list {
		if e.Order != int64(i+1) {
			t.Errorf("%s order = %d, want %d", e.Name, e.Order, i+1)
		}
	}
	if got := epochNames(list); got != "A,Z,C" {
		t.Errorf("after delete = %s", got)
	}

	if _, err := Create[Epoch](f.ctx, f.svc, author, uid, &Epoch{Base: Base{Order: 9}, Name: "Late"}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("order out of range err = %v, want Validation", err)
	}
	if _, err := Patch[Epoch](f.ctx, f.svc, author, uid, first.UID, func(e *Epoch) error {
		e.Order = 0
		return nil
	}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("move to 0 err = %v, want Validation", err)
	}
}

func TestPatch_UnchangedWritesNothing(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	e := f.epoch(uid, "Screening")

	got, err := Patch[Epoch](f.ctx, f.svc, author, uid, e.UID, func(*Epoch) error { return nil })
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if !got.StartDate.Equal(e.StartDate) {
		t.Errorf("start date = %v, want %v", got.StartDate, e.StartDate)
	}
	trail, _ := f.svc.AuditTrail(f.ctx, uid, EpochKind.Name)
	if len(trail) != 1 {
		t.Errorf("audit entries = %d, want 1", len(trail))
	}
}

func TestAuditTrail_Selections(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	e := f.epoch(uid, "Screening")
	if _, err := Patch[Epoch](f.ctx, f.svc, author, uid, e.UID, func(e *Epoch) error {
		e.Description = "pre-treatment"
		return nil
	}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if err := Delete[Epoch](f.ctx, f.svc, author, uid, e.UID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	trail, err := f.svc.AuditTrail(f.ctx, uid, EpochKind.Name)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	var got []string
	for _, a := range trail {
		if a.UID != e.UID || a.Type != EpochKind.Name {
			t.Errorf("entry %+v is not about %s", a, e.UID)
		}
		got = append(got, string(a.ChangeType))
	}
	if strings.Join(got, ",") != "Delete,Edit,Create" {
		t.Errorf("trail = %v, want Delete,Edit,Create", got)
	}

	all, _ := f.svc.AuditTrail(f.ctx, uid, "")
	if len(all) != 4 {
		t.Errorf("full trail = %d entries, want 4", len(all))
	}
	if _, err := f.svc.AuditTrail(f.ctx, "Study_999999", ""); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("unknown study err = %v, want NotFound", err)
	}
}

func TestContents(t *testing.T) {
	f := newFixture(t)
	uid := f.study("ALPHA")
	e := f.epoch(uid, "Treatment")
	v := f.visit(uid, e.UID, "Day 1")
	sa := f.studyActivity(uid, f.libActivity("Heart Rate", false, false))
	if _, err := Create[Schedule](f.ctx, f.svc, author, uid, &Schedule{StudyActivityUID: sa.UID, StudyVisitUID: v.UID}); err != nil {
		t.Fatalf("Create schedule: %v", err)
	}

	c, err := f.svc.Contents(f.ctx, uid, "")
	if err != nil {
		t.Fatalf("Contents: %v", err)
	}
	if c.Study.UID != uid || len(c.Epochs) != 1 || len(c.Visits) != 1 || len(c.Activities) != 1 || len(c.Schedules) != 1 {
		t.Fatalf("contents = %+v", c)
	}
	if c.Activities[0].ActivityName != "Heart Rate" || c.Activities[0].SoAGroupName != "Subject related" {
		t.Errorf("activity names = %q %q", c.Activities[0].ActivityName, c.Activities[0].SoAGroupName)
	}
}
