package activity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/cache"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

const author = "author-1"

type fixture struct {
	ctx context.Context
	svc *Service
	t   *testing.T
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := graph.NewMemoryStore()
	c := cache.NewMemory(0)
	cache.Attach(store, c, nil, zerolog.Nop())
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	err := store.Update(ctx, func(tx graph.Tx) error {
		if _, err := versioning.EnsureLibrary(ctx, tx, "Sponsor", true); err != nil {
			return err
		}
		_, err := versioning.EnsureLibrary(ctx, tx, "CDISC", false)
		return err
	})
	if err != nil {
		t.Fatalf("libraries: %v", err)
	}
	repos := NewRepos(store, c, nil, now)
	svc := NewService(repos, libraryitem.NewRunner(store, nil, zerolog.Nop()), nil, zerolog.Nop())
	return &fixture{ctx: ctx, svc: svc, t: t}
}

func concept(name string) Concept {
	return Concept{Name: name, NameSentenceCase: strings.ToLower(name)}
}

func (f *fixture) group(name string) string {
	f.t.Helper()
	g, err := f.svc.CreateGroup(f.ctx, author, GroupInput{Concept: concept(name), LibraryName: "Sponsor"})
	if err != nil {
		f.t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := f.svc.Groups.Approve(f.ctx, g.UID, author); err != nil {
		f.t.Fatalf("approve group: %v", err)
	}
	return g.UID
}

func (f *fixture) subgroup(name string, approve bool, groups ...string) string {
	f.t.Helper()
	sg, err := f.svc.CreateSubGroup(f.ctx, author, SubGroupInput{
		SubGroupVO:  SubGroupVO{Concept: concept(name), GroupUIDs: groups},
		LibraryName: "Sponsor",
	})
	if err != nil {
		f.t.Fatalf("CreateSubGroup: %v", err)
	}
	if approve {
		if _, err := f.svc.SubGroups.Approve(f.ctx, sg.UID, author); err != nil {
			f.t.Fatalf("approve subgroup: %v", err)
		}
	}
	return sg.UID
}

func activityInput(name string, collected bool, groupings ...Grouping) ActivityInput {
	return ActivityInput{
		ActivityVO:  ActivityVO{Concept: concept(name), IsDataCollected: collected, Groupings: groupings},
		LibraryName: "Sponsor",
	}
}

func (f *fixture) activity(name string, collected bool, groupings ...Grouping) string {
	f.t.Helper()
	a, err := f.svc.CreateActivity(f.ctx, author, activityInput(name, collected, groupings...))
	if err != nil {
		f.t.Fatalf("CreateActivity: %v", err)
	}
	if _, err := f.svc.Activities.Approve(f.ctx, a.UID, author); err != nil {
		f.t.Fatalf("approve activity: %v", err)
	}
	return a.UID
}

func instanceInput(name, topic string, groupings ...InstanceGrouping) InstanceInput {
	return InstanceInput{
		InstanceVO:  InstanceVO{Concept: concept(name), TopicCode: topic, Groupings: groupings},
		LibraryName: "Sponsor",
	}
}

func TestCreateGroup_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		in   GroupInput
		kind apperr.Kind
	}{
		{"sentence case mismatch", GroupInput{Concept: Concept{Name: "Vitals", NameSentenceCase: "labs"}, LibraryName: "Sponsor"}, apperr.KindValidation},
		{"missing name", GroupInput{LibraryName: "Sponsor"}, apperr.KindValidation},
		{"unknown library", GroupInput{Concept: concept("Vitals"), LibraryName: "Nope"}, apperr.KindBusinessLogic},
		{"locked library wins over bad input", GroupInput{Concept: Concept{Name: "X"}, LibraryName: "CDISC"}, apperr.KindBusinessLogic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateGroup(f.ctx, author, tt.in)
			if !apperr.Is(err, tt.kind) {
				t.Errorf("err = %v, want %s", err, tt.kind)
			}
		})
	}

	f.group("Vitals")
	_, err := f.svc.CreateGroup(f.ctx, author, GroupInput{Concept: concept("VITALS"), LibraryName: "Sponsor"})
	if !apperr.Is(err, apperr.KindAlreadyExists) {
		t.Errorf("duplicate name err = %v, want AlreadyExists", err)
	}
}

func TestCreateGroup_NameUniquePerLibrary(t *testing.T) {
	f := newFixture(t)
	err := f.svc.runner.Write(f.ctx, "library.ensure", func(tx graph.Tx) error {
		_, err := versioning.EnsureLibrary(f.ctx, tx, "Requested", true)
		return err
	})
	if err != nil {
		t.Fatalf("EnsureLibrary: %v", err)
	}
	f.group("Vitals")

	if _, err := f.svc.CreateGroup(f.ctx, author, GroupInput{Concept: concept("Vitals"), LibraryName: "Requested"}); err != nil {
		t.Fatalf("same name in another library: %v", err)
	}
	_, err = f.svc.CreateGroup(f.ctx, author, GroupInput{Concept: concept("Vitals"), LibraryName: "Requested"})
	if !apperr.Is(err, apperr.KindAlreadyExists) {
		t.Errorf("duplicate name in Requested err = %v, want AlreadyExists", err)
	}
}

func TestEditGroup_SameInputIsNoOp(t *testing.T) {
	f := newFixture(t)
	g, _ := f.svc.CreateGroup(f.ctx, author, GroupInput{Concept: concept("Vitals"), LibraryName: "Sponsor"})

	got, err := f.svc.EditGroup(f.ctx, author, g.UID, GroupInput{Concept: concept("Vitals"), ChangeDescription: "same"})
	if err != nil {
		t.Fatalf("EditGroup: %v", err)
	}
	if got.Meta.Version.String() != "0.1" {
		t.Errorf("version = %s, want 0.1", got.Meta.Version)
	}
	got, err = f.svc.EditGroup(f.ctx, author, g.UID, GroupInput{Concept: Concept{Name: "Vitals", NameSentenceCase: "vitals", Definition: "d"}, ChangeDescription: "def"})
	if err != nil || got.Meta.Version.String() != "0.2" {
		t.Errorf("edit = %v %v, want 0.2", got, err)
	}
}

func TestCreateSubGroup_RequiresFinalGroup(t *testing.T) {
	f := newFixture(t)
	draft, _ := f.svc.CreateGroup(f.ctx, author, GroupInput{Concept: concept("Draft group"), LibraryName: "Sponsor"})
	_, err := f.svc.CreateSubGroup(f.ctx, author, SubGroupInput{
		SubGroupVO:  SubGroupVO{Concept: concept("SG"), GroupUIDs: []string{draft.UID}},
		LibraryName: "Sponsor",
	})
	if !apperr.Is(err, apperr.KindBusinessLogic) || !strings.Contains(err.Error(), "non-final") {
		t.Errorf("err = %v, want non-final BusinessLogic", err)
	}
}

func TestSubGroup_FinalPinsFrozenNewDraftRefreshes(t *testing.T) {
	f := newFixture(t)
	g1 := f.group("G1")
	sg1 := f.subgroup("SG1", true, g1)

	if _, err := f.svc.Groups.NewVersion(f.ctx, g1, author, ""); err != nil {
		t.Fatalf("NewVersion: %v", err)
	}
	if _, err := f.svc.Groups.Approve(f.ctx, g1, author); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	linked, err := f.svc.LinkedGroups(f.ctx, sg1, versioning.Query{})
	if err != nil {
		t.Fatalf("LinkedGroups: %v", err)
	}
	if len(linked) != 1 || linked[0].Version != "1.0" || linked[0].Name != "G1" {
		t.Errorf("final subgroup linked groups = %+v, want G1 1.0", linked)
	}

	if _, err := f.svc.SubGroups.NewVersion(f.ctx, sg1, author, ""); err != nil {
		t.Fatalf("subgroup NewVersion: %v", err)
	}
	sg, err := f.svc.EditSubGroup(f.ctx, author, sg1, SubGroupInput{SubGroupVO: SubGroupVO{Concept: concept("SG1"), GroupUIDs: []string{g1}}})
	if err != nil {
		t.Fatalf("EditSubGroup: %v", err)
	}
	if sg.Meta.Status != versioning.Draft || sg.Meta.Version.String() != "1.1" {
		t.Errorf("subgroup = %s %s, want Draft 1.1", sg.Meta.Status, sg.Meta.Version)
	}
	linked, _ = f.svc.LinkedGroups(f.ctx, sg1, versioning.Query{})
	if len(linked) != 1 || linked[0].Version != "2.0" {
		t.Errorf("draft subgroup linked groups = %+v, want G1 2.0", linked)
	}
	final := versioning.MustParseVersion("1.0")
	linked, _ = f.svc.LinkedGroups(f.ctx, sg1, versioning.Query{Version: &final})
	if len(linked) != 1 || linked[0].Version != "1.0" {
		t.Errorf("subgroup 1.0 linked groups = %+v, want G1 1.0", linked)
	}
}

func TestSubGroup_ResponsesCarryCurrentPins(t *testing.T) {
	f := newFixture(t)
	g1 := f.group("G1")

	created, err := f.svc.CreateSubGroup(f.ctx, author, SubGroupInput{
		SubGroupVO:  SubGroupVO{Concept: concept("SG"), GroupUIDs: []string{g1}},
		LibraryName: "Sponsor",
	})
	if err != nil {
		t.Fatalf("CreateSubGroup: %v", err)
	}
	if len(created.Groups) != 1 || created.Groups[0].UID != g1 || created.Groups[0].Version != "1.0" {
		t.Errorf("created groups = %+v, want G1 1.0", created.Groups)
	}

	if _, err := f.svc.Groups.NewVersion(f.ctx, g1, author, ""); err != nil {
		t.Fatalf("NewVersion: %v", err)
	}
	if _, err := f.svc.Groups.Approve(f.ctx, g1, author); err != nil {
		t.Fatalf("Approve group: %v", err)
	}

	approved, err := f.svc.SubGroups.Approve(f.ctx, created.UID, author)
	if err != nil {
		t.Fatalf("Approve subgroup: %v", err)
	}
	if approved.Meta.Status != versioning.Final || approved.Meta.Version.String() != "1.0" {
		t.Errorf("approved = %s %s, want Final 1.0", approved.Meta.Status, approved.Meta.Version)
	}
	if len(approved.Groups) != 1 || approved.Groups[0].Version != "2.0" {
		t.Errorf("approved groups = %+v, want G1 2.0", approved.Groups)
	}
	stored, err := f.svc.Repos().SubGroups.FindByUID(f.ctx, created.UID, versioning.Query{})
	if err != nil || stored == nil || stored.Groups[0].Version != approved.Groups[0].Version {
		t.Errorf("stored groups = %+v (%v), want the approved pins", stored, err)
	}
}

func TestActivity_SubGroupMustBeLinkedToGroup(t *testing.T) {
	f := newFixture(t)
	g1, g2 := f.group("G1"), f.group("G2")
	sg := f.subgroup("SG", true, g1)

	_, err := f.svc.CreateActivity(f.ctx, author, activityInput("Weight", true, Grouping{SubGroupUID: sg, GroupUID: g2}))
	if !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("err = %v, want BusinessLogic", err)
	}
	if _, err := f.svc.CreateActivity(f.ctx, author, activityInput("Weight", true, Grouping{SubGroupUID: sg, GroupUID: g1})); err != nil {
		t.Errorf("valid grouping: %v", err)
	}
}

func TestInstance_GroupingMustMatchActivity(t *testing.T) {
	f := newFixture(t)
	g1, g2 := f.group("G1"), f.group("G2")
	sg := f.subgroup("SG", true, g1, g2)
	act := f.activity("Weight", true, Grouping{SubGroupUID: sg, GroupUID: g1})
	noData := f.activity("Consent", false, Grouping{SubGroupUID: sg, GroupUID: g1})

	_, err := f.svc.CreateInstance(f.ctx, author, instanceInput("Weight kg", "WEIGHT", InstanceGrouping{ActivityUID: act, SubGroupUID: sg, GroupUID: g2}))
	if !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("mismatched triple err = %v, want BusinessLogic", err)
	}
	_, err = f.svc.CreateInstance(f.ctx, author, instanceInput("Consent form", "CONSENT", InstanceGrouping{ActivityUID: noData, SubGroupUID: sg, GroupUID: g1}))
	if !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("activity without data collection err = %v, want BusinessLogic", err)
	}

	in, err := f.svc.CreateInstance(f.ctx, author, instanceInput("Weight kg", "WEIGHT", InstanceGrouping{ActivityUID: act, SubGroupUID: sg, GroupUID: g1}))
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if len(in.Groupings) != 1 || in.Groupings[0].Activity.Version != "1.0" {
		t.Errorf("pinned groupings = %+v", in.Groupings)
	}
	_, err = f.svc.CreateInstance(f.ctx, author, instanceInput("Weight lb", "WEIGHT", InstanceGrouping{ActivityUID: act, SubGroupUID: sg, GroupUID: g1}))
	if !apperr.Is(err, apperr.KindAlreadyExists) {
		t.Errorf("duplicate topic code err = %v, want AlreadyExists", err)
	}
}

func TestLinkedActivities_UsesSubGroupVersionWindow(t *testing.T) {
	f := newFixture(t)
	g := f.group("G")
	sg := f.subgroup("SG", true, g)
	grouping := Grouping{SubGroupUID: sg, GroupUID: g}
	act := f.activity("Weight", true, grouping)

	// subgroup 1.0 is superseded before activity 2.0 is approved
	if _, err := f.svc.SubGroups.NewVersion(f.ctx, sg, author, ""); err != nil {
		t.Fatalf("subgroup NewVersion: %v", err)
	}
	if _, err := f.svc.Activities.NewVersion(f.ctx, act, author, ""); err != nil {
		t.Fatalf("activity NewVersion: %v", err)
	}
	edit := activityInput("Weight", true, grouping)
	edit.Definition = "body weight"
	edit.ChangeDescription = "definition"
	if _, err := f.svc.EditActivity(f.ctx, author, act, edit); err != nil {
		t.Fatalf("EditActivity: %v", err)
	}
	if _, err := f.svc.Activities.Approve(f.ctx, act, author); err != nil {
		t.Fatalf("activity Approve: %v", err)
	}

	v1 := versioning.MustParseVersion("1.0")
	got, err := f.svc.Repos().LinkedActivities(f.ctx, sg, &v1)
	if err != nil {
		t.Fatalf("LinkedActivities: %v", err)
	}
	if len(got) != 1 || got[0].UID != act || got[0].Version != "1.0" {
		t.Errorf("subgroup 1.0 activities = %+v, want Weight 1.0", got)
	}

	got, _ = f.svc.Repos().LinkedActivities(f.ctx, sg, nil)
	if len(got) != 1 || got[0].Version != "2.0" {
		t.Errorf("current subgroup activities = %+v, want Weight 2.0", got)
	}
}

func TestLinkedSubGroups(t *testing.T) {
	f := newFixture(t)
	g := f.group("G")
	f.subgroup("Beta", true, g)
	f.subgroup("Alpha", false, g)

	got, err := f.svc.Repos().LinkedSubGroups(f.ctx, g, nil)
	if err != nil {
		t.Fatalf("LinkedSubGroups: %v", err)
	}
	if len(got) != 2 || got[0].Name != "Alpha" || got[1].Name != "Beta" || got[1].Version != "1.0" {
		t.Errorf("got %+v", got)
	}
}

func TestOverview(t *testing.T) {
	f := newFixture(t)
	g := f.group("G")
	sg := f.subgroup("SG", true, g)
	act := f.activity("Weight", true, Grouping{SubGroupUID: sg, GroupUID: g})
	if _, err := f.svc.CreateInstance(f.ctx, author, instanceInput("Weight kg", "WEIGHT", InstanceGrouping{ActivityUID: act, SubGroupUID: sg, GroupUID: g})); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	ov, err := f.svc.Overview(f.ctx, act, versioning.Query{})
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if len(ov.Instances) != 1 || ov.Instances[0].Name != "Weight kg" {
		t.Errorf("instances = %+v", ov.Instances)
	}
	if len(ov.Activity.ActivityGroupings) != 1 || ov.Activity.ActivityGroupings[0].SubGroup.Name != "SG" {
		t.Errorf("groupings = %+v", ov.Activity.ActivityGroupings)
	}
	if len(ov.AllVersions) != 2 || ov.AllVersions[0] != "1.0" || ov.AllVersions[1] != "0.1" {
		t.Errorf("AllVersions = %v", ov.AllVersions)
	}

	draft := versioning.Draft
	if _, err := f.svc.Overview(f.ctx, act, versioning.Query{Status: &draft}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("overview of missing draft err = %v, want NotFound", err)
	}
}
