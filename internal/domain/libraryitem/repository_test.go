package libraryitem

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/cache"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

var (
	groupKind  = versioning.Kind{Name: "Group", RootLabel: "GroupRoot", ValueLabel: "GroupValue"}
	widgetKind = versioning.Kind{Name: "Widget", RootLabel: "WidgetRoot", ValueLabel: "WidgetValue"}
)

const inGroup = "IN_GROUP"

type group struct {
	Item
	Name string
}

type groupMapper struct{}

func (groupMapper) Kind() versioning.Kind                { return groupKind }
func (groupMapper) RefKinds() map[string]versioning.Kind { return nil }
func (groupMapper) Build(rec Record) (*group, error) {
	return &group{Item: ItemFromRecord(rec), Name: rec.Props.String("name")}, nil
}
func (groupMapper) Value(g *group) (graph.Props, []Ref) { return graph.Props{"name": g.Name}, nil }

type widget struct {
	Item
	Name   string
	Groups []string
	Pins   []Ref
}

type widgetMapper struct{}

func (widgetMapper) Kind() versioning.Kind { return widgetKind }
func (widgetMapper) RefKinds() map[string]versioning.Kind {
	return map[string]versioning.Kind{inGroup: groupKind}
}
func (widgetMapper) Build(rec Record) (*widget, error) {
	w := &widget{Item: ItemFromRecord(rec), Name: rec.Props.String("name"), Pins: rec.RefsOf(inGroup)}
	for _, ref := range w.Pins {
		w.Groups = append(w.Groups, ref.UID)
	}
	return w, nil
}
func (widgetMapper) Value(w *widget) (graph.Props, []Ref) {
	refs := make([]Ref, len(w.Groups))
	for i, uid := range w.Groups {
		refs[i] = Ref{Type: inGroup, UID: uid, Props: graph.Props{"order": i}}
	}
	return graph.Props{"name": w.Name}, refs
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

type env struct {
	ctx     context.Context
	store   graph.Store
	cache   *cache.Memory
	run     *Runner
	groups  *Repository[*group]
	widgets *Repository[*widget]
	lib     versioning.Library
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store := graph.NewMemoryStore()
	c := cache.NewMemory(0)
	cache.Attach(store, c, nil, zerolog.Nop())
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	e := &env{
		ctx:     ctx,
		store:   store,
		cache:   c,
		run:     NewRunner(store, nil, zerolog.Nop()),
		groups:  NewRepository[*group](store, c, nil, clk.now, groupMapper{}),
		widgets: NewRepository[*widget](store, c, nil, clk.now, widgetMapper{}),
	}
	err := store.Update(ctx, func(tx graph.Tx) error {
		var err error
		e.lib, err = versioning.EnsureLibrary(ctx, tx, "Sponsor", true)
		return err
	})
	if err != nil {
		t.Fatalf("EnsureLibrary: %v", err)
	}
	return e
}

func (e *env) createGroup(t *testing.T, name string) string {
	t.Helper()
	var uid string
	err := e.run.Write(e.ctx, "group.create", func(tx graph.Tx) error {
		item, err := NewItem("", e.lib, "tester", e.groups.Now())
		if err != nil {
			return err
		}
		g := &group{Item: item, Name: name}
		if err := e.groups.Save(e.ctx, tx, g, "tester"); err != nil {
			return err
		}
		uid = g.UID
		return nil
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	return uid
}

func (e *env) createWidget(t *testing.T, name string, groups ...string) string {
	t.Helper()
	var uid string
	err := e.run.Write(e.ctx, "widget.create", func(tx graph.Tx) error {
		item, err := NewItem("", e.lib, "tester", e.widgets.Now())
		if err != nil {
			return err
		}
		w := &widget{Item: item, Name: name, Groups: groups}
		if err := e.widgets.Save(e.ctx, tx, w, "tester"); err != nil {
			return err
		}
		uid = w.UID
		return nil
	})
	if err != nil {
		t.Fatalf("create widget: %v", err)
	}
	return uid
}

func mutate[A Aggregate](e *env, repo *Repository[A], uid string, fn func(a A) error) error {
	return e.run.Write(e.ctx, "mutate", func(tx graph.Tx) error {
		a, err := repo.GetForUpdate(e.ctx, tx, uid)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		return repo.Save(e.ctx, tx, a, "tester")
	})
}

func (e *env) approveGroup(t *testing.T, uid string) {
	t.Helper()
	err := mutate(e, e.groups, uid, func(g *group) error { return g.Approve("tester", e.groups.Now()) })
	if err != nil {
		t.Fatalf("approve group: %v", err)
	}
}

func (e *env) newGroupVersion(t *testing.T, uid string) {
	t.Helper()
	err := mutate(e, e.groups, uid, func(g *group) error { return g.NewVersion("tester", "", e.groups.Now()) })
	if err != nil {
		t.Fatalf("new group version: %v", err)
	}
}

func (e *env) widget(t *testing.T, uid string) *widget {
	t.Helper()
	w, err := e.widgets.FindByUID(e.ctx, uid, versioning.Query{})
	if err != nil {
		t.Fatalf("FindByUID: %v", err)
	}
	if w == nil {
		t.Fatalf("widget %s has no value", uid)
	}
	return w
}

func rename(e *env, name string) func(w *widget) error {
	return func(w *widget) error {
		changed := w.Name != name
		w.Name = name
		return w.EditDraft("tester", "rename", changed, e.widgets.Now())
	}
}

func TestLifecycle_ApproveBumpsMajorResetsMinor(t *testing.T) {
	e := newEnv(t)
	uid := e.createWidget(t, "A")

	steps := []struct {
		fn      func(w *widget) error
		version string
		status  versioning.Status
	}{
		{rename(e, "B"), "0.2", versioning.Draft},
		{func(w *widget) error { return w.Approve("tester", e.widgets.Now()) }, "1.0", versioning.Final},
		{func(w *widget) error { return w.NewVersion("tester", "", e.widgets.Now()) }, "1.1", versioning.Draft},
		{rename(e, "C"), "1.2", versioning.Draft},
		{func(w *widget) error { return w.Approve("tester", e.widgets.Now()) }, "2.0", versioning.Final},
		{func(w *widget) error { return w.Inactivate("tester", e.widgets.Now()) }, "2.0", versioning.Retired},
		{func(w *widget) error { return w.Reactivate("tester", e.widgets.Now()) }, "2.0", versioning.Final},
	}
	for i, s := range steps {
		if err := mutate(e, e.widgets, uid, s.fn); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		w := e.widget(t, uid)
		if w.Meta.Version.String() != s.version || w.Meta.Status != s.status {
			t.Errorf("step %d: got %s %s, want %s %s", i, w.Meta.Status, w.Meta.Version, s.status, s.version)
		}
	}

	err := mutate(e, e.widgets, uid, func(w *widget) error { return w.Approve("tester", e.widgets.Now()) })
	if !apperr.Is(err, apperr.KindBusinessLogic) || apperr.Message(err) != "The object isn't in draft status." {
		t.Errorf("approving a Final item: err = %v", err)
	}
}

func TestVersions_OpenEdgeInvariant(t *testing.T) {
	e := newEnv(t)
	uid := e.createWidget(t, "A")
	_ = mutate(e, e.widgets, uid, rename(e, "B"))
	_ = mutate(e, e.widgets, uid, func(w *widget) error { return w.Approve("tester", e.widgets.Now()) })

	versions, err := e.widgets.Versions(e.ctx, uid)
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	want := []string{"0.1", "0.2", "1.0"}
	if len(versions) != len(want) {
		t.Fatalf("got %d versions, want %d", len(versions), len(want))
	}
	open := 0
	for i, v := range versions {
		if v.Meta.Version.String() != want[i] {
			t.Errorf("versions[%d] = %s, want %s", i, v.Meta.Version, want[i])
		}
		if v.Meta.EndDate == nil {
			open++
		}
	}
	if open != 1 {
		t.Errorf("open edges = %d, want 1", open)
	}
}

func TestEdit_UnchangedIsNoOp(t *testing.T) {
	e := newEnv(t)
	uid := e.createWidget(t, "A")

	if err := mutate(e, e.widgets, uid, rename(e, "A")); err != nil {
		t.Fatalf("edit: %v", err)
	}
	w := e.widget(t, uid)
	if w.Meta.Version.String() != "0.1" {
		t.Errorf("version = %s, want 0.1", w.Meta.Version)
	}
	trail, _ := e.widgets.AuditTrail(e.ctx, uid)
	if len(trail) != 1 {
		t.Errorf("audit trail length = %d, want 1", len(trail))
	}
}

func TestSave_RoundTripWritesNothing(t *testing.T) {
	e := newEnv(t)
	g := e.createGroup(t, "G")
	e.approveGroup(t, g)
	uid := e.createWidget(t, "A", g)

	w := e.widget(t, uid)
	err := e.run.Write(e.ctx, "roundtrip", func(tx graph.Tx) error { return e.widgets.Save(e.ctx, tx, w, "tester") })
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	versions, _ := e.widgets.Versions(e.ctx, uid)
	if len(versions) != 1 {
		t.Errorf("versions = %d, want 1", len(versions))
	}
	got := e.widget(t, uid)
	if got.Name != "A" || len(got.Groups) != 1 || got.Groups[0] != g {
		t.Errorf("round trip = %+v", got)
	}
}

func TestLibraryGate(t *testing.T) {
	e := newEnv(t)
	var locked versioning.Library
	_ = e.store.Update(e.ctx, func(tx graph.Tx) error {
		var err error
		locked, err = versioning.EnsureLibrary(e.ctx, tx, "CDISC", false)
		return err
	})
	if _, err := NewItem("", locked, "tester", e.widgets.Now()); !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("create in locked library: err = %v", err)
	}

	uid := e.createWidget(t, "A")
	_ = e.store.Update(e.ctx, func(tx graph.Tx) error {
		return tx.SetProps(e.ctx, e.lib.NodeID, graph.Props{"is_editable": false})
	})
	if err := mutate(e, e.widgets, uid, rename(e, "B")); !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("edit in locked library: err = %v", err)
	}
}

func TestSave_RefreshesStaleDraftReference(t *testing.T) {
	e := newEnv(t)
	g := e.createGroup(t, "G")
	e.approveGroup(t, g)
	uid := e.createWidget(t, "S", g)
	before := e.widget(t, uid)
	if before.Pins[0].Version != "1.0" {
		t.Fatalf("initial pin = %s, want 1.0", before.Pins[0].Version)
	}

	e.newGroupVersion(t, g)
	e.approveGroup(t, g)

	if err := mutate(e, e.widgets, uid, rename(e, "S")); err != nil {
		t.Fatalf("save: %v", err)
	}
	after := e.widget(t, uid)
	if after.Pins[0].Version != "2.0" {
		t.Errorf("pin = %s, want 2.0", after.Pins[0].Version)
	}
	if after.Meta.Version.String() != "0.1" || after.Meta.Status != versioning.Draft {
		t.Errorf("version = %s %s, want Draft 0.1", after.Meta.Status, after.Meta.Version)
	}
	if after.stored.ValueID == before.stored.ValueID {
		t.Error("expected a new value node")
	}
	trail, _ := e.widgets.AuditTrail(e.ctx, uid)
	if len(trail) != 2 || trail[0].Type != versioning.ActionEdit {
		t.Errorf("audit trail = %+v", trail)
	}
}

func TestFinalPinsAreFrozenUntilDraftIsSaved(t *testing.T) {
	e := newEnv(t)
	g := e.createGroup(t, "G1")
	e.approveGroup(t, g)
	uid := e.createWidget(t, "SG1", g)
	if err := mutate(e, e.widgets, uid, func(w *widget) error { return w.Approve("tester", e.widgets.Now()) }); err != nil {
		t.Fatalf("approve: %v", err)
	}

	e.newGroupVersion(t, g)
	e.approveGroup(t, g)

	final := e.widget(t, uid)
	if final.Pins[0].Version != "1.0" {
		t.Errorf("final pin = %s, want 1.0", final.Pins[0].Version)
	}

	if err := mutate(e, e.widgets, uid, func(w *widget) error { return w.NewVersion("tester", "", e.widgets.Now()) }); err != nil {
		t.Fatalf("new version: %v", err)
	}
	draft := e.widget(t, uid)
	if draft.Pins[0].Version != "1.0" || draft.stored.ValueID != final.stored.ValueID {
		t.Errorf("new draft should reuse the final value, pin = %s", draft.Pins[0].Version)
	}

	if err := mutate(e, e.widgets, uid, rename(e, "SG1")); err != nil {
		t.Fatalf("save draft: %v", err)
	}
	refreshed := e.widget(t, uid)
	if refreshed.Pins[0].Version != "2.0" {
		t.Errorf("draft pin = %s, want 2.0", refreshed.Pins[0].Version)
	}
	if refreshed.Meta.Version.String() != "1.1" {
		t.Errorf("version = %s, want 1.1", refreshed.Meta.Version)
	}

	old, err := e.widgets.FindByUID(e.ctx, uid, versioning.Query{Version: &final.Meta.Version})
	if err != nil || old == nil || old.Pins[0].Version != "1.0" {
		t.Errorf("version 1.0 should stay pinned to 1.0: %v %+v", err, old)
	}
}

func TestLifecycle_ReturnsStoredPins(t *testing.T) {
	e := newEnv(t)
	g := e.createGroup(t, "G")
	e.approveGroup(t, g)
	uid := e.createWidget(t, "W", g)
	e.newGroupVersion(t, g)
	e.approveGroup(t, g)

	lc := NewLifecycle(e.run, e.widgets, zerolog.Nop())
	w, err := lc.Approve(e.ctx, uid, "tester")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if len(w.Pins) != 1 || w.Pins[0].Version != "2.0" {
		t.Errorf("approved pins = %+v, want 2.0", w.Pins)
	}
	if w.Meta.Status != versioning.Final || w.Meta.Version.String() != "1.0" {
		t.Errorf("approved = %s %s, want Final 1.0", w.Meta.Status, w.Meta.Version)
	}

	if err := lc.Delete(e.ctx, e.createWidget(t, "Scratch"), "tester"); err != nil {
		t.Errorf("Delete of a draft: %v", err)
	}
}

func TestSave_ChangedReferenceWritesNewValue(t *testing.T) {
	e := newEnv(t)
	g1, g2 := e.createGroup(t, "G1"), e.createGroup(t, "G2")
	e.approveGroup(t, g1)
	e.approveGroup(t, g2)
	uid := e.createWidget(t, "A", g1)

	err := mutate(e, e.widgets, uid, func(w *widget) error {
		w.Groups = []string{g2}
		return w.EditDraft("tester", "regroup", true, e.widgets.Now())
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	w := e.widget(t, uid)
	if w.Groups[0] != g2 || w.Meta.Version.String() != "0.2" {
		t.Errorf("got %v %s", w.Groups, w.Meta.Version)
	}
}

func TestCreate_RejectsDraftReference(t *testing.T) {
	e := newEnv(t)
	g := e.createGroup(t, "G")
	err := e.run.Write(e.ctx, "widget.create", func(tx graph.Tx) error {
		item, _ := NewItem("", e.lib, "tester", e.widgets.Now())
		return e.widgets.Save(e.ctx, tx, &widget{Item: item, Name: "A", Groups: []string{g}}, "tester")
	})
	if !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("err = %v, want BusinessLogic", err)
	}
}

func TestSave_ConcurrentEditConflicts(t *testing.T) {
	e := newEnv(t)
	uid := e.createWidget(t, "A")
	a1, a2 := e.widget(t, uid), e.widget(t, uid)

	save := func(w *widget, name string) error {
		return e.run.Write(e.ctx, "edit", func(tx graph.Tx) error {
			if err := rename(e, name)(w); err != nil {
				return err
			}
			return e.widgets.Save(e.ctx, tx, w, "tester")
		})
	}
	if err := save(a1, "B"); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := save(a2, "C"); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("second save err = %v, want Conflict", err)
	}
}

func TestDelete(t *testing.T) {
	e := newEnv(t)
	draft := e.createWidget(t, "A")
	if err := mutate(e, e.widgets, draft, func(w *widget) error { return w.Delete() }); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	if _, err := e.widgets.FindByUID(e.ctx, draft, versioning.Query{}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("deleted draft lookup err = %v, want NotFound", err)
	}

	final := e.createWidget(t, "B")
	_ = mutate(e, e.widgets, final, func(w *widget) error { return w.Approve("tester", e.widgets.Now()) })
	if err := mutate(e, e.widgets, final, func(w *widget) error { return w.Delete() }); !apperr.Is(err, apperr.KindBusinessLogic) {
		t.Errorf("hard delete of approved item err = %v", err)
	}
	if err := mutate(e, e.widgets, final, func(w *widget) error { return w.SoftDelete() }); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	all, _ := e.widgets.FindAll(e.ctx, ListOptions{})
	if len(all) != 0 {
		t.Errorf("FindAll = %d items, want 0", len(all))
	}
	all, _ = e.widgets.FindAll(e.ctx, ListOptions{IncludeDeleted: true})
	if len(all) != 1 || !all[0].Deleted {
		t.Errorf("FindAll(IncludeDeleted) = %+v", all)
	}
	trail, _ := e.widgets.AuditTrail(e.ctx, final)
	if len(trail) == 0 || trail[0].Type != versioning.ActionDelete {
		t.Errorf("audit trail = %+v", trail)
	}
}

func TestAuditTrail_NewestFirst(t *testing.T) {
	e := newEnv(t)
	uid := e.createWidget(t, "A")
	_ = mutate(e, e.widgets, uid, rename(e, "B"))
	_ = mutate(e, e.widgets, uid, func(w *widget) error { return w.Approve("tester", e.widgets.Now()) })

	trail, err := e.widgets.AuditTrail(e.ctx, uid)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	want := []struct {
		typ     versioning.ActionType
		version string
	}{
		{versioning.ActionEdit, "1.0"},
		{versioning.ActionEdit, "0.2"},
		{versioning.ActionCreate, "0.1"},
	}
	if len(trail) != len(want) {
		t.Fatalf("trail length = %d, want %d", len(trail), len(want))
	}
	for i, w := range want {
		if trail[i].Type != w.typ || trail[i].Item.Meta.Version.String() != w.version {
			t.Errorf("trail[%d] = %s %s, want %s %s", i, trail[i].Type, trail[i].Item.Meta.Version, w.typ, w.version)
		}
	}
}

func TestFindByUID_CacheInvalidatedOnWrite(t *testing.T) {
	e := newEnv(t)
	uid := e.createWidget(t, "A")
	if got := e.widget(t, uid).Name; got != "A" {
		t.Fatalf("name = %s", got)
	}
	if e.cache.Len() != 1 {
		t.Errorf("cache entries = %d, want 1", e.cache.Len())
	}
	_ = mutate(e, e.widgets, uid, rename(e, "B"))
	if got := e.widget(t, uid).Name; got != "B" {
		t.Errorf("name after edit = %s, want B", got)
	}
}

func TestFindByUID_NoMatchIsNil(t *testing.T) {
	e := newEnv(t)
	uid := e.createWidget(t, "A")
	final := versioning.Final
	w, err := e.widgets.FindByUID(e.ctx, uid, versioning.Query{Status: &final})
	if err != nil || w != nil {
		t.Errorf("got %v %v, want nil nil", w, err)
	}
}

func TestMetadata_PossibleActions(t *testing.T) {
	tests := []struct {
		meta Metadata
		want []Action
	}{
		{Metadata{Status: versioning.Draft, Version: versioning.Version{Minor: 3}}, []Action{ActionApprove, ActionDelete, ActionEdit}},
		{Metadata{Status: versioning.Draft, Version: versioning.Version{Major: 1, Minor: 1}}, []Action{ActionApprove, ActionEdit}},
		{Metadata{Status: versioning.Final, Version: versioning.Version{Major: 1}}, []Action{ActionInactivate, ActionNewVersion}},
		{Metadata{Status: versioning.Retired, Version: versioning.Version{Major: 1}}, []Action{ActionReactivate}},
	}
	for _, tt := range tests {
		got := tt.meta.PossibleActions()
		if len(got) != len(tt.want) {
			t.Errorf("%s %s: got %v, want %v", tt.meta.Status, tt.meta.Version, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s %s: got %v, want %v", tt.meta.Status, tt.meta.Version, got, tt.want)
			}
		}
	}
}
