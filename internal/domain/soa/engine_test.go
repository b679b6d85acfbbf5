package soa

import (
	"strings"
	"testing"

	"github.com/mdr/mdr/internal/domain/study"
	"github.com/mdr/mdr/internal/platform/apperr"
)

func base(uid string, order int64) study.Base {
	return study.Base{UID: uid, Order: order}
}

func act(uid string, order int64, name, soaGroup, soaGroupName string) *study.Activity {
	return &study.Activity{
		Base:            base(uid, order),
		ActivityUID:     "Lib" + uid,
		ActivityName:    name,
		GroupUID:        "G1",
		GroupName:       "Vital Signs",
		SubGroupUID:     "SG1",
		SubGroupName:    "Vitals",
		SoAGroupTermUID: soaGroup,
		SoAGroupName:    soaGroupName,
		ShowActivity:    true,
		ShowSubGroup:    true,
		ShowGroup:       true,
		ShowSoAGroup:    true,
	}
}

func sched(uid, activity, visit string) *study.Schedule {
	return &study.Schedule{Base: base(uid, 0), StudyActivityUID: activity, StudyVisitUID: visit}
}

// contents is two epochs with three visits, the last one hidden, and three
// activities under two SoA groups. Blood Pressure is hidden.
func contents() *study.Contents {
	bp := act("A3", 3, "Blood Pressure", "S1", "Subject related")
	bp.ShowActivity = false
	return &study.Contents{
		Study: &study.Study{UID: "Study_000001", Version: "1.0"},
		Epochs: []*study.Epoch{
			{Base: base("E1", 1), Name: "Screening"},
			{Base: base("E2", 2), Name: "Treatment"},
		},
		Visits: []*study.Visit{
			{Base: base("V1", 1), EpochUID: "E1", Name: "V1", StudyDay: -7, ShowVisit: true},
			{Base: base("V2", 2), EpochUID: "E2", Name: "V2", StudyDay: 1, ShowVisit: true},
			{Base: base("V3", 3), EpochUID: "E2", Name: "V3", StudyDay: 8},
		},
		Activities: []*study.Activity{
			act("A1", 1, "Heart Rate", "S1", "Subject related"),
			act("A2", 2, "Weight", "S2", "Safety"),
			bp,
		},
		ActivityInstances: []*study.ActivityInstance{
			{Base: base("I1", 1), StudyActivityUID: "A1", InstanceUID: "AI1", InstanceName: "Heart Rate Sitting", ShowInstance: true},
			{Base: base("I2", 2), StudyActivityUID: "A2"},
		},
		Schedules: []*study.Schedule{
			sched("SCH1", "A1", "V1"),
			sched("SCH2", "A1", "V3"),
			sched("SCH3", "A2", "V2"),
			sched("SCH4", "A3", "V2"),
		},
		Footnotes: []*study.Footnote{
			{Base: base("F1", 1), Text: "Fasting", References: []study.Reference{{Type: "StudyVisit", UID: "V1"}}},
			{Base: base("F2", 2), Text: "Morning only", References: []study.Reference{
				{Type: "StudyActivity", UID: "A2"},
				{Type: "StudyActivitySchedule", UID: "SCH3"},
			}},
		},
	}
}

// texts renders a row as its cell texts joined by |.
func texts(r Row) string {
	out := make([]string, len(r.Cells))
	for i, c := range r.Cells {
		out[i] = c.Text
	}
	return strings.Join(out, "|")
}

func checkRows(t *testing.T, tbl *Table, want []string) {
	t.Helper()
	if len(tbl.Rows) != len(want) {
		got := make([]string, len(tbl.Rows))
		for i, r := range tbl.Rows {
			got[i] = texts(r)
		}
		t.Fatalf("rows = %d %q, want %d", len(tbl.Rows), got, len(want))
	}
	for i, r := range tbl.Rows {
		if got := texts(r); got != want[i] {
			t.Errorf("row %d = %q, want %q", i, got, want[i])
		}
	}
}

func TestBuild_Protocol(t *testing.T) {
	tbl := Build(contents(), LayoutProtocol)

	if tbl.StudyUID != "Study_000001" || tbl.StudyVersion != "1.0" || tbl.Layout != LayoutProtocol {
		t.Errorf("table = %s %s %s", tbl.StudyUID, tbl.StudyVersion, tbl.Layout)
	}
	if tbl.NumHeaderRows != 3 || tbl.NumHeaderCols != 1 {
		t.Errorf("header = %d rows %d cols, want 3 and 1", tbl.NumHeaderRows, tbl.NumHeaderCols)
	}
	// activities regroup by SoA group; the hidden Blood Pressure checks
	// move to its subgroup row
	checkRows(t, tbl, []string{
		"Epoch|Screening|Treatment",
		"Visit|V1|V2",
		"Study day|-7|1",
		"Subject related||",
		"Vital Signs||",
		"Vitals||X",
		"Heart Rate|X|",
		"Safety||",
		"Vital Signs||",
		"Vitals||",
		"Weight||X",
	})
	for i, r := range tbl.Rows {
		if r.Hide {
			t.Errorf("row %d hidden in protocol table", i)
		}
	}
}

func TestBuild_Detailed(t *testing.T) {
	tbl := Build(contents(), LayoutDetailed)

	checkRows(t, tbl, []string{
		"Epoch|Screening|Treatment|",
		"Visit|V1|V2|V3",
		"Study day|-7|1|8",
		"Subject related|||",
		"Vital Signs|||",
		"Vitals|||",
		"Heart Rate|X||X",
		"Heart Rate Sitting|X||X",
		"Safety|||",
		"Vital Signs|||",
		"Vitals|||",
		"Weight||X|",
		"Subject related|||",
		"Vital Signs|||",
		"Vitals|||",
		"Blood Pressure||X|",
	})
	epochs := tbl.Rows[0].Cells
	if epochs[1].Span != 1 || epochs[2].Span != 2 || epochs[3].Span != 0 {
		t.Errorf("epoch spans = %d %d %d, want 1 2 0", epochs[1].Span, epochs[2].Span, epochs[3].Span)
	}
	if last := tbl.Rows[len(tbl.Rows)-1]; !last.Hide || last.Level != LevelActivity {
		t.Errorf("blood pressure row = hide %v level %d, want hidden activity", last.Hide, last.Level)
	}
	if r := tbl.Rows[7]; r.Level != LevelInstance || r.Cells[0].Refs[1].UID != "AI1" {
		t.Errorf("instance row = %+v", r)
	}
}

func TestBuild_Footnotes(t *testing.T) {
	tbl := Build(contents(), LayoutProtocol)

	if len(tbl.Footnotes) != 2 || tbl.Footnotes[0].Symbol != "a" || tbl.Footnotes[1].Symbol != "b" || tbl.Footnotes[1].Text != "Morning only" {
		t.Fatalf("footnotes = %+v", tbl.Footnotes)
	}
	tests := []struct {
		name     string
		row, col int
		want     string
	}{
		{"visit header", 1, 1, "a"},
		{"unreferenced visit", 1, 2, ""},
		{"activity", 10, 0, "b"},
		{"schedule", 10, 2, "b"},
		{"other activity", 6, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(tbl.Rows[tt.row].Cells[tt.col].Footnotes, ",")
			if got != tt.want {
				t.Errorf("footnotes = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuild_HiddenRowsFallBackToGroup(t *testing.T) {
	c := contents()
	c.Activities = c.Activities[:1]
	a := c.Activities[0]
	a.ShowActivity, a.ShowSubGroup, a.ShowSoAGroup = false, false, false

	tbl := Build(c, LayoutProtocol)
	checkRows(t, tbl, []string{
		"Epoch|Screening|Treatment",
		"Visit|V1|V2",
		"Study day|-7|1",
		"Vital Signs|X|",
	})
}

func TestBuild_SubGroupShownByAnyMember(t *testing.T) {
	c := contents()
	c.Activities = c.Activities[:1]
	hidden := act("A4", 4, "Respiratory Rate", "S1", "Subject related")
	c.Activities[0].ShowSubGroup = false
	c.Activities = append(c.Activities, hidden)

	tbl := Build(c, LayoutDetailed)
	for _, r := range tbl.Rows {
		if r.Level == LevelSubGroup && r.Hide {
			t.Errorf("subgroup row hidden although Respiratory Rate shows it")
		}
	}
}

func TestBuild_EmptyStudy(t *testing.T) {
	tbl := Build(&study.Contents{Study: &study.Study{UID: "Study_000002"}}, LayoutProtocol)
	checkRows(t, tbl, []string{"Epoch", "Visit", "Study day"})
	if tbl.Footnotes == nil {
		t.Error("footnotes = nil, want empty list")
	}
}

func TestCoordinates(t *testing.T) {
	coords := Coordinates(Build(contents(), LayoutDetailed))
	tests := []struct {
		uid  string
		want Coordinate
	}{
		{"E2", Coordinate{0, 2}},
		{"V3", Coordinate{1, 3}},
		{"A1", Coordinate{6, 0}},
		{"SCH2", Coordinate{6, 3}},
		{"I1", Coordinate{7, 0}},
		{"A3", Coordinate{15, 0}},
	}
	for _, tt := range tests {
		if got, ok := coords[tt.uid]; !ok || got != tt.want {
			t.Errorf("%s = %v (%v), want %v", tt.uid, got, ok, tt.want)
		}
	}
}

func TestSymbol(t *testing.T) {
	for i, want := range map[int]string{0: "a", 25: "z", 26: "aa", 27: "ab", 701: "zz", 702: "aaa"} {
		if got := symbol(i); got != want {
			t.Errorf("symbol(%d) = %q, want %q", i, got, want)
		}
	}
}

func TestParseLayout(t *testing.T) {
	for in, want := range map[string]Layout{"": LayoutProtocol, "protocol": LayoutProtocol, "detailed": LayoutDetailed} {
		if got, err := ParseLayout(in); err != nil || got != want {
			t.Errorf("ParseLayout(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseLayout("operational"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("unknown layout err = %v, want Validation", err)
	}
}
