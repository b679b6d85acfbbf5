package soa

import (
	"slices"
	"sort"
	"strconv"

	"github.com/mdr/mdr/internal/domain/study"
)

// epochColumns is an epoch with the visits shown under it, in order.
type epochColumns struct {
	epoch  *study.Epoch
	visits []*study.Visit
}

// Build composes the table of a study version.
func Build(c *study.Contents, layout Layout) *Table {
	t := &Table{
		StudyUID:      c.Study.UID,
		StudyVersion:  c.Study.Version,
		Layout:        layout,
		NumHeaderCols: 1,
		Footnotes:     []Footnote{},
	}
	cols := columns(c, layout)
	t.Rows = headerRows(cols)
	t.NumHeaderRows = len(t.Rows)
	t.Rows = append(t.Rows, activityRows(c, cols, layout)...)
	addFootnotes(t, c.Footnotes)
	if layout == LayoutProtocol {
		propagateHidden(t.Rows)
		removeHidden(t)
	}
	return t
}

func cell(text, style string, refs ...Ref) Cell {
	return Cell{Text: text, Span: 1, Style: style, Refs: refs}
}

func emptyCells(n int) []Cell {
	out := make([]Cell, n)
	for i := range out {
		out[i].Span = 1
	}
	return out
}

// columns groups the visits by epoch in visit order. The protocol layout
// leaves hidden visits out.
func columns(c *study.Contents, layout Layout) []epochColumns {
	epochs := make(map[string]*study.Epoch, len(c.Epochs))
	for _, e := range c.Epochs {
		epochs[e.UID] = e
	}
	visits := slices.Clone(c.Visits)
	sort.SliceStable(visits, func(i, j int) bool { return visits[i].Order < visits[j].Order })

	var out []epochColumns
	index := map[string]int{}
	for _, v := range visits {
		if layout == LayoutProtocol && !v.ShowVisit {
			continue
		}
		i, ok := index[v.EpochUID]
		if !ok {
			i = len(out)
			index[v.EpochUID] = i
			out = append(out, epochColumns{epoch: epochs[v.EpochUID]})
		}
		out[i].visits = append(out[i].visits, v)
	}
	return out
}

func flatten(cols []epochColumns) []*study.Visit {
	var out []*study.Visit
	for _, ec := range cols {
		out = append(out, ec.visits...)
	}
	return out
}

func headerRows(cols []epochColumns) []Row {
	epochs := Row{Level: LevelHeader, Cells: []Cell{cell("Epoch", "header1")}}
	visits := Row{Level: LevelHeader, Cells: []Cell{cell("Visit", "header2")}}
	days := Row{Level: LevelHeader, Cells: []Cell{cell("Study day", "header3")}}
	for _, ec := range cols {
		name, uid := "", ""
		if ec.epoch != nil {
			name, uid = ec.epoch.Name, ec.epoch.UID
		}
		head := cell(name, "header1", Ref{Type: study.EpochKind.Name, UID: uid})
		head.Span = len(ec.visits)
		epochs.Cells = append(epochs.Cells, head)
		for i, v := range ec.visits {
			if i > 0 {
				epochs.Cells = append(epochs.Cells, Cell{})
			}
			visits.Cells = append(visits.Cells, cell(v.Name, "header2", Ref{Type: study.VisitKind.Name, UID: v.UID}))
			days.Cells = append(days.Cells, cell(strconv.FormatInt(v.StudyDay, 10), "header3"))
		}
	}
	return []Row{epochs, visits, days}
}

// sortActivities orders activities by first appearance of their SoA group,
// group and subgroup, keeping the selection order within a subgroup.
// Activities whose SoA group is hidden sort first.
func sortActivities(acts []*study.Activity) {
	seen := [3]map[string]int{{}, {}, {}}
	rank := func(level int, uid string) int {
		if r, ok := seen[level][uid]; ok {
			return r
		}
		seen[level][uid] = len(seen[level])
		return seen[level][uid]
	}
	keys := make(map[string][3]int, len(acts))
	for _, a := range acts {
		soaGroup := -1
		if a.ShowSoAGroup {
			soaGroup = rank(0, a.SoAGroupTermUID)
		}
		keys[a.UID] = [3]int{soaGroup, rank(1, a.GroupUID), rank(2, a.SubGroupUID)}
	}
	sort.SliceStable(acts, func(i, j int) bool {
		a, b := keys[acts[i].UID], keys[acts[j].UID]
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
}

func activityRows(c *study.Contents, cols []epochColumns, layout Layout) []Row {
	visits := flatten(cols)
	width := len(visits) + 1

	scheduled := make(map[[2]string]string, len(c.Schedules))
	for _, s := range c.Schedules {
		scheduled[[2]string{s.StudyActivityUID, s.StudyVisitUID}] = s.UID
	}
	instances := map[string][]*study.ActivityInstance{}
	for _, in := range c.ActivityInstances {
		if in.InstanceUID != "" {
			instances[in.StudyActivityUID] = append(instances[in.StudyActivityUID], in)
		}
	}
	crosses := func(studyActivityUID string) []Cell {
		out := make([]Cell, 0, len(visits))
		for _, v := range visits {
			if uid, ok := scheduled[[2]string{studyActivityUID, v.UID}]; ok {
				out = append(out, cell(Check, "activitySchedule", Ref{Type: study.ScheduleKind.Name, UID: uid}))
			} else {
				out = append(out, cell("", ""))
			}
		}
		return out
	}
	grouping := func(level Level, name, style, refType, uid string, hide bool, order int64) Row {
		first := cell(name, style)
		if uid != "" {
			first.Refs = []Ref{{Type: refType, UID: uid}}
		}
		return Row{Level: level, Order: order, Hide: hide, Cells: append([]Cell{first}, emptyCells(width-1)...)}
	}

	acts := slices.Clone(c.Activities)
	if layout == LayoutProtocol {
		sortActivities(acts)
	}

	var rows []Row
	prevSoAGroup := "\x00"
	groups, subgroups := map[string]bool{}, map[string]bool{}
	groupRow, subgroupRow := -1, -1
	for _, a := range acts {
		if layout != LayoutProtocol || a.ShowSoAGroup {
			if a.SoAGroupTermUID != prevSoAGroup {
				prevSoAGroup = a.SoAGroupTermUID
				groups, subgroups = map[string]bool{}, map[string]bool{}
				rows = append(rows, grouping(LevelSoAGroup, a.SoAGroupName, "soaGroup", "CTTerm", a.SoAGroupTermUID, !a.ShowSoAGroup, a.Order))
			}
		}

		if !groups[a.GroupUID] {
			groups[a.GroupUID] = true
			subgroups = map[string]bool{}
			name := a.GroupName
			if a.GroupUID == "" {
				name = "No activity group"
			}
			rows = append(rows, grouping(LevelGroup, name, "group", "ActivityGroup", a.GroupUID, !a.ShowGroup, a.Order))
			groupRow = len(rows) - 1
		} else if a.ShowGroup {
			rows[groupRow].Hide = false
		}

		if !subgroups[a.SubGroupUID] {
			subgroups[a.SubGroupUID] = true
			name := a.SubGroupName
			if a.SubGroupUID == "" {
				name = "No activity subgroup"
			}
			rows = append(rows, grouping(LevelSubGroup, name, "subGroup", "ActivitySubGroup", a.SubGroupUID, !a.ShowSubGroup, a.Order))
			subgroupRow = len(rows) - 1
		} else if a.ShowSubGroup {
			rows[subgroupRow].Hide = false
		}

		first := cell(a.ActivityName, "activity",
			Ref{Type: study.ActivityKind.Name, UID: a.UID},
			Ref{Type: "Activity", UID: a.ActivityUID})
		rows = append(rows, Row{Level: LevelActivity, Order: a.Order, Hide: !a.ShowActivity, Cells: append([]Cell{first}, crosses(a.UID)...)})

		if layout == LayoutDetailed {
			for _, in := range instances[a.UID] {
				first := cell(in.InstanceName, "activityInstance",
					Ref{Type: study.ActivityInstanceKind.Name, UID: in.UID},
					Ref{Type: "ActivityInstance", UID: in.InstanceUID})
				rows = append(rows, Row{Level: LevelInstance, Order: in.Order, Hide: !in.ShowInstance, Cells: append([]Cell{first}, crosses(a.UID)...)})
			}
		}
	}
	return rows
}

// symbol returns the footnote symbol for the i-th footnote: a, b, ... z,
// aa, ab, ...
func symbol(i int) string {
	s := ""
	for i >= 0 {
		s = string(rune('a'+i%26)) + s
		i = i/26 - 1
	}
	return s
}

// addFootnotes lists the footnotes of the study and marks every cell that
// refers to an item a footnote references.
func addFootnotes(t *Table, footnotes []*study.Footnote) {
	byUID := map[string][]string{}
	for i, fn := range footnotes {
		sym := symbol(i)
		t.Footnotes = append(t.Footnotes, Footnote{Symbol: sym, UID: fn.UID, Text: fn.Text})
		for _, ref := range fn.References {
			byUID[ref.UID] = append(byUID[ref.UID], sym)
		}
	}
	for i := range t.Rows {
		for j := range t.Rows[i].Cells {
			c := &t.Rows[i].Cells[j]
			var syms []string
			for _, ref := range c.Refs {
				for _, s := range byUID[ref.UID] {
					if !slices.Contains(syms, s) {
						syms = append(syms, s)
					}
				}
			}
			sort.Strings(syms)
			c.Footnotes = syms
		}
	}
}

// propagateHidden copies the checks of each hidden activity row onto the
// nearest visible row above it: its subgroup, else its group, else its SoA
// group.
func propagateHidden(rows []Row) {
	soaGroup, group, subgroup := -1, -1, -1
	for i := range rows {
		switch rows[i].Level {
		case LevelSoAGroup:
			soaGroup, group, subgroup = i, -1, -1
		case LevelGroup:
			group, subgroup = i, -1
		case LevelSubGroup:
			subgroup = i
		case LevelActivity:
			if !rows[i].Hide {
				continue
			}
			target := -1
			for _, j := range []int{subgroup, group, soaGroup} {
				if j >= 0 && !rows[j].Hide {
					target = j
					break
				}
			}
			if target < 0 || len(rows[target].Cells) != len(rows[i].Cells) {
				continue
			}
			for k := 1; k < len(rows[i].Cells); k++ {
				if rows[target].Cells[k].Text == "" {
					rows[target].Cells[k].Text = rows[i].Cells[k].Text
				}
			}
		}
	}
}

func removeHidden(t *Table) {
	kept := t.Rows[:0]
	header := 0
	for i, r := range t.Rows {
		if r.Hide {
			continue
		}
		if i < t.NumHeaderRows {
			header++
		}
		kept = append(kept, r)
	}
	t.Rows = kept
	t.NumHeaderRows = header
}

// Coordinates maps the uid of every referenced item to the first cell that
// shows it.
func Coordinates(t *Table) map[string]Coordinate {
	out := map[string]Coordinate{}
	for i, r := range t.Rows {
		for j, c := range r.Cells {
			for _, ref := range c.Refs {
				if _, ok := out[ref.UID]; !ok && ref.UID != "" {
					out[ref.UID] = Coordinate{i, j}
				}
			}
		}
	}
	return out
}
