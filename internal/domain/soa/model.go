// Package soa composes the schedule of activities of a study: a table with
// epochs and visits as columns and the study activities, grouped by SoA
// group, activity group and subgroup, as rows. Locked and released study
// versions keep a snapshot of their protocol table in Postgres.
package soa

import (
	"time"

	"github.com/mdr/mdr/internal/platform/apperr"
)

// Check marks a visit on which an activity is scheduled.
const Check = "X"

// Layout selects how much of the study the table shows.
type Layout string

const (
	// LayoutProtocol honours the show flags: hidden visits and rows are
	// dropped and a hidden activity's checks move up to its group rows.
	LayoutProtocol Layout = "protocol"
	// LayoutDetailed shows every row, activity instances included.
	LayoutDetailed Layout = "detailed"
)

// ParseLayout reads a layout query value. Empty means protocol.
func ParseLayout(s string) (Layout, error) {
	switch Layout(s) {
	case "", LayoutProtocol:
		return LayoutProtocol, nil
	case LayoutDetailed:
		return LayoutDetailed, nil
	}
	return "", apperr.Validation("soa.layout", "unknown layout '%s', expected protocol or detailed", s)
}

// Level is the kind of a table row.
type Level int

const (
	LevelHeader Level = iota
	LevelSoAGroup
	LevelGroup
	LevelSubGroup
	LevelActivity
	LevelInstance
)

// Ref points a cell at the study selection or library item it shows.
type Ref struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
}

// Cell is one table cell. Span is the number of columns it covers; the
// cells it covers follow with span 0.
type Cell struct {
	Text      string   `json:"text"`
	Span      int      `json:"span"`
	Style     string   `json:"style,omitempty"`
	Refs      []Ref    `json:"refs,omitempty"`
	Footnotes []string `json:"footnotes,omitempty"`
}

type Row struct {
	Cells []Cell `json:"cells"`
	Level Level  `json:"level"`
	Order int64  `json:"order,omitempty"`
	Hide  bool   `json:"hide"`
}

// Footnote is printed below the table under its symbol.
type Footnote struct {
	Symbol string `json:"symbol"`
	UID    string `json:"uid"`
	Text   string `json:"text"`
}

type Table struct {
	StudyUID      string     `json:"study_uid"`
	StudyVersion  string     `json:"study_version,omitempty"`
	Layout        Layout     `json:"layout"`
	Rows          []Row      `json:"rows"`
	NumHeaderRows int        `json:"num_header_rows"`
	NumHeaderCols int        `json:"num_header_cols"`
	Footnotes     []Footnote `json:"footnotes"`
}

// Coordinate is the [row, column] position of an item in a table.
type Coordinate [2]int

// Snapshot is the table of a frozen study version as it was when the
// version was created.
type Snapshot struct {
	StudyUID     string    `json:"study_uid"`
	StudyVersion string    `json:"study_version"`
	Layout       Layout    `json:"layout"`
	Table        *Table    `json:"table,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
