// Package study holds study definitions and the selections a study makes
// from the library: epochs, visits, arms, branch arms, cohorts, activities,
// activity instances, their schedule and SoA footnotes.
//
// A study has one current value. Locking freezes it as a numbered version
// and unlocking continues on a copy, so locked and released versions keep
// the selections they had. Selection nodes are never changed in place; an
// edit writes a new node and moves the study's edge to it.
package study

import (
	"time"

	"github.com/mdr/mdr/internal/platform/graph"
)

const (
	rootLabel      = "StudyRoot"
	valueLabel     = "StudyValue"
	selectionLabel = "StudySelection"

	edgeLatestValue = "LATEST_VALUE"
	edgeHasVersion  = "HAS_VERSION"
)

// Status of a study or of one of its frozen versions.
type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusLocked   Status = "LOCKED"
	StatusReleased Status = "RELEASED"
)

// Study is the definition of a study at one of its versions.
type Study struct {
	UID             string     `json:"uid"`
	StudyID         string     `json:"study_id"`
	StudyNumber     string     `json:"study_number,omitempty"`
	StudyAcronym    string     `json:"study_acronym,omitempty"`
	ProjectNumber   string     `json:"project_number"`
	Description     string     `json:"description,omitempty"`
	Status          Status     `json:"status"`
	Version         string     `json:"version,omitempty"`
	Deleted         bool       `json:"deleted,omitempty"`
	PossibleActions []string   `json:"possible_actions"`
	Versions        []Snapshot `json:"version_history,omitempty"`
}

// Snapshot is one locked or released version of a study.
type Snapshot struct {
	Status            Status    `json:"status"`
	Version           string    `json:"version"`
	StartDate         time.Time `json:"start_date"`
	AuthorID          string    `json:"author_id"`
	AuthorUsername    string    `json:"author_username"`
	ChangeDescription string    `json:"change_description"`
}

// Input carries the editable study attributes.
type Input struct {
	StudyNumber   string `json:"study_number"`
	StudyAcronym  string `json:"study_acronym"`
	ProjectNumber string `json:"project_number"`
	Description   string `json:"description"`
}

func (in Input) props() graph.Props {
	return graph.Props{
		"study_number":   in.StudyNumber,
		"study_acronym":  in.StudyAcronym,
		"project_number": in.ProjectNumber,
		"description":    in.Description,
	}
}

func inputFrom(p graph.Props) Input {
	return Input{
		StudyNumber:   p.String("study_number"),
		StudyAcronym:  p.String("study_acronym"),
		ProjectNumber: p.String("project_number"),
		Description:   p.String("description"),
	}
}

func studyID(in Input) string {
	if in.StudyNumber == "" {
		return in.ProjectNumber
	}
	return in.ProjectNumber + "-" + in.StudyNumber
}

// Kind identifies a selection type: its node label, which doubles as the
// uid prefix and audit trail type, and the edge from the study value.
type Kind struct {
	Name string
	Edge string
}

var (
	EpochKind            = Kind{Name: "StudyEpoch", Edge: "HAS_STUDY_EPOCH"}
	VisitKind            = Kind{Name: "StudyVisit", Edge: "HAS_STUDY_VISIT"}
	ArmKind              = Kind{Name: "StudyArm", Edge: "HAS_STUDY_ARM"}
	BranchArmKind        = Kind{Name: "StudyBranchArm", Edge: "HAS_STUDY_BRANCH_ARM"}
	CohortKind           = Kind{Name: "StudyCohort", Edge: "HAS_STUDY_COHORT"}
	ActivityKind         = Kind{Name: "StudyActivity", Edge: "HAS_STUDY_ACTIVITY"}
	ActivityInstanceKind = Kind{Name: "StudyActivityInstance", Edge: "HAS_STUDY_ACTIVITY_INSTANCE"}
	ScheduleKind         = Kind{Name: "StudyActivitySchedule", Edge: "HAS_STUDY_ACTIVITY_SCHEDULE"}
	FootnoteKind         = Kind{Name: "StudySoAFootnote", Edge: "HAS_STUDY_FOOTNOTE"}
)

// Kinds lists every selection kind in the order values are copied.
var Kinds = []Kind{
	EpochKind, VisitKind, ArmKind, BranchArmKind, CohortKind,
	ActivityKind, ActivityInstanceKind, ScheduleKind, FootnoteKind,
}

func kindByName(name string) (Kind, bool) {
	for _, k := range Kinds {
		if k.Name == name {
			return k, true
		}
	}
	return Kind{}, false
}

// Base is the part every selection shares. Order is the 1-based position
// in the study's list of that kind and lives on the edge, not the node.
type Base struct {
	UID            string    `json:"uid"`
	StudyUID       string    `json:"study_uid"`
	Order          int64     `json:"order"`
	AuthorID       string    `json:"author_id"`
	AuthorUsername string    `json:"author_username"`
	StartDate      time.Time `json:"start_date"`

	nodeID string
	edgeID string
}

func (b *Base) base() *Base { return b }

// Selection is implemented by pointers to the selection types.
type Selection interface {
	Kind() Kind
	base() *Base
	props() graph.Props
	load(p graph.Props)
	// check validates the selection against the rest of the study. old is
	// the stored selection on edit and nil on create. check may fill in
	// derived fields such as pinned versions.
	check(st *studyTx, old Selection) error
}

// selectionPtr constrains P to *T implementing Selection.
type selectionPtr[T any] interface {
	*T
	Selection
}
