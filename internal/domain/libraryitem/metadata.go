// Package libraryitem holds what every versioned library entity shares: the
// Draft/Final/Retired lifecycle, the aggregate base type and a generic
// repository that maps aggregates onto root/value nodes in the graph.
package libraryitem

import (
	"time"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// Action is a lifecycle operation offered to clients.
type Action string

const (
	ActionApprove    Action = "approve"
	ActionEdit       Action = "edit"
	ActionDelete     Action = "delete"
	ActionNewVersion Action = "new_version"
	ActionInactivate Action = "inactivate"
	ActionReactivate Action = "reactivate"
)

const (
	descInitial    = "Initial version"
	descApproved   = "Approved version"
	descNewDraft   = "New draft created"
	descInactivate = "Inactivated version"
	descReactivate = "Reactivated version"
)

// Metadata is the lifecycle state of one version of an item. Transitions
// return a new value and never modify the receiver.
type Metadata struct {
	Status            versioning.Status  `json:"status"`
	Version           versioning.Version `json:"version"`
	StartDate         time.Time          `json:"start_date"`
	EndDate           *time.Time         `json:"end_date,omitempty"`
	AuthorID          string             `json:"author_id"`
	ChangeDescription string             `json:"change_description"`
}

// NewDraftMetadata is the state of a freshly created item: Draft 0.1.
func NewDraftMetadata(author string, now time.Time) Metadata {
	return Metadata{
		Status:            versioning.Draft,
		Version:           versioning.InitialDraft,
		StartDate:         now,
		AuthorID:          author,
		ChangeDescription: descInitial,
	}
}

func metadataFromRel(rel versioning.Relationship) Metadata {
	return Metadata{
		Status:            rel.Status,
		Version:           rel.Version,
		StartDate:         rel.StartDate,
		EndDate:           rel.EndDate,
		AuthorID:          rel.AuthorID,
		ChangeDescription: rel.ChangeDescription,
	}
}

func (m Metadata) next(status versioning.Status, v versioning.Version, author, desc string, now time.Time) Metadata {
	return Metadata{Status: status, Version: v, StartDate: now, AuthorID: author, ChangeDescription: desc}
}

// EditDraft bumps the minor version of a draft.
func (m Metadata) EditDraft(author, desc string, now time.Time) (Metadata, error) {
	if m.Status != versioning.Draft {
		return m, apperr.BusinessLogic("libraryitem.edit", "The object isn't in draft status.")
	}
	if desc == "" {
		return m, apperr.Validation("libraryitem.edit", "change_description is required")
	}
	return m.next(versioning.Draft, m.Version.Apply(versioning.BumpMinor), author, desc, now), nil
}

// Approve turns a draft x.y into Final (x+1).0.
func (m Metadata) Approve(author string, now time.Time) (Metadata, error) {
	if m.Status != versioning.Draft {
		return m, apperr.BusinessLogic("libraryitem.approve", "The object isn't in draft status.")
	}
	return m.next(versioning.Final, m.Version.Apply(versioning.BumpMajor), author, descApproved, now), nil
}

// NewVersion reopens a final item as Draft x.1.
func (m Metadata) NewVersion(author, desc string, now time.Time) (Metadata, error) {
	if m.Status != versioning.Final {
		return m, apperr.BusinessLogic("libraryitem.new_version", "The object isn't in final status.")
	}
	if desc == "" {
		desc = descNewDraft
	}
	return m.next(versioning.Draft, m.Version.Apply(versioning.BumpMinor), author, desc, now), nil
}

// Inactivate retires a final item without changing its version.
func (m Metadata) Inactivate(author string, now time.Time) (Metadata, error) {
	if m.Status != versioning.Final {
		return m, apperr.BusinessLogic("libraryitem.inactivate", "Only FINAL versions can be inactivated.")
	}
	return m.next(versioning.Retired, m.Version, author, descInactivate, now), nil
}

// Reactivate returns a retired item to Final.
func (m Metadata) Reactivate(author string, now time.Time) (Metadata, error) {
	if m.Status != versioning.Retired {
		return m, apperr.BusinessLogic("libraryitem.reactivate", "Only RETIRED versions can be reactivated.")
	}
	return m.next(versioning.Final, m.Version, author, descReactivate, now), nil
}

// NeverApproved reports whether the item is still in its first draft cycle.
func (m Metadata) NeverApproved() bool {
	return m.Status == versioning.Draft && m.Version.Major == 0
}

// PossibleActions lists the transitions legal from this state.
func (m Metadata) PossibleActions() []Action {
	switch m.Status {
	case versioning.Draft:
		if m.NeverApproved() {
			return []Action{ActionApprove, ActionDelete, ActionEdit}
		}
		return []Action{ActionApprove, ActionEdit}
	case versioning.Final:
		return []Action{ActionInactivate, ActionNewVersion}
	case versioning.Retired:
		return []Action{ActionReactivate}
	}
	return nil
}

func (m Metadata) sameState(o Metadata) bool {
	return m.Status == o.Status && m.Version == o.Version
}
