// Package ct manages controlled terminology: codelists and terms, each made
// of an independently versioned Name part and Attributes part, the dated
// membership of terms in codelists and the parent links between terms.
package ct

import (
	"strings"
	"time"

	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// Part selects the Name or the Attributes half of a codelist or term.
type Part uint8

const (
	PartName Part = iota + 1
	PartAttributes
)

func (p Part) String() string {
	switch p {
	case PartName:
		return "names"
	case PartAttributes:
		return "attributes"
	}
	return "unknown"
}

// ParsePart accepts the path segment used by the HTTP API.
func ParsePart(s string) (Part, error) {
	switch s {
	case "names", "name":
		return PartName, nil
	case "attributes":
		return PartAttributes, nil
	}
	return 0, apperr.Validation("ct.part", "unknown part %q, expected names or attributes", s)
}

// The outer roots carry no values; their Name and Attributes sub-roots share
// the outer uid and are versioned on their own.
var (
	CodelistRootKind       = versioning.Kind{Name: "CTCodelist", RootLabel: "CTCodelistRoot"}
	CodelistNameKind       = versioning.Kind{Name: "CTCodelistName", RootLabel: "CTCodelistNameRoot", ValueLabel: "CTCodelistNameValue"}
	CodelistAttributesKind = versioning.Kind{Name: "CTCodelistAttributes", RootLabel: "CTCodelistAttributesRoot", ValueLabel: "CTCodelistAttributesValue"}
	TermRootKind           = versioning.Kind{Name: "CTTerm", RootLabel: "CTTermRoot"}
	TermNameKind           = versioning.Kind{Name: "CTTermName", RootLabel: "CTTermNameRoot", ValueLabel: "CTTermNameValue"}
	TermAttributesKind     = versioning.Kind{Name: "CTTermAttributes", RootLabel: "CTTermAttributesRoot", ValueLabel: "CTTermAttributesValue"}
)

const (
	EdgeHasNameRoot       = "HAS_NAME_ROOT"
	EdgeHasAttributesRoot = "HAS_ATTRIBUTES_ROOT"
	// EdgeHasTerm runs from a codelist root to a CTCodelistTerm node and
	// carries the membership dates and order.
	EdgeHasTerm     = "HAS_TERM"
	EdgeHasTermRoot = "HAS_TERM_ROOT"

	CodelistTermLabel = "CTCodelistTerm"
)

// ParentType is the kind of link between a term and its parent term.
type ParentType string

const (
	ParentTypeType        ParentType = "type"
	ParentTypeSubtype     ParentType = "subtype"
	ParentTypePredecessor ParentType = "predecessor"
)

var parentEdges = map[ParentType]string{
	ParentTypeType:        "HAS_PARENT_TYPE",
	ParentTypeSubtype:     "HAS_PARENT_SUB_TYPE",
	ParentTypePredecessor: "HAS_PREDECESSOR",
}

// ParseParentType fails with Validation for anything but type, subtype and
// predecessor.
func ParseParentType(s string) (ParentType, error) {
	t := ParentType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := parentEdges[t]; !ok {
		return "", apperr.Validation("ct.parent_type", "Invalid relationship type '%s', expected one of type, subtype, predecessor", s)
	}
	return t, nil
}

// CodelistName is the sponsor facing name of a codelist.
type CodelistName struct {
	libraryitem.Item
	Name              string
	TemplateParameter bool
}

// CodelistAttributesVO is the published definition of a codelist.
type CodelistAttributesVO struct {
	Name             string `json:"name"`
	SubmissionValue  string `json:"submission_value"`
	NCIPreferredName string `json:"nci_preferred_name,omitempty"`
	Definition       string `json:"definition,omitempty"`
	Extensible       bool   `json:"extensible"`
	Ordinal          bool   `json:"ordinal"`
}

func (v CodelistAttributesVO) validate(op string) error {
	if strings.TrimSpace(v.Name) == "" {
		return apperr.Validation(op, "name is required")
	}
	if strings.TrimSpace(v.SubmissionValue) == "" {
		return apperr.Validation(op, "submission_value is required")
	}
	return nil
}

func (v CodelistAttributesVO) props() graph.Props {
	p := graph.Props{
		"name":             v.Name,
		"submission_value": v.SubmissionValue,
		"extensible":       v.Extensible,
		"ordinal":          v.Ordinal,
	}
	if v.NCIPreferredName != "" {
		p["preferred_term"] = v.NCIPreferredName
	}
	if v.Definition != "" {
		p["definition"] = v.Definition
	}
	return p
}

type CodelistAttributes struct {
	libraryitem.Item
	VO CodelistAttributesVO
}

// TermName is the sponsor preferred name of a term.
type TermName struct {
	libraryitem.Item
	Name             string
	NameSentenceCase string
}

func validateTermName(op, name, sentenceCase string) error {
	if strings.TrimSpace(name) == "" {
		return apperr.Validation(op, "sponsor_preferred_name is required")
	}
	if sentenceCase == "" {
		return apperr.Validation(op, "sponsor_preferred_name_sentence_case is required")
	}
	if !strings.EqualFold(name, sentenceCase) {
		return apperr.Validation(op, "Lowercase versions of '%s' and '%s' must be equal", name, sentenceCase)
	}
	return nil
}

// TermAttributesVO is the published definition of a term.
type TermAttributesVO struct {
	ConceptID           string `json:"concept_id,omitempty"`
	CodeSubmissionValue string `json:"code_submission_value"`
	NCIPreferredName    string `json:"nci_preferred_name,omitempty"`
	Definition          string `json:"definition,omitempty"`
}

func (v TermAttributesVO) props() graph.Props {
	p := graph.Props{"code_submission_value": v.CodeSubmissionValue}
	if v.ConceptID != "" {
		p["concept_id"] = v.ConceptID
	}
	if v.NCIPreferredName != "" {
		p["preferred_term"] = v.NCIPreferredName
	}
	if v.Definition != "" {
		p["definition"] = v.Definition
	}
	return p
}

type TermAttributes struct {
	libraryitem.Item
	VO TermAttributesVO
}

// TermPart is either a *TermName or a *TermAttributes. Which one is chosen
// by the Part the caller passes, never by inspecting stored labels.
type TermPart interface {
	libraryitem.Aggregate
	termPart() Part
}

func (*TermName) termPart() Part       { return PartName }
func (*TermAttributes) termPart() Part { return PartAttributes }

// Membership is one period during which a term belonged to a codelist.
type Membership struct {
	CodelistUID     string     `json:"codelist_uid"`
	TermUID         string     `json:"term_uid"`
	SubmissionValue string     `json:"submission_value"`
	Order           *int64     `json:"order"`
	StartDate       time.Time  `json:"start_date"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	AuthorID        string     `json:"author_id"`
	// Name is the term's sponsor preferred name at the time asked for.
	Name string `json:"sponsor_preferred_name,omitempty"`
}

// InForceAt reports whether the membership covered t.
func (m Membership) InForceAt(t time.Time) bool {
	return !m.StartDate.After(t) && (m.EndDate == nil || m.EndDate.After(t))
}

// Parent is a link from a term to another term.
type Parent struct {
	Type    ParentType `json:"relationship_type"`
	TermUID string     `json:"term_uid"`
}
