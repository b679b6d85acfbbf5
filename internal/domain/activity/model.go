// Package activity manages the activity hierarchy: activity groups,
// subgroups linked to groups, activities placed in (subgroup, group)
// groupings and activity instances placed under activities.
package activity

import (
	"slices"
	"strings"

	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

var (
	GroupKind    = versioning.Kind{Name: "ActivityGroup", RootLabel: "ActivityGroupRoot", ValueLabel: "ActivityGroupValue"}
	SubGroupKind = versioning.Kind{Name: "ActivitySubGroup", RootLabel: "ActivitySubGroupRoot", ValueLabel: "ActivitySubGroupValue"}
	ActivityKind = versioning.Kind{Name: "Activity", RootLabel: "ActivityRoot", ValueLabel: "ActivityValue"}
	InstanceKind = versioning.Kind{Name: "ActivityInstance", RootLabel: "ActivityInstanceRoot", ValueLabel: "ActivityInstanceValue"}
)

// Reference edges from value nodes. Activity and instance groupings are
// stored as one edge per level sharing the grouping's order.
const (
	EdgeInGroup     = "IN_GROUP"
	EdgeInSubGroup  = "IN_SUBGROUP"
	EdgeForActivity = "FOR_ACTIVITY"
)

// Concept holds the naming attributes every activity entity has.
type Concept struct {
	Name             string `json:"name"`
	NameSentenceCase string `json:"name_sentence_case"`
	Definition       string `json:"definition,omitempty"`
	Abbreviation     string `json:"abbreviation,omitempty"`
}

func (c Concept) validate(op string) error {
	if strings.TrimSpace(c.Name) == "" {
		return apperr.Validation(op, "name is required")
	}
	if c.NameSentenceCase == "" {
		return apperr.Validation(op, "name_sentence_case is required")
	}
	if !strings.EqualFold(c.Name, c.NameSentenceCase) {
		return apperr.Validation(op, "Lowercase versions of '%s' and '%s' must be equal", c.Name, c.NameSentenceCase)
	}
	return nil
}

func (c Concept) props() graph.Props {
	p := graph.Props{"name": c.Name, "name_sentence_case": c.NameSentenceCase}
	if c.Definition != "" {
		p["definition"] = c.Definition
	}
	if c.Abbreviation != "" {
		p["abbreviation"] = c.Abbreviation
	}
	return p
}

func conceptFrom(p graph.Props) Concept {
	return Concept{
		Name:             p.String("name"),
		NameSentenceCase: p.String("name_sentence_case"),
		Definition:       p.String("definition"),
		Abbreviation:     p.String("abbreviation"),
	}
}

// Pinned is a reference to another entity at the version it was pinned to.
type Pinned struct {
	UID     string `json:"uid"`
	Version string `json:"version"`
	Name    string `json:"name,omitempty"`
}

// Group is an activity group.
type Group struct {
	libraryitem.Item
	Concept Concept
}

// SubGroupVO is the business content of a subgroup.
type SubGroupVO struct {
	Concept
	GroupUIDs []string `json:"activity_groups"`
}

func (v SubGroupVO) Equal(o SubGroupVO) bool {
	return v.Concept == o.Concept && slices.Equal(v.GroupUIDs, o.GroupUIDs)
}

// SubGroup is an activity subgroup. Groups holds the versions the stored
// value is pinned to.
type SubGroup struct {
	libraryitem.Item
	VO     SubGroupVO
	Groups []Pinned
}

// Grouping places an activity in a subgroup of a group.
type Grouping struct {
	SubGroupUID string `json:"activity_subgroup_uid"`
	GroupUID    string `json:"activity_group_uid"`
}

// PinnedGrouping is a Grouping resolved to the pinned versions.
type PinnedGrouping struct {
	SubGroup Pinned `json:"activity_subgroup"`
	Group    Pinned `json:"activity_group"`
}

// ActivityVO is the business content of an activity.
type ActivityVO struct {
	Concept
	NCIConceptID               string     `json:"nci_concept_id,omitempty"`
	IsDataCollected            bool       `json:"is_data_collected"`
	IsMultipleSelectionAllowed bool       `json:"is_multiple_selection_allowed"`
	Synonyms                   []string   `json:"synonyms,omitempty"`
	Groupings                  []Grouping `json:"activity_groupings"`
}

func (v ActivityVO) Equal(o ActivityVO) bool {
	return v.Concept == o.Concept &&
		v.NCIConceptID == o.NCIConceptID &&
		v.IsDataCollected == o.IsDataCollected &&
		v.IsMultipleSelectionAllowed == o.IsMultipleSelectionAllowed &&
		slices.Equal(v.Synonyms, o.Synonyms) &&
		slices.Equal(v.Groupings, o.Groupings)
}

// HasGrouping reports whether the activity sits in subgroup/group.
func (v ActivityVO) HasGrouping(subgroupUID, groupUID string) bool {
	return slices.Contains(v.Groupings, Grouping{SubGroupUID: subgroupUID, GroupUID: groupUID})
}

type Activity struct {
	libraryitem.Item
	VO        ActivityVO
	Groupings []PinnedGrouping
}

// InstanceGrouping places an instance under an activity in one of the
// activity's groupings.
type InstanceGrouping struct {
	ActivityUID string `json:"activity_uid"`
	SubGroupUID string `json:"activity_subgroup_uid"`
	GroupUID    string `json:"activity_group_uid"`
}

type PinnedInstanceGrouping struct {
	Activity Pinned `json:"activity"`
	SubGroup Pinned `json:"activity_subgroup"`
	Group    Pinned `json:"activity_group"`
}

// InstanceVO is the business content of an activity instance.
type InstanceVO struct {
	Concept
	TopicCode                    string             `json:"topic_code,omitempty"`
	AdamParamCode                string             `json:"adam_param_code,omitempty"`
	InstanceClass                string             `json:"activity_instance_class,omitempty"`
	IsRequiredForActivity        bool               `json:"is_required_for_activity"`
	IsDefaultSelectedForActivity bool               `json:"is_default_selected_for_activity"`
	IsDataSharing                bool               `json:"is_data_sharing"`
	IsLegacyUsage                bool               `json:"is_legacy_usage"`
	IsDerived                    bool               `json:"is_derived"`
	Groupings                    []InstanceGrouping `json:"activity_groupings"`
}

func (v InstanceVO) Equal(o InstanceVO) bool {
	return v.Concept == o.Concept &&
		v.TopicCode == o.TopicCode &&
		v.AdamParamCode == o.AdamParamCode &&
		v.InstanceClass == o.InstanceClass &&
		v.IsRequiredForActivity == o.IsRequiredForActivity &&
		v.IsDefaultSelectedForActivity == o.IsDefaultSelectedForActivity &&
		v.IsDataSharing == o.IsDataSharing &&
		v.IsLegacyUsage == o.IsLegacyUsage &&
		v.IsDerived == o.IsDerived &&
		slices.Equal(v.Groupings, o.Groupings)
}

type Instance struct {
	libraryitem.Item
	VO        InstanceVO
	Groupings []PinnedInstanceGrouping
}
