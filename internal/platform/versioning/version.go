// Package versioning stores versioned entities as a root node plus immutable
// value nodes connected through dated, status-tagged HAS_VERSION edges, and
// answers "which value was in force at version V, status S or time T".
package versioning

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mdr/mdr/internal/platform/apperr"
)

// Status is the lifecycle status persisted on version edges.
type Status string

const (
	Draft   Status = "Draft"
	Final   Status = "Final"
	Retired Status = "Retired"
)

// ParseStatus accepts the wire values verbatim.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case Draft, Final, Retired:
		return Status(s), nil
	}
	return "", apperr.Validation("versioning.status", "invalid status %q, expected one of Draft, Final, Retired", s)
}

// Version is a (major, minor) pair, serialized "{major}.{minor}".
type Version struct {
	Major int
	Minor int
}

// InitialDraft is the version every new entity starts at.
var InitialDraft = Version{Major: 0, Minor: 1}

// ParseVersion parses "1.10" numerically.
func ParseVersion(s string) (Version, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return Version{}, apperr.Validation("versioning.version", "invalid version %q", s)
	}
	ma, err1 := strconv.Atoi(major)
	mi, err2 := strconv.Atoi(minor)
	if err1 != nil || err2 != nil || ma < 0 || mi < 0 {
		return Version{}, apperr.Validation("versioning.version", "invalid version %q", s)
	}
	return Version{Major: ma, Minor: mi}, nil
}

// MustParseVersion panics on malformed input. Intended for literals.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		if v.Major < o.Major {
			return -1
		}
		return 1
	case v.Minor != o.Minor:
		if v.Minor < o.Minor {
			return -1
		}
		return 1
	}
	return 0
}

func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// NextMinor is used by draft edits and new drafts.
func (v Version) NextMinor() Version { return Version{Major: v.Major, Minor: v.Minor + 1} }

// NextMajor is the version an approval produces.
func (v Version) NextMajor() Version { return Version{Major: v.Major + 1, Minor: 0} }

// Bump names the version change applied by a lifecycle transition.
type Bump int

const (
	// BumpNone keeps the version (inactivate, reactivate, reference refresh).
	BumpNone Bump = iota
	// BumpMinor adds one to minor (draft edit, new draft).
	BumpMinor
	// BumpMajor moves to the next major and resets minor (approve).
	BumpMajor
)

// Apply returns v changed by b.
func (v Version) Apply(b Bump) Version {
	switch b {
	case BumpMinor:
		return v.NextMinor()
	case BumpMajor:
		return v.NextMajor()
	}
	return v
}

func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := ParseVersion(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
