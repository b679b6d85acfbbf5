package study

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/domain/activity"
	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// Snapshotter records the schedule of activities of a frozen study version.
type Snapshotter interface {
	Snapshot(ctx context.Context, studyUID, version string) error
}

// Event reports a committed change of a study's lifecycle status.
type Event struct {
	Type     string    `json:"type"`
	StudyUID string    `json:"study_uid"`
	Version  string    `json:"study_version,omitempty"`
	AuthorID string    `json:"author_id"`
	At       time.Time `json:"occurred_at"`
}

const (
	EventLocked   = "study.locked"
	EventUnlocked = "study.unlocked"
	EventReleased = "study.released"
)

type Service struct {
	runner     *libraryitem.Runner
	activities *activity.Repos
	authors    libraryitem.Authors
	snapshots  Snapshotter
	listeners  []func(context.Context, Event)
	now        func() time.Time
	log        zerolog.Logger
}

func NewService(runner *libraryitem.Runner, activities *activity.Repos, authors libraryitem.Authors, now func() time.Time, log zerolog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{runner: runner, activities: activities, authors: authors, now: now, log: log}
}

// SetSnapshotter registers the hook run after a study is locked or
// released.
func (s *Service) SetSnapshotter(sn Snapshotter) { s.snapshots = sn }

// OnEvent registers fn to be called after every lock, unlock and release.
// Register listeners before serving requests.
func (s *Service) OnEvent(fn func(context.Context, Event)) {
	s.listeners = append(s.listeners, fn)
}

func (s *Service) emit(ctx context.Context, typ, uid, version, author string) {
	ev := Event{Type: typ, StudyUID: uid, Version: version, AuthorID: author, At: s.now()}
	for _, fn := range s.listeners {
		fn(ctx, ev)
	}
}

func (s *Service) username(ctx context.Context, authorID string) string {
	if s.authors == nil {
		return authorID
	}
	return s.authors.Username(ctx, authorID)
}

// write runs fn against the draft of a study with its root locked.
func (s *Service) write(ctx context.Context, op, uid, author string, fn func(st *studyTx) error) error {
	return s.runner.Write(ctx, op, func(tx graph.Tx) error {
		root, err := findRoot(ctx, tx, uid)
		if err != nil {
			return err
		}
		if err := tx.Lock(ctx, root.ID); err != nil {
			return err
		}
		if root, err = tx.Node(ctx, root.ID); err != nil {
			return err
		}
		if Status(root.Props.String("status")) != StatusDraft {
			return apperr.BusinessLogic(op, "Study with UID '%s' is locked", uid)
		}
		value, err := currentValue(ctx, tx, root)
		if err != nil {
			return err
		}
		return fn(&studyTx{ctx: ctx, tx: tx, svc: s, root: root, value: value, author: author, now: s.now()})
	})
}

func (s *Service) validate(ctx context.Context, r graph.Reader, op, self string, in Input) error {
	if err := required(op, "project_number", in.ProjectNumber); err != nil {
		return err
	}
	if strings.TrimSpace(in.StudyNumber) == "" && strings.TrimSpace(in.StudyAcronym) == "" {
		return apperr.Validation(op, "either study_number or study_acronym is required")
	}
	roots, err := r.FindNodes(ctx, rootLabel, nil)
	if err != nil {
		return err
	}
	for _, root := range roots {
		if root.UID() == self || versioning.IsDeleted(root) {
			continue
		}
		value, err := currentValue(ctx, r, root)
		if err != nil {
			return err
		}
		other := inputFrom(value.Props)
		if in.StudyNumber != "" && other.ProjectNumber == in.ProjectNumber && other.StudyNumber == in.StudyNumber {
			return apperr.AlreadyExists(op, "Study number '%s' already exists in project '%s'", in.StudyNumber, in.ProjectNumber)
		}
		if in.StudyAcronym != "" && strings.EqualFold(other.StudyAcronym, in.StudyAcronym) {
			return apperr.AlreadyExists(op, "Study acronym '%s' already exists", in.StudyAcronym)
		}
	}
	return nil
}

func (s *Service) Create(ctx context.Context, author string, in Input) (*Study, error) {
	const op = "study.create"
	var uid string
	err := s.runner.Write(ctx, op, func(tx graph.Tx) error {
		if err := s.validate(ctx, tx, op, "", in); err != nil {
			return err
		}
		var err error
		if uid, err = versioning.NextUID(ctx, tx, "Study"); err != nil {
			return err
		}
		root, err := tx.CreateNode(ctx, []string{rootLabel}, graph.Props{graph.UIDProp: uid, "status": string(StatusDraft)})
		if err != nil {
			return err
		}
		value, err := tx.CreateNode(ctx, []string{valueLabel}, in.props())
		if err != nil {
			return err
		}
		if _, err := tx.CreateEdge(ctx, edgeLatestValue, root.ID, value.ID, nil); err != nil {
			return err
		}
		_, err = versioning.RecordAction(ctx, tx, root.ID, versioning.ActionCreate, "", value.ID, author, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("uid", uid).Msg("study created")
	return s.Get(ctx, uid, "")
}

// Edit replaces the study attributes of the draft.
func (s *Service) Edit(ctx context.Context, author, uid string, in Input) (*Study, error) {
	const op = "study.edit"
	err := s.write(ctx, op, uid, author, func(st *studyTx) error {
		if err := s.validate(ctx, st.tx, op, uid, in); err != nil {
			return err
		}
		if in.props().Equal(inputFrom(st.value.Props).props()) {
			return nil
		}
		next, err := copyValue(ctx, st.tx, st.value)
		if err != nil {
			return err
		}
		if err := st.tx.SetProps(ctx, next.ID, in.props()); err != nil {
			return err
		}
		if err := repointValue(ctx, st.tx, st.root, next); err != nil {
			return err
		}
		return st.record(versioning.ActionEdit, st.value.ID, next.ID)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, uid, "")
}

func repointValue(ctx context.Context, tx graph.Tx, root, value *graph.Node) error {
	edges, err := tx.Out(ctx, root.ID, edgeLatestValue)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if err := tx.DeleteEdge(ctx, e.ID); err != nil {
			return err
		}
	}
	_, err = tx.CreateEdge(ctx, edgeLatestValue, root.ID, value.ID, nil)
	return err
}

// Delete soft deletes a study that was never locked or released.
func (s *Service) Delete(ctx context.Context, author, uid string) error {
	const op = "study.delete"
	return s.write(ctx, op, uid, author, func(st *studyTx) error {
		versions, err := st.tx.Out(ctx, st.root.ID, edgeHasVersion)
		if err != nil {
			return err
		}
		if len(versions) > 0 {
			return apperr.BusinessLogic(op, "Study with UID '%s' has locked or released versions and can't be deleted", uid)
		}
		if err := versioning.MarkDeleted(ctx, st.tx, st.root, st.now); err != nil {
			return err
		}
		return st.record(versioning.ActionDelete, st.value.ID, "")
	})
}

// Lock freezes the draft as the next major version.
func (s *Service) Lock(ctx context.Context, author, uid, desc string) (*Study, error) {
	const op = "study.lock"
	if err := required(op, "change_description", desc); err != nil {
		return nil, err
	}
	var version string
	err := s.write(ctx, op, uid, author, func(st *studyTx) error {
		for _, k := range Kinds {
			if err := st.checkOrder(k); err != nil {
				return err
			}
		}
		v, err := st.freeze(StatusLocked, desc, st.value)
		if err != nil {
			return err
		}
		version = v
		return st.tx.SetProps(ctx, st.root.ID, graph.Props{"status": string(StatusLocked)})
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("uid", uid).Str("version", version).Msg("study locked")
	s.snapshot(ctx, uid, version)
	s.emit(ctx, EventLocked, uid, version, author)
	return s.Get(ctx, uid, "")
}

// Release records a copy of the draft as the next minor version. The study
// stays in draft.
func (s *Service) Release(ctx context.Context, author, uid, desc string) (*Study, error) {
	const op = "study.release"
	if err := required(op, "change_description", desc); err != nil {
		return nil, err
	}
	var version string
	err := s.write(ctx, op, uid, author, func(st *studyTx) error {
		frozen, err := copyValue(ctx, st.tx, st.value)
		if err != nil {
			return err
		}
		version, err = st.freeze(StatusReleased, desc, frozen)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("uid", uid).Str("version", version).Msg("study released")
	s.snapshot(ctx, uid, version)
	s.emit(ctx, EventReleased, uid, version, author)
	return s.Get(ctx, uid, "")
}

// freeze links value as a new version of the study and returns its number.
func (st *studyTx) freeze(status Status, desc string, value *graph.Node) (string, error) {
	versions, err := st.tx.Out(st.ctx, st.root.ID, edgeHasVersion)
	if err != nil {
		return "", err
	}
	top := highestVersion(versions)
	next := top.NextMinor()
	if status == StatusLocked {
		next = top.NextMajor()
	}
	_, err = st.tx.CreateEdge(st.ctx, edgeHasVersion, st.root.ID, value.ID, graph.Props{
		"status":             string(status),
		"version":            next.String(),
		"start_date":         st.now,
		"author_id":          st.author,
		"change_description": desc,
	})
	return next.String(), err
}

// Unlock continues work on a copy of the locked value.
func (s *Service) Unlock(ctx context.Context, author, uid string) (*Study, error) {
	const op = "study.unlock"
	err := s.runner.Write(ctx, op, func(tx graph.Tx) error {
		root, err := findRoot(ctx, tx, uid)
		if err != nil {
			return err
		}
		if err := tx.Lock(ctx, root.ID); err != nil {
			return err
		}
		if root, err = tx.Node(ctx, root.ID); err != nil {
			return err
		}
		if Status(root.Props.String("status")) != StatusLocked {
			return apperr.BusinessLogic(op, "Study with UID '%s' isn't locked", uid)
		}
		locked, err := currentValue(ctx, tx, root)
		if err != nil {
			return err
		}
		draft, err := copyValue(ctx, tx, locked)
		if err != nil {
			return err
		}
		if err := repointValue(ctx, tx, root, draft); err != nil {
			return err
		}
		return tx.SetProps(ctx, root.ID, graph.Props{"status": string(StatusDraft)})
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("uid", uid).Msg("study unlocked")
	s.emit(ctx, EventUnlocked, uid, "", author)
	return s.Get(ctx, uid, "")
}

func (s *Service) snapshot(ctx context.Context, uid, version string) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Snapshot(ctx, uid, version); err != nil {
		s.log.Warn().Err(err).Str("uid", uid).Str("version", version).Msg("soa snapshot failed")
	}
}

// Get returns the study at version, or its current value when version is
// empty.
func (s *Service) Get(ctx context.Context, uid, version string) (*Study, error) {
	var out *Study
	err := s.runner.View(ctx, func(r graph.Reader) error {
		root, err := findRoot(ctx, r, uid)
		if err != nil {
			return err
		}
		out, err = s.studyAt(ctx, r, root, version)
		return err
	})
	return out, err
}

func (s *Service) studyAt(ctx context.Context, r graph.Reader, root *graph.Node, version string) (*Study, error) {
	value, edge, err := valueAt(ctx, r, root, version)
	if err != nil {
		return nil, err
	}
	in := inputFrom(value.Props)
	st := &Study{
		UID:           root.UID(),
		StudyID:       studyID(in),
		StudyNumber:   in.StudyNumber,
		StudyAcronym:  in.StudyAcronym,
		ProjectNumber: in.ProjectNumber,
		Description:   in.Description,
		Status:        Status(root.Props.String("status")),
		Deleted:       versioning.IsDeleted(root),
	}
	if edge != nil {
		st.Status = Status(edge.Props.String("status"))
		st.Version = edge.Props.String("version")
	}
	versions, err := r.Out(ctx, root.ID, edgeHasVersion)
	if err != nil {
		return nil, err
	}
	for _, e := range versions {
		snap := snapshotOf(e)
		snap.AuthorUsername = s.username(ctx, snap.AuthorID)
		st.Versions = append(st.Versions, snap)
	}
	sort.SliceStable(st.Versions, func(i, j int) bool { return st.Versions[i].StartDate.Before(st.Versions[j].StartDate) })

	st.PossibleActions = []string{}
	switch {
	case version != "" || st.Deleted:
	case st.Status == StatusLocked:
		st.PossibleActions = []string{"unlock"}
	case len(versions) == 0:
		st.PossibleActions = []string{"edit", "lock", "release", "delete"}
	default:
		st.PossibleActions = []string{"edit", "lock", "release"}
	}
	return st, nil
}

// List returns every study at its current value.
func (s *Service) List(ctx context.Context, includeDeleted bool) ([]*Study, error) {
	var out []*Study
	err := s.runner.View(ctx, func(r graph.Reader) error {
		roots, err := r.FindNodes(ctx, rootLabel, nil)
		if err != nil {
			return err
		}
		for _, root := range roots {
			if versioning.IsDeleted(root) && !includeDeleted {
				continue
			}
			st, err := s.studyAt(ctx, r, root, "")
			if err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, err
}

// AuditEntry is one change to a study or its selections.
type AuditEntry struct {
	ChangeType     versioning.ActionType `json:"change_type"`
	Date           time.Time             `json:"date"`
	AuthorID       string                `json:"author_id"`
	AuthorUsername string                `json:"author_username"`
	Type           string                `json:"type"`
	UID            string                `json:"uid,omitempty"`
	Before         map[string]any        `json:"before,omitempty"`
	After          map[string]any        `json:"after,omitempty"`
}

// AuditTrail lists the changes of a study, newest first. typ filters by
// selection kind name, or "Study" for the study attributes.
func (s *Service) AuditTrail(ctx context.Context, uid, typ string) ([]AuditEntry, error) {
	var out []AuditEntry
	err := s.runner.View(ctx, func(r graph.Reader) error {
		root, err := graph.FindOne(ctx, r, rootLabel, graph.Props{graph.UIDProp: uid})
		if err != nil {
			return err
		}
		if root == nil {
			return apperr.NotFound("study.audit_trail", "Study with UID '%s' doesn't exist", uid)
		}
		actions, err := versioning.AuditTrail(ctx, r, root.ID)
		if err != nil {
			return err
		}
		for _, a := range actions {
			entry := AuditEntry{ChangeType: a.Type, Date: a.Date, AuthorID: a.AuthorID, AuthorUsername: s.username(ctx, a.AuthorID)}
			for _, side := range []struct {
				id  string
				dst *map[string]any
			}{{a.BeforeID, &entry.Before}, {a.AfterID, &entry.After}} {
				if side.id == "" {
					continue
				}
				n, err := r.Node(ctx, side.id)
				if err != nil {
					return err
				}
				entry.Type, entry.UID = auditType(n), n.UID()
				*side.dst = n.Props.Clone()
			}
			if typ == "" || entry.Type == typ {
				out = append(out, entry)
			}
		}
		return nil
	})
	return out, err
}

func auditType(n *graph.Node) string {
	if n.HasLabel(valueLabel) {
		return "Study"
	}
	for _, k := range Kinds {
		if n.HasLabel(k.Name) {
			return k.Name
		}
	}
	return ""
}

// Contents is a study version with every selection, names resolved.
type Contents struct {
	Study             *Study
	Epochs            []*Epoch
	Visits            []*Visit
	Arms              []*Arm
	BranchArms        []*BranchArm
	Cohorts           []*Cohort
	Activities        []*Activity
	ActivityInstances []*ActivityInstance
	Schedules         []*Schedule
	Footnotes         []*Footnote
}

// Contents reads a whole study version in one view.
func (s *Service) Contents(ctx context.Context, uid, version string) (*Contents, error) {
	out := &Contents{}
	err := s.runner.View(ctx, func(r graph.Reader) error {
		root, err := findRoot(ctx, r, uid)
		if err != nil {
			return err
		}
		if out.Study, err = s.studyAt(ctx, r, root, version); err != nil {
			return err
		}
		value, _, err := valueAt(ctx, r, root, version)
		if err != nil {
			return err
		}
		if out.Epochs, err = readAll[Epoch](ctx, s, r, uid, value.ID); err != nil {
			return err
		}
		if out.Visits, err = readAll[Visit](ctx, s, r, uid, value.ID); err != nil {
			return err
		}
		if out.Arms, err = readAll[Arm](ctx, s, r, uid, value.ID); err != nil {
			return err
		}
		if out.BranchArms, err = readAll[BranchArm](ctx, s, r, uid, value.ID); err != nil {
			return err
		}
		if out.Cohorts, err = readAll[Cohort](ctx, s, r, uid, value.ID); err != nil {
			return err
		}
		if out.Activities, err = readAll[Activity](ctx, s, r, uid, value.ID); err != nil {
			return err
		}
		if out.ActivityInstances, err = readAll[ActivityInstance](ctx, s, r, uid, value.ID); err != nil {
			return err
		}
		if out.Schedules, err = readAll[Schedule](ctx, s, r, uid, value.ID); err != nil {
			return err
		}
		out.Footnotes, err = readAll[Footnote](ctx, s, r, uid, value.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
