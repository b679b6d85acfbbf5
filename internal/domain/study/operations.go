package study

import (
	"context"
	"encoding/json"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/graph"
)

// readAll loads the selections of T and resolves their display fields.
func readAll[T any, P selectionPtr[T]](ctx context.Context, s *Service, r graph.Reader, studyUID, valueID string) ([]P, error) {
	all, err := loadAll[T, P](ctx, r, studyUID, valueID)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if err := s.present(ctx, r, p); err != nil {
			return nil, err
		}
	}
	return all, nil
}

func (s *Service) present(ctx context.Context, r graph.Reader, sel Selection) error {
	b := sel.base()
	b.AuthorUsername = s.username(ctx, b.AuthorID)
	if res, ok := sel.(resolver); ok {
		return res.resolve(ctx, r)
	}
	return nil
}

// List returns the selections of T in a study version, in order. An empty
// version reads the current value.
func List[T any, P selectionPtr[T]](ctx context.Context, s *Service, studyUID, version string) ([]P, error) {
	var out []P
	err := s.runner.View(ctx, func(r graph.Reader) error {
		root, err := findRoot(ctx, r, studyUID)
		if err != nil {
			return err
		}
		value, _, err := valueAt(ctx, r, root, version)
		if err != nil {
			return err
		}
		out, err = readAll[T, P](ctx, s, r, studyUID, value.ID)
		return err
	})
	return out, err
}

// Get returns one selection of T.
func Get[T any, P selectionPtr[T]](ctx context.Context, s *Service, studyUID, uid, version string) (P, error) {
	var out P
	err := s.runner.View(ctx, func(r graph.Reader) error {
		root, err := findRoot(ctx, r, studyUID)
		if err != nil {
			return err
		}
		value, _, err := valueAt(ctx, r, root, version)
		if err != nil {
			return err
		}
		if out, err = findIn[T, P](ctx, r, studyUID, value.ID, uid); err != nil {
			return err
		}
		return s.present(ctx, r, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) reread(ctx context.Context, sel Selection) error {
	return s.runner.View(ctx, func(r graph.Reader) error { return s.present(ctx, r, sel) })
}

// Create adds sel to the draft of a study.
func Create[T any, P selectionPtr[T]](ctx context.Context, s *Service, author, studyUID string, sel P) (P, error) {
	op := "study.create_" + sel.Kind().Name
	err := s.write(ctx, op, studyUID, author, func(st *studyTx) error {
		return st.create(sel)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("study_uid", studyUID).Str("uid", sel.base().UID).Str("kind", sel.Kind().Name).Msg("selection created")
	return sel, s.reread(ctx, sel)
}

// Patch applies apply to a copy of the stored selection and saves it. The
// uid can't be changed.
func Patch[T any, P selectionPtr[T]](ctx context.Context, s *Service, author, studyUID, uid string, apply func(P) error) (P, error) {
	var out P
	op := "study.edit_" + P(new(T)).Kind().Name
	err := s.write(ctx, op, studyUID, author, func(st *studyTx) error {
		var err error
		out, err = patchIn[T, P](st, uid, apply)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, s.reread(ctx, out)
}

func patchIn[T any, P selectionPtr[T]](st *studyTx, uid string, apply func(P) error) (P, error) {
	old, err := findIn[T, P](st.ctx, st.tx, st.uid(), st.value.ID, uid)
	if err != nil {
		return nil, err
	}
	next := clone[T, P](old)
	if err := apply(next); err != nil {
		return nil, err
	}
	*next.base() = Base{UID: old.base().UID, StudyUID: old.base().StudyUID, Order: next.base().Order}
	return next, st.edit(old, next)
}

// Delete removes a selection from the draft of a study, together with the
// selections that depend on it.
func Delete[T any, P selectionPtr[T]](ctx context.Context, s *Service, author, studyUID, uid string) error {
	op := "study.delete_" + P(new(T)).Kind().Name
	return s.write(ctx, op, studyUID, author, func(st *studyTx) error {
		sel, err := findIn[T, P](st.ctx, st.tx, st.uid(), st.value.ID, uid)
		if err != nil {
			return err
		}
		return st.remove(sel)
	})
}

// SyncLatestVersion re-pins a study activity or activity instance to the
// latest selectable version of its library item. A selection that is
// already current is returned unchanged.
func SyncLatestVersion[T any, P interface {
	selectionPtr[T]
	syncer
}](ctx context.Context, s *Service, author, studyUID, uid string) (P, error) {
	var out P
	op := "study.sync_" + P(new(T)).Kind().Name
	err := s.write(ctx, op, studyUID, author, func(st *studyTx) error {
		var err error
		out, err = patchIn[T, P](st, uid, func(p P) error {
			p.markSync()
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, s.reread(ctx, out)
}

// BatchOperation is one item of a batch request. Content holds the
// selection for POST, and for PATCH and DELETE at least its uid.
type BatchOperation struct {
	Method  string          `json:"method"`
	Content json.RawMessage `json:"content"`
}

// defaulter is implemented by selections whose flags default to true.
type defaulter interface {
	setDefaults()
}

// New returns an empty selection of T with its defaults applied.
func New[T any, P selectionPtr[T]]() P {
	p := P(new(T))
	if d, ok := any(p).(defaulter); ok {
		d.setDefaults()
	}
	return p
}

// Batch runs ops in order in one transaction. Items that fail are reported
// in the result and leave no trace; the others are kept. When the
// selections of T are inconsistent after the last item, for instance
// because two items selected the same thing, the whole batch is rolled
// back and the error returned.
func Batch[T any, P selectionPtr[T]](ctx context.Context, s *Service, author, studyUID string, ops []BatchOperation) (*apperr.Batch, error) {
	k := P(new(T)).Kind()
	op := "study.batch_" + k.Name
	var result apperr.Batch
	err := s.write(ctx, op, studyUID, author, func(st *studyTx) error {
		result = apperr.Batch{}
		for i, item := range ops {
			sel, status, err := batchItem[T, P](st, item)
			if err != nil {
				s.log.Warn().Err(err).Str("study_uid", studyUID).Int("index", i).Str("kind", k.Name).Msg("batch item failed")
				s.runner.Metrics().BatchItem(op, string(apperr.KindOf(err)))
				result.Fail(i, err)
				continue
			}
			s.runner.Metrics().BatchItem(op, "success")
			if sel == nil {
				result.Ok(i, status, "", nil)
				continue
			}
			if err := s.present(ctx, st.tx, sel); err != nil {
				return err
			}
			result.Ok(i, status, sel.base().UID, sel)
		}
		return st.validateAll(k, func() ([]Selection, error) {
			all, err := loadAll[T, P](st.ctx, st.tx, st.uid(), st.value.ID)
			out := make([]Selection, len(all))
			for i, p := range all {
				out[i] = p
			}
			return out, err
		})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func batchItem[T any, P selectionPtr[T]](st *studyTx, item BatchOperation) (P, int, error) {
	op := "study.batch"
	var ref struct {
		UID string `json:"uid"`
	}
	switch item.Method {
	case "POST":
		sel := New[T, P]()
		if err := json.Unmarshal(item.Content, sel); err != nil {
			return nil, 0, apperr.Validation(op, "invalid content: %v", err)
		}
		*sel.base() = Base{Order: sel.base().Order}
		return sel, 201, st.create(sel)
	case "PATCH", "DELETE":
		if err := json.Unmarshal(item.Content, &ref); err != nil || ref.UID == "" {
			return nil, 0, apperr.Validation(op, "content must carry the uid of the selection")
		}
	default:
		return nil, 0, apperr.Validation(op, "unsupported batch method %q", item.Method)
	}
	if item.Method == "DELETE" {
		sel, err := findIn[T, P](st.ctx, st.tx, st.uid(), st.value.ID, ref.UID)
		if err != nil {
			return nil, 0, err
		}
		return nil, 204, st.remove(sel)
	}
	sel, err := patchIn[T, P](st, ref.UID, func(p P) error {
		if err := json.Unmarshal(item.Content, p); err != nil {
			return apperr.Validation(op, "invalid content: %v", err)
		}
		return nil
	})
	return sel, 200, err
}

// validateAll re-checks every selection of kind k against the others and
// the order of the list.
func (st *studyTx) validateAll(k Kind, load func() ([]Selection, error)) error {
	if err := st.checkOrder(k); err != nil {
		return err
	}
	all, err := load()
	if err != nil {
		return err
	}
	for _, sel := range all {
		if err := sel.check(st, sel); err != nil {
			return err
		}
	}
	return nil
}
