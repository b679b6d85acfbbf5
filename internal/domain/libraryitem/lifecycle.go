package libraryitem

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/platform/graph"
)

// Lifecycle runs the transitions shared by every library item, each in its
// own write transaction with the root locked.
type Lifecycle[A Aggregate] struct {
	runner *Runner
	repo   *Repository[A]
	log    zerolog.Logger
	prefix string

	// BeforeApprove, when set, validates an item before it becomes Final.
	BeforeApprove func(ctx context.Context, tx graph.Tx, a A) error
}

func NewLifecycle[A Aggregate](runner *Runner, repo *Repository[A], log zerolog.Logger) *Lifecycle[A] {
	return &Lifecycle[A]{
		runner: runner,
		repo:   repo,
		log:    log,
		prefix: strings.ToLower(repo.Kind().Name),
	}
}

func (l *Lifecycle[A]) Repo() *Repository[A] { return l.repo }

func (l *Lifecycle[A]) Runner() *Runner { return l.runner }

// Mutate loads uid for update, applies fn and saves the result.
func (l *Lifecycle[A]) Mutate(ctx context.Context, op, uid, author string, fn func(tx graph.Tx, a A) error) (A, error) {
	var out A
	err := l.runner.Write(ctx, l.prefix+"."+op, func(tx graph.Tx) error {
		a, err := l.repo.GetForUpdate(ctx, tx, uid)
		if err != nil {
			return err
		}
		if err := fn(tx, a); err != nil {
			return err
		}
		saved, err := l.repo.SaveAndReload(ctx, tx, a, author)
		if err != nil {
			return err
		}
		out = saved
		return nil
	})
	if err != nil {
		var zero A
		return zero, err
	}
	it := out.Base()
	l.log.Debug().Str("kind", l.repo.Kind().Name).Str("uid", uid).Str("op", op).
		Str("status", string(it.Meta.Status)).Stringer("version", it.Meta.Version).Msg("library item transition")
	return out, nil
}

func (l *Lifecycle[A]) Approve(ctx context.Context, uid, author string) (A, error) {
	return l.Mutate(ctx, "approve", uid, author, func(tx graph.Tx, a A) error {
		if l.BeforeApprove != nil {
			if err := l.BeforeApprove(ctx, tx, a); err != nil {
				return err
			}
		}
		return a.Base().Approve(author, l.repo.Now())
	})
}

func (l *Lifecycle[A]) NewVersion(ctx context.Context, uid, author, desc string) (A, error) {
	return l.Mutate(ctx, "new_version", uid, author, func(_ graph.Tx, a A) error {
		return a.Base().NewVersion(author, desc, l.repo.Now())
	})
}

func (l *Lifecycle[A]) Inactivate(ctx context.Context, uid, author string) (A, error) {
	return l.Mutate(ctx, "inactivate", uid, author, func(_ graph.Tx, a A) error {
		return a.Base().Inactivate(author, l.repo.Now())
	})
}

func (l *Lifecycle[A]) Reactivate(ctx context.Context, uid, author string) (A, error) {
	return l.Mutate(ctx, "reactivate", uid, author, func(_ graph.Tx, a A) error {
		return a.Base().Reactivate(author, l.repo.Now())
	})
}

// Delete removes a never approved item.
func (l *Lifecycle[A]) Delete(ctx context.Context, uid, author string) error {
	_, err := l.Mutate(ctx, "delete", uid, author, func(_ graph.Tx, a A) error {
		return a.Base().Delete()
	})
	return err
}

// SoftDelete flags an item that has been approved at least once.
func (l *Lifecycle[A]) SoftDelete(ctx context.Context, uid, author string) error {
	_, err := l.Mutate(ctx, "soft_delete", uid, author, func(_ graph.Tx, a A) error {
		return a.Base().SoftDelete()
	})
	return err
}
