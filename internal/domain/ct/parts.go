package ct

import (
	"context"

	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// PartOps runs the lifecycle of one part of a codelist or term and renders
// the results.
type PartOps interface {
	Get(ctx context.Context, uid string, q versioning.Query) (any, error)
	Versions(ctx context.Context, uid string) ([]any, error)
	Approve(ctx context.Context, uid, author string) (any, error)
	NewVersion(ctx context.Context, uid, author, desc string) (any, error)
	Inactivate(ctx context.Context, uid, author string) (any, error)
	Reactivate(ctx context.Context, uid, author string) (any, error)
}

type partOps[A libraryitem.Aggregate] struct {
	lc   *libraryitem.Lifecycle[A]
	view func(context.Context, A) any
}

func (o partOps[A]) render(ctx context.Context, a A, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return o.view(ctx, a), nil
}

func (o partOps[A]) Get(ctx context.Context, uid string, q versioning.Query) (any, error) {
	a, err := o.lc.Repo().FindByUID(ctx, uid, q)
	if err != nil {
		return nil, err
	}
	if libraryitem.IsNil(a) {
		return nil, apperr.NotFound("ct.get", "%s with UID '%s' has no version matching the query", o.lc.Repo().Kind().Name, uid)
	}
	return o.view(ctx, a), nil
}

// Versions is newest first.
func (o partOps[A]) Versions(ctx context.Context, uid string) ([]any, error) {
	items, err := o.lc.Repo().Versions(ctx, uid)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	for i, a := range items {
		out[len(items)-1-i] = o.view(ctx, a)
	}
	return out, nil
}

func (o partOps[A]) Approve(ctx context.Context, uid, author string) (any, error) {
	a, err := o.lc.Approve(ctx, uid, author)
	return o.render(ctx, a, err)
}

func (o partOps[A]) NewVersion(ctx context.Context, uid, author, desc string) (any, error) {
	a, err := o.lc.NewVersion(ctx, uid, author, desc)
	return o.render(ctx, a, err)
}

func (o partOps[A]) Inactivate(ctx context.Context, uid, author string) (any, error) {
	a, err := o.lc.Inactivate(ctx, uid, author)
	return o.render(ctx, a, err)
}

func (o partOps[A]) Reactivate(ctx context.Context, uid, author string) (any, error) {
	a, err := o.lc.Reactivate(ctx, uid, author)
	return o.render(ctx, a, err)
}

// CodelistPart returns the operations for the chosen codelist part.
func (s *Service) CodelistPart(p Part) (PartOps, error) {
	switch p {
	case PartName:
		return partOps[*CodelistName]{s.CodelistNames, func(ctx context.Context, n *CodelistName) any { return s.CodelistNameView(ctx, n) }}, nil
	case PartAttributes:
		return partOps[*CodelistAttributes]{s.CodelistAttributes, func(ctx context.Context, a *CodelistAttributes) any { return s.CodelistAttributesView(ctx, a) }}, nil
	}
	return nil, apperr.Validation("ct.part", "unknown codelist part %d", p)
}

// TermPartOps returns the operations for the chosen term part.
func (s *Service) TermPartOps(p Part) (PartOps, error) {
	switch p {
	case PartName:
		return partOps[*TermName]{s.TermNames, func(ctx context.Context, n *TermName) any { return s.TermNameView(ctx, n) }}, nil
	case PartAttributes:
		return partOps[*TermAttributes]{s.TermAttributes, func(ctx context.Context, a *TermAttributes) any { return s.TermAttributesView(ctx, a) }}, nil
	}
	return nil, apperr.Validation("ct.part", "unknown term part %d", p)
}
