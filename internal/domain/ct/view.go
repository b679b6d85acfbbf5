package ct

import (
	"context"
	"time"

	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

type CodelistNameView struct {
	libraryitem.Header
	Name              string `json:"name"`
	TemplateParameter bool   `json:"template_parameter"`
}

type CodelistAttributesView struct {
	libraryitem.Header
	CodelistAttributesVO
}

type TermNameView struct {
	libraryitem.Header
	SponsorPreferredName             string `json:"sponsor_preferred_name"`
	SponsorPreferredNameSentenceCase string `json:"sponsor_preferred_name_sentence_case"`
}

type TermAttributesView struct {
	libraryitem.Header
	TermAttributesVO
}

// CodelistView combines both parts of a codelist. A part is null when no
// version of it matches the query.
type CodelistView struct {
	CodelistUID string                  `json:"codelist_uid"`
	LibraryName string                  `json:"library_name"`
	Name        *CodelistNameView       `json:"name"`
	Attributes  *CodelistAttributesView `json:"attributes"`
}

// TermView combines both parts of a term with its codelist memberships and
// parents.
type TermView struct {
	TermUID     string              `json:"term_uid"`
	LibraryName string              `json:"library_name"`
	Name        *TermNameView       `json:"name"`
	Attributes  *TermAttributesView `json:"attributes"`
	Codelists   []Membership        `json:"codelists"`
	Parents     []Parent            `json:"parents"`
}

func (s *Service) CodelistNameView(ctx context.Context, n *CodelistName) CodelistNameView {
	return CodelistNameView{Header: n.Header(ctx, s.authors), Name: n.Name, TemplateParameter: n.TemplateParameter}
}

func (s *Service) CodelistAttributesView(ctx context.Context, a *CodelistAttributes) CodelistAttributesView {
	return CodelistAttributesView{Header: a.Header(ctx, s.authors), CodelistAttributesVO: a.VO}
}

func (s *Service) TermNameView(ctx context.Context, n *TermName) TermNameView {
	return TermNameView{Header: n.Header(ctx, s.authors), SponsorPreferredName: n.Name, SponsorPreferredNameSentenceCase: n.NameSentenceCase}
}

func (s *Service) TermAttributesView(ctx context.Context, a *TermAttributes) TermAttributesView {
	return TermAttributesView{Header: a.Header(ctx, s.authors), TermAttributesVO: a.VO}
}

// Codelist reads both parts of a codelist with q applied to each.
func (s *Service) Codelist(ctx context.Context, uid string, q versioning.Query) (*CodelistView, error) {
	name, err := s.repos.CodelistNames.FindByUID(ctx, uid, q)
	if err != nil {
		return nil, err
	}
	attrs, err := s.repos.CodelistAttributes.FindByUID(ctx, uid, q)
	if err != nil {
		return nil, err
	}
	if name == nil && attrs == nil {
		return nil, apperr.NotFound("ct.codelist", "Codelist with UID '%s' has no version matching the query", uid)
	}
	v := &CodelistView{CodelistUID: uid}
	if name != nil {
		nv := s.CodelistNameView(ctx, name)
		v.Name, v.LibraryName = &nv, name.Library.Name
	}
	if attrs != nil {
		av := s.CodelistAttributesView(ctx, attrs)
		v.Attributes, v.LibraryName = &av, attrs.Library.Name
	}
	return v, nil
}

// Term reads both parts of a term with q applied to each.
func (s *Service) Term(ctx context.Context, uid string, q versioning.Query) (*TermView, error) {
	name, err := s.repos.TermNames.FindByUID(ctx, uid, q)
	if err != nil {
		return nil, err
	}
	attrs, err := s.repos.TermAttributes.FindByUID(ctx, uid, q)
	if err != nil {
		return nil, err
	}
	if name == nil && attrs == nil {
		return nil, apperr.NotFound("ct.term", "Term with UID '%s' has no version matching the query", uid)
	}
	v := &TermView{TermUID: uid}
	if name != nil {
		nv := s.TermNameView(ctx, name)
		v.Name, v.LibraryName = &nv, name.Library.Name
	}
	if attrs != nil {
		av := s.TermAttributesView(ctx, attrs)
		v.Attributes, v.LibraryName = &av, attrs.Library.Name
	}
	if v.Codelists, err = s.repos.CodelistsOf(ctx, uid); err != nil {
		return nil, err
	}
	err = s.runner.View(ctx, func(tx graph.Reader) error {
		v.Parents, err = s.repos.Parents(ctx, tx, uid)
		return err
	})
	return v, err
}

// ListCodelists returns the latest view of every codelist in library, or
// in every library when library is empty.
func (s *Service) ListCodelists(ctx context.Context, library string) ([]CodelistView, error) {
	names, err := s.repos.CodelistNames.FindAll(ctx, libraryitem.ListOptions{Library: library})
	if err != nil {
		return nil, err
	}
	out := make([]CodelistView, 0, len(names))
	for _, n := range names {
		v, err := s.Codelist(ctx, n.UID, versioning.Query{})
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// ListTerms returns the latest view of every term in library, narrowed to
// the terms held by codelistUID at t when codelistUID is given.
func (s *Service) ListTerms(ctx context.Context, library, codelistUID string, t *time.Time) ([]TermView, error) {
	var uids []string
	if codelistUID != "" {
		ms, err := s.repos.TermsAt(ctx, codelistUID, t)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			uids = append(uids, m.TermUID)
		}
	} else {
		names, err := s.repos.TermNames.FindAll(ctx, libraryitem.ListOptions{Library: library})
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			uids = append(uids, n.UID)
		}
	}
	out := make([]TermView, 0, len(uids))
	for _, uid := range uids {
		v, err := s.Term(ctx, uid, versioning.Query{})
		if err != nil {
			return nil, err
		}
		if library != "" && v.LibraryName != library {
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}
