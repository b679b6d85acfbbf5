package ct

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// Service validates and applies changes to codelists and terms.
type Service struct {
	repos   *Repos
	runner  *libraryitem.Runner
	authors libraryitem.Authors
	log     zerolog.Logger

	CodelistNames      *libraryitem.Lifecycle[*CodelistName]
	CodelistAttributes *libraryitem.Lifecycle[*CodelistAttributes]
	TermNames          *libraryitem.Lifecycle[*TermName]
	TermAttributes     *libraryitem.Lifecycle[*TermAttributes]
}

func NewService(repos *Repos, runner *libraryitem.Runner, authors libraryitem.Authors, log zerolog.Logger) *Service {
	return &Service{
		repos:              repos,
		runner:             runner,
		authors:            authors,
		log:                log,
		CodelistNames:      libraryitem.NewLifecycle(runner, repos.CodelistNames, log),
		CodelistAttributes: libraryitem.NewLifecycle(runner, repos.CodelistAttributes, log),
		TermNames:          libraryitem.NewLifecycle(runner, repos.TermNames, log),
		TermAttributes:     libraryitem.NewLifecycle(runner, repos.TermAttributes, log),
	}
}

func (s *Service) Repos() *Repos { return s.repos }

func unique[A libraryitem.Aggregate](ctx context.Context, tx graph.Reader, repo *libraryitem.Repository[A], what, prop, value, uid string) error {
	existing, err := repo.FindUIDByProp(ctx, tx, prop, value, uid)
	if err != nil {
		return err
	}
	if existing != "" {
		return apperr.AlreadyExists("ct.unique", "%s with %s '%s' already exists.", what, prop, value)
	}
	return nil
}

// CodelistInput creates a codelist with both of its parts.
type CodelistInput struct {
	CodelistAttributesVO
	SponsorPreferredName string `json:"sponsor_preferred_name"`
	TemplateParameter    bool   `json:"template_parameter"`
	LibraryName          string `json:"library_name"`
}

func (s *Service) CreateCodelist(ctx context.Context, author string, in CodelistInput) (*CodelistView, error) {
	const op = "ct.create_codelist"
	var uid string
	err := s.runner.Write(ctx, op, func(tx graph.Tx) error {
		lib, err := versioning.RequireLibrary(ctx, tx, in.LibraryName)
		if err != nil {
			return err
		}
		item, err := libraryitem.NewItem("", lib, author, s.repos.CodelistNames.Now())
		if err != nil {
			return err
		}
		if err := in.CodelistAttributesVO.validate(op); err != nil {
			return err
		}
		if strings.TrimSpace(in.SponsorPreferredName) == "" {
			return apperr.Validation(op, "sponsor_preferred_name is required")
		}
		if err := unique(ctx, tx, s.repos.CodelistNames, "Codelist", "name", in.SponsorPreferredName, ""); err != nil {
			return err
		}
		if err := unique(ctx, tx, s.repos.CodelistAttributes, "Codelist", "submission_value", in.SubmissionValue, ""); err != nil {
			return err
		}
		if uid, err = versioning.NextUID(ctx, tx, CodelistRootKind.Name); err != nil {
			return err
		}
		item.UID = uid
		name := &CodelistName{Item: item, Name: in.SponsorPreferredName, TemplateParameter: in.TemplateParameter}
		if err := s.repos.CodelistNames.Save(ctx, tx, name, author); err != nil {
			return err
		}
		attrs := &CodelistAttributes{Item: item, VO: in.CodelistAttributesVO}
		if err := s.repos.CodelistAttributes.Save(ctx, tx, attrs, author); err != nil {
			return err
		}
		_, err = createOuter(ctx, tx, CodelistRootKind, CodelistNameKind, CodelistAttributesKind, uid, lib)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("uid", uid).Msg("codelist created")
	return s.Codelist(ctx, uid, versioning.Query{})
}

type CodelistNameInput struct {
	Name              string `json:"name"`
	TemplateParameter bool   `json:"template_parameter"`
	ChangeDescription string `json:"change_description"`
}

// EditCodelistName is allowed in read-only libraries.
func (s *Service) EditCodelistName(ctx context.Context, author, uid string, in CodelistNameInput) (*CodelistName, error) {
	const op = "ct.edit_codelist_name"
	return s.CodelistNames.Mutate(ctx, "edit", uid, author, func(tx graph.Tx, n *CodelistName) error {
		if err := n.CanEdit(); err != nil {
			return err
		}
		if strings.TrimSpace(in.Name) == "" {
			return apperr.Validation(op, "name is required")
		}
		if err := unique(ctx, tx, s.repos.CodelistNames, "Codelist", "name", in.Name, uid); err != nil {
			return err
		}
		changed := n.Name != in.Name || n.TemplateParameter != in.TemplateParameter
		n.Name, n.TemplateParameter = in.Name, in.TemplateParameter
		return n.EditDraft(author, in.ChangeDescription, changed, s.repos.CodelistNames.Now())
	})
}

type CodelistAttributesInput struct {
	CodelistAttributesVO
	ChangeDescription string `json:"change_description"`
}

func (s *Service) EditCodelistAttributes(ctx context.Context, author, uid string, in CodelistAttributesInput) (*CodelistAttributes, error) {
	const op = "ct.edit_codelist_attributes"
	return s.CodelistAttributes.Mutate(ctx, "edit", uid, author, func(tx graph.Tx, a *CodelistAttributes) error {
		if err := a.CanEdit(); err != nil {
			return err
		}
		if err := in.CodelistAttributesVO.validate(op); err != nil {
			return err
		}
		if err := unique(ctx, tx, s.repos.CodelistAttributes, "Codelist", "submission_value", in.SubmissionValue, uid); err != nil {
			return err
		}
		changed := a.VO != in.CodelistAttributesVO
		a.VO = in.CodelistAttributesVO
		return a.EditDraft(author, in.ChangeDescription, changed, s.repos.CodelistAttributes.Now())
	})
}

// DeleteCodelist removes a codelist whose parts were never approved.
func (s *Service) DeleteCodelist(ctx context.Context, author, uid string) error {
	return s.runner.Write(ctx, "ct.delete_codelist", func(tx graph.Tx) error {
		name, err := s.repos.CodelistNames.GetForUpdate(ctx, tx, uid)
		if err != nil {
			return err
		}
		attrs, err := s.repos.CodelistAttributes.GetForUpdate(ctx, tx, uid)
		if err != nil {
			return err
		}
		if err := name.Delete(); err != nil {
			return err
		}
		if err := attrs.Delete(); err != nil {
			return err
		}
		if err := s.repos.CodelistNames.Save(ctx, tx, name, author); err != nil {
			return err
		}
		if err := s.repos.CodelistAttributes.Save(ctx, tx, attrs, author); err != nil {
			return err
		}
		return deleteOuter(ctx, tx, CodelistRootKind, uid)
	})
}

// existingAttributes returns the latest attributes of a codelist, or nil
// when the codelist doesn't exist.
func (s *Service) existingAttributes(ctx context.Context, tx graph.Reader, codelistUID string) (*CodelistAttributes, error) {
	root, err := CodelistAttributesKind.LookupRoot(ctx, tx, codelistUID)
	if err != nil || root == nil {
		return nil, err
	}
	return s.repos.CodelistAttributes.Get(ctx, tx, codelistUID, versioning.Query{})
}

// AddTermInput places a term in a codelist.
type AddTermInput struct {
	TermUID         string `json:"term_uid"`
	Order           *int64 `json:"order"`
	SubmissionValue string `json:"submission_value"`
}

func (s *Service) addTerm(ctx context.Context, tx graph.Tx, author, codelistUID string, in AddTermInput) error {
	const op = "ct.add_term"
	if strings.TrimSpace(in.SubmissionValue) == "" {
		return apperr.Validation(op, "submission_value is required")
	}
	attrs, err := s.existingAttributes(ctx, tx, codelistUID)
	if err != nil {
		return err
	}
	if attrs != nil {
		if !attrs.Library.IsEditable && !attrs.VO.Extensible {
			return apperr.BusinessLogic(op, "Codelist with UID '%s' isn't extensible.", codelistUID)
		}
		if attrs.VO.Ordinal && in.Order == nil {
			return apperr.BusinessLogic(op, "Codelist with UID '%s' is ordinal and order is required", codelistUID)
		}
	}
	return s.repos.AddTerm(ctx, tx, codelistUID, in.TermUID, author, in.Order, in.SubmissionValue, s.repos.TermNames.Now())
}

func (s *Service) AddTerm(ctx context.Context, author, codelistUID string, in AddTermInput) (*CodelistView, error) {
	err := s.runner.Write(ctx, "ct.add_term", func(tx graph.Tx) error {
		return s.addTerm(ctx, tx, author, codelistUID, in)
	})
	if err != nil {
		return nil, err
	}
	return s.Codelist(ctx, codelistUID, versioning.Query{})
}

func (s *Service) RemoveTerm(ctx context.Context, author, codelistUID, termUID string) (*CodelistView, error) {
	const op = "ct.remove_term"
	err := s.runner.Write(ctx, op, func(tx graph.Tx) error {
		attrs, err := s.existingAttributes(ctx, tx, codelistUID)
		if err != nil {
			return err
		}
		if attrs != nil && !attrs.Library.IsEditable && !attrs.VO.Extensible {
			return apperr.BusinessLogic(op, "Codelist with UID '%s' isn't extensible.", codelistUID)
		}
		return s.repos.RemoveTerm(ctx, tx, codelistUID, termUID, author, s.repos.TermNames.Now())
	})
	if err != nil {
		return nil, err
	}
	return s.Codelist(ctx, codelistUID, versioning.Query{})
}

// TermInput creates a term with both parts, optionally placing it in a
// codelist right away.
type TermInput struct {
	TermAttributesVO
	SponsorPreferredName             string `json:"sponsor_preferred_name"`
	SponsorPreferredNameSentenceCase string `json:"sponsor_preferred_name_sentence_case"`
	LibraryName                      string `json:"library_name"`
	CodelistUID                      string `json:"codelist_uid,omitempty"`
	Order                            *int64 `json:"order,omitempty"`
	// SubmissionValue defaults to the code submission value.
	SubmissionValue string `json:"submission_value,omitempty"`
}

func (s *Service) CreateTerm(ctx context.Context, author string, in TermInput) (*TermView, error) {
	const op = "ct.create_term"
	var uid string
	err := s.runner.Write(ctx, op, func(tx graph.Tx) error {
		lib, err := versioning.RequireLibrary(ctx, tx, in.LibraryName)
		if err != nil {
			return err
		}
		item, err := libraryitem.NewItem("", lib, author, s.repos.TermNames.Now())
		if err != nil {
			return err
		}
		if strings.TrimSpace(in.CodeSubmissionValue) == "" {
			return apperr.Validation(op, "code_submission_value is required")
		}
		if err := validateTermName(op, in.SponsorPreferredName, in.SponsorPreferredNameSentenceCase); err != nil {
			return err
		}
		if uid, err = versioning.NextUID(ctx, tx, TermRootKind.Name); err != nil {
			return err
		}
		item.UID = uid
		name := &TermName{Item: item, Name: in.SponsorPreferredName, NameSentenceCase: in.SponsorPreferredNameSentenceCase}
		if err := s.repos.TermNames.Save(ctx, tx, name, author); err != nil {
			return err
		}
		attrs := &TermAttributes{Item: item, VO: in.TermAttributesVO}
		if err := s.repos.TermAttributes.Save(ctx, tx, attrs, author); err != nil {
			return err
		}
		if _, err := createOuter(ctx, tx, TermRootKind, TermNameKind, TermAttributesKind, uid, lib); err != nil {
			return err
		}
		if in.CodelistUID == "" {
			return nil
		}
		submission := in.SubmissionValue
		if submission == "" {
			submission = in.CodeSubmissionValue
		}
		return s.addTerm(ctx, tx, author, in.CodelistUID, AddTermInput{TermUID: uid, Order: in.Order, SubmissionValue: submission})
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("uid", uid).Str("codelist_uid", in.CodelistUID).Msg("term created")
	return s.Term(ctx, uid, versioning.Query{})
}

type TermNameInput struct {
	SponsorPreferredName             string `json:"sponsor_preferred_name"`
	SponsorPreferredNameSentenceCase string `json:"sponsor_preferred_name_sentence_case"`
	ChangeDescription                string `json:"change_description"`
}

// EditTermName is allowed in read-only libraries.
func (s *Service) EditTermName(ctx context.Context, author, uid string, in TermNameInput) (*TermName, error) {
	const op = "ct.edit_term_name"
	return s.TermNames.Mutate(ctx, "edit", uid, author, func(_ graph.Tx, n *TermName) error {
		if err := n.CanEdit(); err != nil {
			return err
		}
		if err := validateTermName(op, in.SponsorPreferredName, in.SponsorPreferredNameSentenceCase); err != nil {
			return err
		}
		changed := n.Name != in.SponsorPreferredName || n.NameSentenceCase != in.SponsorPreferredNameSentenceCase
		n.Name, n.NameSentenceCase = in.SponsorPreferredName, in.SponsorPreferredNameSentenceCase
		return n.EditDraft(author, in.ChangeDescription, changed, s.repos.TermNames.Now())
	})
}

type TermAttributesInput struct {
	TermAttributesVO
	ChangeDescription string `json:"change_description"`
}

func (s *Service) EditTermAttributes(ctx context.Context, author, uid string, in TermAttributesInput) (*TermAttributes, error) {
	const op = "ct.edit_term_attributes"
	return s.TermAttributes.Mutate(ctx, "edit", uid, author, func(_ graph.Tx, a *TermAttributes) error {
		if err := a.CanEdit(); err != nil {
			return err
		}
		if strings.TrimSpace(in.CodeSubmissionValue) == "" {
			return apperr.Validation(op, "code_submission_value is required")
		}
		changed := a.VO != in.TermAttributesVO
		a.VO = in.TermAttributesVO
		return a.EditDraft(author, in.ChangeDescription, changed, s.repos.TermAttributes.Now())
	})
}

// DeleteTerm removes a term whose parts were never approved and that no
// codelist currently holds.
func (s *Service) DeleteTerm(ctx context.Context, author, uid string) error {
	const op = "ct.delete_term"
	return s.runner.Write(ctx, op, func(tx graph.Tx) error {
		name, err := s.repos.TermNames.GetForUpdate(ctx, tx, uid)
		if err != nil {
			return err
		}
		attrs, err := s.repos.TermAttributes.GetForUpdate(ctx, tx, uid)
		if err != nil {
			return err
		}
		if err := name.Delete(); err != nil {
			return err
		}
		if err := attrs.Delete(); err != nil {
			return err
		}
		root, err := TermRootKind.Root(ctx, tx, uid)
		if err != nil {
			return err
		}
		links, err := tx.In(ctx, root.ID, EdgeHasTermRoot)
		if err != nil {
			return err
		}
		for _, l := range links {
			held, err := tx.In(ctx, l.From, EdgeHasTerm)
			if err != nil {
				return err
			}
			for _, e := range held {
				if e.Props.Time("end_date") == nil {
					codelist, err := tx.Node(ctx, e.From)
					if err != nil {
						return err
					}
					return apperr.BusinessLogic(op, "Term with UID '%s' is in use by Codelist with UID '%s'.", uid, codelist.UID())
				}
			}
			if err := tx.DeleteNode(ctx, l.From); err != nil {
				return err
			}
		}
		if err := s.repos.TermNames.Save(ctx, tx, name, author); err != nil {
			return err
		}
		if err := s.repos.TermAttributes.Save(ctx, tx, attrs, author); err != nil {
			return err
		}
		return deleteOuter(ctx, tx, TermRootKind, uid)
	})
}

func (s *Service) AddParent(ctx context.Context, termUID, parentUID string, typ ParentType) (*TermView, error) {
	err := s.runner.Write(ctx, "ct.add_parent", func(tx graph.Tx) error {
		return s.repos.AddParent(ctx, tx, termUID, parentUID, typ)
	})
	if err != nil {
		return nil, err
	}
	return s.Term(ctx, termUID, versioning.Query{})
}

func (s *Service) RemoveParent(ctx context.Context, termUID, parentUID string, typ ParentType) (*TermView, error) {
	err := s.runner.Write(ctx, "ct.remove_parent", func(tx graph.Tx) error {
		return s.repos.RemoveParent(ctx, tx, termUID, parentUID, typ)
	})
	if err != nil {
		return nil, err
	}
	return s.Term(ctx, termUID, versioning.Query{})
}
