package ct

import (
	"github.com/mdr/mdr/internal/domain/libraryitem"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/versioning"
)

// Name parts are maintained by the sponsor even in read-only libraries, so
// every mapper that builds one opens it for edits.

type codelistNameMapper struct{}

func (codelistNameMapper) Kind() versioning.Kind                { return CodelistNameKind }
func (codelistNameMapper) RefKinds() map[string]versioning.Kind { return nil }

func (codelistNameMapper) Build(rec libraryitem.Record) (*CodelistName, error) {
	n := &CodelistName{
		Item:              libraryitem.ItemFromRecord(rec),
		Name:              rec.Props.String("name"),
		TemplateParameter: rec.Props.Bool("template_parameter"),
	}
	n.AllowNonEditableLibrary()
	return n, nil
}

func (codelistNameMapper) Value(n *CodelistName) (graph.Props, []libraryitem.Ref) {
	return graph.Props{"name": n.Name, "template_parameter": n.TemplateParameter}, nil
}

type codelistAttributesMapper struct{}

func (codelistAttributesMapper) Kind() versioning.Kind                { return CodelistAttributesKind }
func (codelistAttributesMapper) RefKinds() map[string]versioning.Kind { return nil }

func (codelistAttributesMapper) Build(rec libraryitem.Record) (*CodelistAttributes, error) {
	p := rec.Props
	return &CodelistAttributes{
		Item: libraryitem.ItemFromRecord(rec),
		VO: CodelistAttributesVO{
			Name:             p.String("name"),
			SubmissionValue:  p.String("submission_value"),
			NCIPreferredName: p.String("preferred_term"),
			Definition:       p.String("definition"),
			Extensible:       p.Bool("extensible"),
			Ordinal:          p.Bool("ordinal"),
		},
	}, nil
}

func (codelistAttributesMapper) Value(a *CodelistAttributes) (graph.Props, []libraryitem.Ref) {
	return a.VO.props(), nil
}

type termNameMapper struct{}

func (termNameMapper) Kind() versioning.Kind                { return TermNameKind }
func (termNameMapper) RefKinds() map[string]versioning.Kind { return nil }

func (termNameMapper) Build(rec libraryitem.Record) (*TermName, error) {
	n := &TermName{
		Item:             libraryitem.ItemFromRecord(rec),
		Name:             rec.Props.String("name"),
		NameSentenceCase: rec.Props.String("name_sentence_case"),
	}
	n.AllowNonEditableLibrary()
	return n, nil
}

func (termNameMapper) Value(n *TermName) (graph.Props, []libraryitem.Ref) {
	return graph.Props{"name": n.Name, "name_sentence_case": n.NameSentenceCase}, nil
}

type termAttributesMapper struct{}

func (termAttributesMapper) Kind() versioning.Kind                { return TermAttributesKind }
func (termAttributesMapper) RefKinds() map[string]versioning.Kind { return nil }

func (termAttributesMapper) Build(rec libraryitem.Record) (*TermAttributes, error) {
	p := rec.Props
	return &TermAttributes{
		Item: libraryitem.ItemFromRecord(rec),
		VO: TermAttributesVO{
			ConceptID:           p.String("concept_id"),
			CodeSubmissionValue: p.String("code_submission_value"),
			NCIPreferredName:    p.String("preferred_term"),
			Definition:          p.String("definition"),
		},
	}, nil
}

func (termAttributesMapper) Value(a *TermAttributes) (graph.Props, []libraryitem.Ref) {
	return a.VO.props(), nil
}
