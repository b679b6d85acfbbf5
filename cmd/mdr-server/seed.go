package main

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/domain/ct"
)

// flowchartGroupSubmissionValue identifies the codelist SoA groups are drawn from.
const flowchartGroupSubmissionValue = "FLWCRTGRP"

var soaGroups = []string{
	"Subject Related",
	"Eligibility",
	"Efficacy",
	"Safety",
	"Pharmacokinetics",
	"Biomarkers",
	"Informed Consent",
}

// seed creates the SoA group codelist in the sponsor library with one term
// per standard group. A codelist that already exists is left untouched.
func seed(ctx context.Context, a *app, author string, log zerolog.Logger) error {
	existing, err := a.terms.ListCodelists(ctx, "Sponsor")
	if err != nil {
		return err
	}
	for _, cl := range existing {
		if cl.Attributes != nil && cl.Attributes.SubmissionValue == flowchartGroupSubmissionValue {
			log.Info().Str("codelist_uid", cl.CodelistUID).Msg("flowchart group codelist already seeded")
			return nil
		}
	}

	cl, err := a.terms.CreateCodelist(ctx, author, ct.CodelistInput{
		CodelistAttributesVO: ct.CodelistAttributesVO{
			Name:            "Flowchart Group",
			SubmissionValue: flowchartGroupSubmissionValue,
			Definition:      "Groups of activities shown in the schedule of activities",
			Extensible:      true,
		},
		SponsorPreferredName: "Flowchart Group",
		LibraryName:          "Sponsor",
	})
	if err != nil {
		return err
	}
	if _, err := a.terms.CodelistAttributes.Approve(ctx, cl.CodelistUID, author); err != nil {
		return err
	}
	if _, err := a.terms.CodelistNames.Approve(ctx, cl.CodelistUID, author); err != nil {
		return err
	}

	for i, name := range soaGroups {
		order := int64(i + 1)
		term, err := a.terms.CreateTerm(ctx, author, ct.TermInput{
			TermAttributesVO:                 ct.TermAttributesVO{CodeSubmissionValue: strings.ToUpper(name)},
			SponsorPreferredName:             name,
			SponsorPreferredNameSentenceCase: strings.ToLower(name),
			LibraryName:                      "Sponsor",
			CodelistUID:                      cl.CodelistUID,
			Order:                            &order,
		})
		if err != nil {
			return err
		}
		if _, err := a.terms.TermNames.Approve(ctx, term.TermUID, author); err != nil {
			return err
		}
		if _, err := a.terms.TermAttributes.Approve(ctx, term.TermUID, author); err != nil {
			return err
		}
	}
	log.Info().Str("codelist_uid", cl.CodelistUID).Int("terms", len(soaGroups)).Msg("flowchart group codelist seeded")
	return nil
}
