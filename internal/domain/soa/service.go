package soa

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mdr/mdr/internal/domain/study"
	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/tracing"
)

type Service struct {
	studies *study.Service
	snaps   SnapshotRepository
	log     zerolog.Logger
}

func NewService(studies *study.Service, snaps SnapshotRepository, log zerolog.Logger) *Service {
	return &Service{studies: studies, snaps: snaps, log: log}
}

// Table returns the table of a study version, the draft when version is
// empty. The protocol table of a frozen version is read from its snapshot
// when one exists, so later library changes don't alter it.
func (s *Service) Table(ctx context.Context, studyUID, version string, layout Layout) (*Table, error) {
	if version != "" && layout == LayoutProtocol {
		snap, err := s.snaps.Get(ctx, studyUID, version, layout)
		if err == nil {
			return snap.Table, nil
		}
		if !apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
	}
	return s.build(ctx, studyUID, version, layout)
}

func (s *Service) build(ctx context.Context, studyUID, version string, layout Layout) (t *Table, err error) {
	ctx, span := tracing.Start(ctx, "soa.build",
		attribute.String("study.uid", studyUID),
		attribute.String("study.version", version),
		attribute.String("soa.layout", string(layout)))
	defer func() { tracing.End(span, err) }()

	c, err := s.studies.Contents(ctx, studyUID, version)
	if err != nil {
		return nil, err
	}
	t = Build(c, layout)
	span.SetAttributes(attribute.Int("soa.rows", len(t.Rows)))
	return t, nil
}

// Snapshot builds and stores the protocol table of a frozen study version.
func (s *Service) Snapshot(ctx context.Context, studyUID, version string) error {
	if version == "" {
		return apperr.Validation("soa.snapshot", "study_value_version is required")
	}
	t, err := s.build(ctx, studyUID, version, LayoutProtocol)
	if err != nil {
		return err
	}
	if err := s.snaps.Save(ctx, &Snapshot{StudyUID: studyUID, StudyVersion: version, Layout: LayoutProtocol, Table: t}); err != nil {
		return err
	}
	s.log.Debug().Str("uid", studyUID).Str("version", version).Int("rows", len(t.Rows)).Msg("soa snapshot saved")
	return nil
}

// Snapshots lists the snapshots taken of a study.
func (s *Service) Snapshots(ctx context.Context, studyUID string) ([]*Snapshot, error) {
	if _, err := s.studies.Get(ctx, studyUID, ""); err != nil {
		return nil, err
	}
	return s.snaps.List(ctx, studyUID)
}

// Coordinates locates every study item in the detailed table.
func (s *Service) Coordinates(ctx context.Context, studyUID, version string) (map[string]Coordinate, error) {
	t, err := s.build(ctx, studyUID, version, LayoutDetailed)
	if err != nil {
		return nil, err
	}
	return Coordinates(t), nil
}
