package graph

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mdr/mdr/internal/platform/graph"

// Traced wraps a Store so that every transaction runs inside a span.
func Traced(s Store, backend string) Store {
	return &tracedStore{Store: s, tracer: otel.Tracer(tracerName), backend: backend}
}

type tracedStore struct {
	Store
	tracer  trace.Tracer
	backend string
}

func (s *tracedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "graph.Update", trace.WithAttributes(attribute.String("graph.backend", s.backend)))
	defer span.End()
	err := s.Store.Update(ctx, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *tracedStore) View(ctx context.Context, fn func(r Reader) error) error {
	ctx, span := s.tracer.Start(ctx, "graph.View", trace.WithAttributes(attribute.String("graph.backend", s.backend)))
	defer span.End()
	err := s.Store.View(ctx, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
