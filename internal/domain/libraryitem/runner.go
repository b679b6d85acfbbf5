package libraryitem

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/metrics"
)

// Runner executes write operations in one graph transaction each and
// records their outcome.
type Runner struct {
	store   graph.Store
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewRunner(store graph.Store, m *metrics.Metrics, log zerolog.Logger) *Runner {
	return &Runner{store: store, metrics: m, log: log}
}

// Metrics returns the collectors writes are recorded on. It may be nil.
func (r *Runner) Metrics() *metrics.Metrics { return r.metrics }

// Store returns the underlying graph store for read-only views.
func (r *Runner) Store() graph.Store { return r.store }

// Write runs fn in a write transaction named op, e.g. "activity.approve".
func (r *Runner) Write(ctx context.Context, op string, fn func(tx graph.Tx) error) error {
	start := time.Now()
	err := r.store.Update(ctx, fn)

	outcome := "success"
	if err != nil {
		kind := apperr.KindOf(err)
		outcome = string(kind)
		if kind == apperr.KindConflict {
			r.metrics.IncConflict(op)
		}
		evt := r.log.Debug()
		if kind == apperr.KindInternal {
			evt = r.log.Error()
		}
		evt.Err(err).Str("op", op).Msg("write failed")
	} else {
		r.log.Debug().Str("op", op).Dur("took", time.Since(start)).Msg("write committed")
	}
	r.metrics.ObserveWrite(op, outcome, time.Since(start))
	return err
}

// View runs fn against committed state.
func (r *Runner) View(ctx context.Context, fn func(tx graph.Reader) error) error {
	return r.store.View(ctx, fn)
}
