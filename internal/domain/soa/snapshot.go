package soa

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mdr/mdr/internal/platform/apperr"
)

// SnapshotRepository stores one table per study version and layout. Save
// replaces an existing snapshot; Get fails with NotFound when none was
// taken. List omits the tables.
type SnapshotRepository interface {
	Save(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, studyUID, version string, layout Layout) (*Snapshot, error)
	List(ctx context.Context, studyUID string) ([]*Snapshot, error)
}

type snapshotKey struct {
	study, version string
	layout         Layout
}

// MemoryRepo keeps snapshots in process when no database is configured.
type MemoryRepo struct {
	mu    sync.RWMutex
	snaps map[snapshotKey]Snapshot
	now   func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{snaps: make(map[snapshotKey]Snapshot), now: time.Now}
}

func (r *MemoryRepo) Save(_ context.Context, s *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.CreatedAt = r.now().UTC()
	r.snaps[snapshotKey{s.StudyUID, s.StudyVersion, s.Layout}] = *s
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, studyUID, version string, layout Layout) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snaps[snapshotKey{studyUID, version, layout}]
	if !ok {
		return nil, notFound(studyUID, version, layout)
	}
	return &s, nil
}

func (r *MemoryRepo) List(_ context.Context, studyUID string) ([]*Snapshot, error) {
	r.mu.RLock()
	out := []*Snapshot{}
	for k, s := range r.snaps {
		if k.study == studyUID {
			s.Table = nil
			out = append(out, &s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].StudyVersion < out[j].StudyVersion
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func notFound(studyUID, version string, layout Layout) error {
	return apperr.NotFound("soa.snapshot", "No %s SoA snapshot of study '%s' version '%s'.", layout, studyUID, version)
}
