package soa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mdr/mdr/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) SnapshotRepository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Save(ctx context.Context, s *Snapshot) error {
	body, err := json.Marshal(s.Table)
	if err != nil {
		return fmt.Errorf("encode soa table: %w", err)
	}
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO soa_snapshot (study_uid, study_version, layout, soa_table)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (study_uid, study_version, layout) DO UPDATE SET
			soa_table = EXCLUDED.soa_table,
			created_at = NOW()
		RETURNING created_at`,
		s.StudyUID, s.StudyVersion, string(s.Layout), body,
	).Scan(&s.CreatedAt)
	if err != nil {
		return fmt.Errorf("save soa snapshot: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, studyUID, version string, layout Layout) (*Snapshot, error) {
	s := Snapshot{StudyUID: studyUID, StudyVersion: version, Layout: layout}
	var body []byte
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT soa_table, created_at FROM soa_snapshot
		WHERE study_uid = $1 AND study_version = $2 AND layout = $3`,
		studyUID, version, string(layout),
	).Scan(&body, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(studyUID, version, layout)
	}
	if err != nil {
		return nil, fmt.Errorf("get soa snapshot: %w", err)
	}
	s.Table = &Table{}
	if err := json.Unmarshal(body, s.Table); err != nil {
		return nil, fmt.Errorf("decode soa table: %w", err)
	}
	return &s, nil
}

func (r *repoPG) List(ctx context.Context, studyUID string) ([]*Snapshot, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT study_version, layout, created_at FROM soa_snapshot
		WHERE study_uid = $1
		ORDER BY created_at, study_version`, studyUID)
	if err != nil {
		return nil, fmt.Errorf("list soa snapshots: %w", err)
	}
	defer rows.Close()

	out := []*Snapshot{}
	for rows.Next() {
		s := Snapshot{StudyUID: studyUID}
		var layout string
		if err := rows.Scan(&s.StudyVersion, &layout, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Layout = Layout(layout)
		out = append(out, &s)
	}
	return out, rows.Err()
}
