package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists job snapshots and sealed mask sets in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the job and mask tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS video_jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			progress DOUBLE PRECISION NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			error_phase TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL DEFAULT '',
			fps DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_frames INT NOT NULL DEFAULT 0,
			duration DOUBLE PRECISION NOT NULL DEFAULT 0,
			width INT NOT NULL DEFAULT 0,
			height INT NOT NULL DEFAULT 0,
			masks_ready BOOLEAN NOT NULL DEFAULT FALSE,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			has_preview BOOLEAN NOT NULL DEFAULT FALSE,
			artifact_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS mask_sets (
			video_id TEXT PRIMARY KEY,
			frame_count INT NOT NULL,
			sealed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS face_masks (
			video_id TEXT NOT NULL,
			frame_index INT NOT NULL,
			regions JSONB NOT NULL,
			PRIMARY KEY (video_id, frame_index)
		);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the database connections.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveJob upserts a job snapshot.
func (s *Store) SaveJob(ctx context.Context, j job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_jobs (
			id, status, progress, message, error, error_phase,
			filename, fps, total_frames, duration, width, height,
			masks_ready, active, has_preview, artifact_key, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, progress = EXCLUDED.progress, message = EXCLUDED.message,
			error = EXCLUDED.error, error_phase = EXCLUDED.error_phase,
			total_frames = EXCLUDED.total_frames, duration = EXCLUDED.duration,
			masks_ready = EXCLUDED.masks_ready, active = EXCLUDED.active,
			has_preview = EXCLUDED.has_preview, artifact_key = EXCLUDED.artifact_key,
			updated_at = EXCLUDED.updated_at
	`,
		j.ID, string(j.Status), j.Progress, j.Message, j.Error, string(j.ErrorPhase),
		j.Info.Filename, j.Info.FPS, j.Info.TotalFrames, j.Info.Duration, j.Info.Width, j.Info.Height,
		j.MasksReady, j.Active, j.HasPreview, j.ArtifactKey, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", j.ID, err)
	}
	return nil
}

const jobColumns = `id, status, progress, message, error, error_phase,
	filename, fps, total_frames, duration, width, height,
	masks_ready, active, has_preview, artifact_key, created_at, updated_at`

func scanJob(row pgx.Row) (job.Job, error) {
	var j job.Job
	var status, phase string
	err := row.Scan(
		&j.ID, &status, &j.Progress, &j.Message, &j.Error, &phase,
		&j.Info.Filename, &j.Info.FPS, &j.Info.TotalFrames, &j.Info.Duration, &j.Info.Width, &j.Info.Height,
		&j.MasksReady, &j.Active, &j.HasPreview, &j.ArtifactKey, &j.CreatedAt, &j.UpdatedAt,
	)
	j.Status = job.Status(status)
	j.ErrorPhase = job.Phase(phase)
	return j, err
}

// GetJob loads one job snapshot.
func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM video_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Job{}, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		return job.Job{}, fmt.Errorf("find job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns every persisted job, oldest first.
func (s *Store) ListJobs(ctx context.Context) ([]job.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM video_jobs ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job and its masks.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := deleteMasks(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM video_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

// SaveMasks replaces the mask set of a video. Only frames with regions get a row;
// the frame count restores the empty ones.
func (s *Store) SaveMasks(ctx context.Context, videoID string, frames [][]types.Region) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := deleteMasks(ctx, tx, videoID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO mask_sets (video_id, frame_count, sealed_at) VALUES ($1, $2, NOW())`,
		videoID, len(frames)); err != nil {
		return fmt.Errorf("insert mask set: %w", err)
	}

	rows := make([][]any, 0, len(frames))
	for idx, regions := range frames {
		if len(regions) == 0 {
			continue
		}
		data, err := json.Marshal(regions)
		if err != nil {
			return err
		}
		rows = append(rows, []any{videoID, idx, data})
	}
	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"face_masks"},
			[]string{"video_id", "frame_index", "regions"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("copy face masks: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// LoadMasks returns the dense per-frame regions of a sealed mask set.
func (s *Store) LoadMasks(ctx context.Context, videoID string) ([][]types.Region, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT frame_count FROM mask_sets WHERE video_id = $1`, videoID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no masks for %s", job.ErrNotFound, videoID)
	}
	if err != nil {
		return nil, fmt.Errorf("find mask set: %w", err)
	}

	frames := make([][]types.Region, count)
	for i := range frames {
		frames[i] = []types.Region{}
	}

	rows, err := s.pool.Query(ctx, `SELECT frame_index, regions FROM face_masks WHERE video_id = $1 ORDER BY frame_index`, videoID)
	if err != nil {
		return nil, fmt.Errorf("load face masks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx int
		var data []byte
		if err := rows.Scan(&idx, &data); err != nil {
			return nil, err
		}
		if idx < 0 || idx >= count {
			return nil, fmt.Errorf("mask frame %d outside [0, %d) for %s", idx, count, videoID)
		}
		var regions []types.Region
		if err := json.Unmarshal(data, &regions); err != nil {
			return nil, fmt.Errorf("decode regions of frame %d: %w", idx, err)
		}
		frames[idx] = regions
	}
	return frames, rows.Err()
}

// DeleteMasks drops the mask set of a video.
func (s *Store) DeleteMasks(ctx context.Context, videoID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := deleteMasks(ctx, tx, videoID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func deleteMasks(ctx context.Context, tx pgx.Tx, videoID string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM face_masks WHERE video_id = $1`, videoID); err != nil {
		return fmt.Errorf("delete face masks: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM mask_sets WHERE video_id = $1`, videoID); err != nil {
		return fmt.Errorf("delete mask set: %w", err)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS face_masks CASCADE;
		DROP TABLE IF EXISTS mask_sets CASCADE;
		DROP TABLE IF EXISTS video_jobs CASCADE;
	`)
	return err
}
