package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/reid/internal/config"
	"github.com/your-org/reid/internal/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS identities (
		id           TEXT PRIMARY KEY,
		embedding    vector NOT NULL,
		first_camera TEXT NOT NULL,
		last_camera  TEXT NOT NULL,
		cameras      TEXT[] NOT NULL DEFAULT '{}',
		match_count  INTEGER NOT NULL DEFAULT 0,
		first_seen   TIMESTAMPTZ NOT NULL,
		last_seen    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS identities_last_seen_idx ON identities (last_seen)`,
	`CREATE TABLE IF NOT EXISTS detections (
		id          TEXT PRIMARY KEY,
		camera_id   TEXT NOT NULL,
		identity_id TEXT NOT NULL,
		track_id    INTEGER NOT NULL,
		confidence  DOUBLE PRECISION NOT NULL,
		bbox        INTEGER[4] NOT NULL,
		embedding   vector,
		detected_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS detections_detected_at_idx ON detections (detected_at)`,
	`CREATE TABLE IF NOT EXISTS video_jobs (
		id               TEXT PRIMARY KEY,
		file_ref         TEXT NOT NULL,
		state            TEXT NOT NULL,
		total_frames     INTEGER NOT NULL,
		processed_frames INTEGER NOT NULL,
		total_detections INTEGER NOT NULL,
		unique_persons   INTEGER NOT NULL,
		peak_persons     INTEGER NOT NULL,
		average_persons  DOUBLE PRECISION NOT NULL,
		error_message    TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL,
		completed_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS video_persons (
		job_id             TEXT NOT NULL REFERENCES video_jobs (id) ON DELETE CASCADE,
		identity_id        TEXT NOT NULL,
		first_seen_sec     DOUBLE PRECISION NOT NULL,
		last_seen_sec      DOUBLE PRECISION NOT NULL,
		appearances        INTEGER NOT NULL,
		average_confidence DOUBLE PRECISION NOT NULL,
		max_confidence     DOUBLE PRECISION NOT NULL,
		best_frame         INTEGER NOT NULL,
		bbox               INTEGER[4] NOT NULL,
		thumbnail_key      TEXT NOT NULL DEFAULT '',
		embedding          vector,
		PRIMARY KEY (job_id, identity_id)
	)`,
}

// EnsureSchema creates the tables used by the service if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func optionalVector(v []float32) *pgvector.Vector {
	if len(v) == 0 {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

// --- Live detections ---

// SaveDetectionBatch inserts a batch of detections from one camera.
func (s *PostgresStore) SaveDetectionBatch(ctx context.Context, sourceID string, dets []models.Detection) error {
	if len(dets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range dets {
		batch.Queue(
			`INSERT INTO detections (id, camera_id, identity_id, track_id, confidence, bbox, embedding, detected_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO NOTHING`,
			d.ID, sourceID, d.IdentityID, d.TrackID, d.Confidence, d.BBox[:], optionalVector(d.Embedding), d.DetectedAt,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save detection batch: %w", err)
	}
	return nil
}

// CountUniqueSince counts distinct identities detected at or after since.
func (s *PostgresStore) CountUniqueSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT identity_id) FROM detections WHERE detected_at >= $1`, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unique identities: %w", err)
	}
	return n, nil
}

// --- Identities ---

// UpsertIdentity inserts an identity or merges it with the stored row.
func (s *PostgresStore) UpsertIdentity(ctx context.Context, ident models.Identity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO identities (id, embedding, first_camera, last_camera, cameras, match_count, first_seen, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			embedding   = EXCLUDED.embedding,
			last_camera = EXCLUDED.last_camera,
			cameras     = ARRAY(SELECT DISTINCT unnest(identities.cameras || EXCLUDED.cameras)),
			match_count = GREATEST(identities.match_count, EXCLUDED.match_count),
			last_seen   = GREATEST(identities.last_seen, EXCLUDED.last_seen)`,
		ident.ID, pgvector.NewVector(ident.Embedding), ident.FirstCamera, ident.LastCamera,
		ident.Cameras, ident.MatchCount, ident.FirstSeen, ident.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert identity %s: %w", ident.ID, err)
	}
	return nil
}

// LoadRecentIdentities returns identities seen within the last sinceHours hours.
func (s *PostgresStore) LoadRecentIdentities(ctx context.Context, sinceHours int) ([]models.Identity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, embedding, first_camera, last_camera, cameras, match_count, first_seen, last_seen
		 FROM identities
		 WHERE last_seen >= NOW() - make_interval(hours => $1)
		 ORDER BY last_seen DESC`, sinceHours)
	if err != nil {
		return nil, fmt.Errorf("load recent identities: %w", err)
	}
	defer rows.Close()

	var out []models.Identity
	for rows.Next() {
		var (
			ident models.Identity
			vec   pgvector.Vector
		)
		if err := rows.Scan(&ident.ID, &vec, &ident.FirstCamera, &ident.LastCamera,
			&ident.Cameras, &ident.MatchCount, &ident.FirstSeen, &ident.LastSeen); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ident.Embedding = vec.Slice()
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// --- Video jobs ---

// SaveJobResults stores a finished job and its per-person aggregates atomically.
func (s *PostgresStore) SaveJobResults(ctx context.Context, res models.JobResult) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO video_jobs (id, file_ref, state, total_frames, processed_frames, total_detections,
				unique_persons, peak_persons, average_persons, error_message, created_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				processed_frames = EXCLUDED.processed_frames,
				total_detections = EXCLUDED.total_detections,
				unique_persons = EXCLUDED.unique_persons,
				peak_persons = EXCLUDED.peak_persons,
				average_persons = EXCLUDED.average_persons,
				error_message = EXCLUDED.error_message,
				completed_at = EXCLUDED.completed_at`,
			res.JobID, res.FileRef, res.State, res.TotalFrames, res.ProcessedFrames, res.TotalDetections,
			res.UniquePersons, res.PeakPersons, res.AveragePersons, res.Error, res.CreatedAt, res.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM video_persons WHERE job_id = $1`, res.JobID); err != nil {
			return fmt.Errorf("clear job persons: %w", err)
		}

		batch := &pgx.Batch{}
		for _, p := range res.Persons {
			batch.Queue(
				`INSERT INTO video_persons (job_id, identity_id, first_seen_sec, last_seen_sec, appearances,
					average_confidence, max_confidence, best_frame, bbox, thumbnail_key, embedding)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				res.JobID, p.IdentityID, p.FirstSeenSec, p.LastSeenSec, p.Appearances,
				p.AverageConfidence, p.MaxConfidence, p.BestFrame, p.BBox[:], p.ThumbnailKey, optionalVector(p.Embedding),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert job persons: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save job results %s: %w", res.JobID, err)
	}
	return nil
}

// DeleteJobResults removes a stored job and its persons.
func (s *PostgresStore) DeleteJobResults(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM video_jobs WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job results %s: %w", jobID, err)
	}
	return nil
}
