package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/convertly/internal/domain"
	_ "github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS conversion_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	policy JSONB NOT NULL,
	quality DOUBLE PRECISION NOT NULL,
	images JSONB NOT NULL,
	results JSONB NOT NULL DEFAULT '[]',
	archive_key TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

type PostgresJobStore struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgresJobStore(ctx context.Context, db *sql.DB) (*PostgresJobStore, error) {
	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure conversion_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	policyJSON, err := json.Marshal(job.Policy)
	if err != nil {
		return fmt.Errorf("marshal job policy: %w", err)
	}
	imagesJSON, err := json.Marshal(job.Images)
	if err != nil {
		return fmt.Errorf("marshal job images: %w", err)
	}
	resultsJSON, err := json.Marshal(nonNilResults(job.Results))
	if err != nil {
		return fmt.Errorf("marshal job results: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO conversion_jobs (id, status, source_type, webhook_url, policy, quality, images, results, archive_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID,
		job.Status,
		job.SourceType,
		job.WebhookURL,
		policyJSON,
		job.Quality,
		imagesJSON,
		resultsJSON,
		job.ArchiveKey,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, status, source_type, webhook_url, policy, quality, images, results, archive_key, created_at, updated_at
		 FROM conversion_jobs
		 WHERE id = $1`,
		id,
	)

	var (
		job                                 domain.Job
		policyJSON, imagesJSON, resultsJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.SourceType,
		&job.WebhookURL,
		&policyJSON,
		&job.Quality,
		&imagesJSON,
		&resultsJSON,
		&job.ArchiveKey,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	if err := json.Unmarshal(policyJSON, &job.Policy); err != nil {
		return domain.Job{}, false, fmt.Errorf("unmarshal job policy: %w", err)
	}
	if err := json.Unmarshal(imagesJSON, &job.Images); err != nil {
		return domain.Job{}, false, fmt.Errorf("unmarshal job images: %w", err)
	}
	if err := json.Unmarshal(resultsJSON, &job.Results); err != nil {
		return domain.Job{}, false, fmt.Errorf("unmarshal job results: %w", err)
	}

	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE conversion_jobs
		 SET status = $1, updated_at = $2
		 WHERE id = $3`,
		status,
		now,
		id,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job status: %w", err)
	}

	return s.mustGet(ctx, id)
}

func (s *PostgresJobStore) SaveResults(ctx context.Context, id, status string, results []domain.ImageResult, archiveKey string) (domain.Job, error) {
	job, err := s.mustGet(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}

	merged, err := json.Marshal(nonNilResults(mergeResults(job.Results, results)))
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job results: %w", err)
	}
	if archiveKey == "" {
		archiveKey = job.ArchiveKey
	}

	_, err = s.db.ExecContext(
		ctx,
		`UPDATE conversion_jobs
		 SET status = $1, results = $2, archive_key = $3, updated_at = $4
		 WHERE id = $5`,
		status,
		merged,
		archiveKey,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("save job results: %w", err)
	}

	return s.mustGet(ctx, id)
}

func (s *PostgresJobStore) mustGet(ctx context.Context, id string) (domain.Job, error) {
	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

func nonNilResults(in []domain.ImageResult) []domain.ImageResult {
	if in == nil {
		return []domain.ImageResult{}
	}
	return in
}
