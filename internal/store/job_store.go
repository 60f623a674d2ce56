package store

import (
	"context"
	"errors"

	"github.com/dunamismax/convertly/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	SaveResults(ctx context.Context, id, status string, results []domain.ImageResult, archiveKey string) (domain.Job, error)
}
