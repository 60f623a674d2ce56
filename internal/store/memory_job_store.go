package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/convertly/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id, status string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return job, nil
}

func (s *MemoryJobStore) SaveResults(_ context.Context, id, status string, results []domain.ImageResult, archiveKey string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	job.Status = status
	job.Results = mergeResults(job.Results, results)
	if archiveKey != "" {
		job.ArchiveKey = archiveKey
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return job, nil
}

// mergeResults replaces results by image id so a retry pass overwrites the
// failed entries of the first pass.
func mergeResults(existing, incoming []domain.ImageResult) []domain.ImageResult {
	index := make(map[string]int, len(existing))
	out := append([]domain.ImageResult(nil), existing...)
	for i, r := range out {
		index[r.ImageID] = i
	}
	for _, r := range incoming {
		if i, ok := index[r.ImageID]; ok {
			out[i] = r
			continue
		}
		index[r.ImageID] = len(out)
		out = append(out, r)
	}
	return out
}
