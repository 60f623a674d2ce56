// Package session holds the editing state of a conversion batch: the
// session-wide resize policy and the per-image transforms.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/dunamismax/convertly/internal/domain"
	"github.com/dunamismax/convertly/internal/id"
	"github.com/dunamismax/convertly/internal/pipeline"
)

var (
	ErrImageNotFound  = errors.New("image not found")
	ErrDuplicateImage = errors.New("duplicate image")
)

type Entry struct {
	ID        string
	Name      string
	Hash      string
	Size      int
	Width     int
	Height    int
	Transform domain.ImageTransform
}

// DuplicateError names the image that already holds the same content.
type DuplicateError struct {
	ExistingID string
	Name       string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate image %q: same content as %s", e.Name, e.ExistingID)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicateImage }

type Session struct {
	mu      sync.RWMutex
	policy  domain.ResizePolicy
	quality float64
	order   []string
	entries map[string]*Entry
	byHash  map[string]string
}

func New(policy domain.ResizePolicy, quality float64) *Session {
	return &Session{
		policy:  policy,
		quality: quality,
		entries: make(map[string]*Entry),
		byHash:  make(map[string]string),
	}
}

// Add registers an image with the default transform. Content already present
// in the session is rejected with a DuplicateError.
func (s *Session) Add(name string, data []byte, width, height int) (Entry, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byHash[hash]; ok {
		return Entry{}, &DuplicateError{ExistingID: existing, Name: name}
	}

	e := &Entry{
		ID:     id.NewImage(),
		Name:   name,
		Hash:   hash,
		Size:   len(data),
		Width:  width,
		Height: height,
	}
	s.entries[e.ID] = e
	s.byHash[hash] = e.ID
	s.order = append(s.order, e.ID)
	return *e, nil
}

func (s *Session) Remove(imageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[imageID]
	if !ok {
		return ErrImageNotFound
	}
	delete(s.entries, imageID)
	delete(s.byHash, e.Hash)
	for i, v := range s.order {
		if v == imageID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Session) Get(imageID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[imageID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns the images in the order they were added.
func (s *Session) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.order))
	for _, imageID := range s.order {
		out = append(out, *s.entries[imageID])
	}
	return out
}

func (s *Session) Rotate(imageID string) (domain.ImageTransform, error) {
	return s.update(imageID, func(t *domain.ImageTransform) { t.Rotate() })
}

func (s *Session) FlipHorizontal(imageID string) (domain.ImageTransform, error) {
	return s.update(imageID, func(t *domain.ImageTransform) { t.ToggleFlipHorizontal() })
}

func (s *Session) FlipVertical(imageID string) (domain.ImageTransform, error) {
	return s.update(imageID, func(t *domain.ImageTransform) { t.ToggleFlipVertical() })
}

func (s *Session) SetBackground(imageID string, fill domain.Fill) (domain.ImageTransform, error) {
	return s.update(imageID, func(t *domain.ImageTransform) { t.BackgroundFill = fill })
}

func (s *Session) update(imageID string, fn func(*domain.ImageTransform)) (domain.ImageTransform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[imageID]
	if !ok {
		return domain.ImageTransform{}, ErrImageNotFound
	}
	fn(&e.Transform)
	return e.Transform, nil
}

func (s *Session) Policy() domain.ResizePolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

func (s *Session) SetPolicy(policy domain.ResizePolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = policy
	s.mu.Unlock()
	return nil
}

func (s *Session) Quality() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quality
}

// Plan returns the output geometry an image would get under the current policy.
func (s *Session) Plan(imageID string) (pipeline.Geometry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[imageID]
	if !ok {
		return pipeline.Geometry{}, ErrImageNotFound
	}
	return pipeline.PlanGeometry(e.Width, e.Height, s.policy, e.Transform), nil
}

// Specs converts the session into image specs for a processor request.
// sourceKey maps an entry to its object key or local path.
func (s *Session) Specs(sourceKey func(Entry) string) []domain.ImageSpec {
	entries := s.Entries()
	specs := make([]domain.ImageSpec, 0, len(entries))
	for _, e := range entries {
		specs = append(specs, domain.ImageSpec{
			ID:        e.ID,
			Name:      e.Name,
			ObjectKey: sourceKey(e),
			Transform: e.Transform,
		})
	}
	return specs
}
