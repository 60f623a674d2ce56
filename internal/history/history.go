// Package history keeps the list of recent conversions.
package history

import (
	"context"
	"fmt"

	"github.com/dunamismax/convertly/internal/domain"
	"github.com/dunamismax/convertly/internal/kv"
)

const (
	blobName   = "history"
	MaxEntries = 50
)

type History struct {
	store kv.Store
	limit int
}

func New(store kv.Store, limit int) *History {
	if limit <= 0 {
		limit = MaxEntries
	}
	return &History{store: store, limit: limit}
}

// Append adds entries newest first and drops the oldest beyond the limit.
// The read-modify-write goes through kv.Store.Update, so concurrent workers
// sharing a redis or postgres store do not drop each other's entries.
func (h *History) Append(ctx context.Context, entries ...domain.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	err := kv.UpdateJSON(ctx, h.store, blobName, func(current *[]domain.HistoryEntry) error {
		next := make([]domain.HistoryEntry, 0, len(entries)+len(*current))
		for i := len(entries) - 1; i >= 0; i-- {
			next = append(next, entries[i])
		}
		next = append(next, *current...)
		if len(next) > h.limit {
			next = next[:h.limit]
		}
		*current = next
		return nil
	})
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

func (h *History) List(ctx context.Context) ([]domain.HistoryEntry, error) {
	return h.load(ctx)
}

func (h *History) Clear(ctx context.Context) error {
	if err := h.store.Delete(ctx, blobName); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (h *History) load(ctx context.Context) ([]domain.HistoryEntry, error) {
	var entries []domain.HistoryEntry
	if _, err := h.store.Get(ctx, blobName, &entries); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	return entries, nil
}

// EntriesFor turns successful image results into history entries.
func EntriesFor(job domain.Job, results []domain.ImageResult) []domain.HistoryEntry {
	out := make([]domain.HistoryEntry, 0, len(results))
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		out = append(out, domain.HistoryEntry{
			JobID:          job.ID,
			FileName:       r.Name,
			Format:         r.Format,
			OriginalBytes:  r.SourceBytes,
			ConvertedBytes: r.Bytes,
			Width:          r.Width,
			Height:         r.Height,
			ConvertedAt:    job.UpdatedAt,
		})
	}
	return out
}
