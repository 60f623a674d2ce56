package history

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/dunamismax/convertly/internal/domain"
	"github.com/dunamismax/convertly/internal/kv"
)

func fileNames(entries []domain.HistoryEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.FileName)
	}
	return names
}

func TestAppendKeepsNewestFirstAndCaps(t *testing.T) {
	ctx := context.Background()
	h := New(kv.NewMemoryStore(), 3)

	if err := h.Append(ctx, domain.HistoryEntry{FileName: "1.webp"}, domain.HistoryEntry{FileName: "2.webp"}); err != nil {
		t.Fatalf("append returned error: %v", err)
	}
	if err := h.Append(ctx, domain.HistoryEntry{FileName: "3.webp"}, domain.HistoryEntry{FileName: "4.webp"}); err != nil {
		t.Fatalf("append returned error: %v", err)
	}

	entries, err := h.List(ctx)
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if got, want := fileNames(entries), []string{"4.webp", "3.webp", "2.webp"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if err := h.Clear(ctx); err != nil {
		t.Fatalf("clear returned error: %v", err)
	}
	entries, err = h.List(ctx)
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty history after clear, got %v", fileNames(entries))
	}
}

func TestDefaultLimit(t *testing.T) {
	ctx := context.Background()
	h := New(kv.NewMemoryStore(), 0)
	for i := 0; i < MaxEntries+5; i++ {
		if err := h.Append(ctx, domain.HistoryEntry{FileName: fmt.Sprintf("%d.webp", i)}); err != nil {
			t.Fatalf("append %d returned error: %v", i, err)
		}
	}
	entries, err := h.List(ctx)
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(entries) != MaxEntries {
		t.Fatalf("expected %d entries, got %d", MaxEntries, len(entries))
	}
	if want := fmt.Sprintf("%d.webp", MaxEntries+4); entries[0].FileName != want {
		t.Fatalf("expected newest entry %s, got %s", want, entries[0].FileName)
	}
}

func TestAppendFromConcurrentWritersKeepsEveryEntry(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	// Two History values over one store stand in for two worker processes.
	writers := []*History{New(store, 0), New(store, 0)}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := writers[i%len(writers)]
			if err := h.Append(ctx, domain.HistoryEntry{FileName: fmt.Sprintf("%d.webp", i)}); err != nil {
				t.Errorf("append %d returned error: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := writers[0].List(ctx)
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(entries) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(entries))
	}
}

func TestEntriesForSkipsFailures(t *testing.T) {
	job := domain.Job{ID: "job-1"}
	entries := EntriesFor(job, []domain.ImageResult{
		{ImageID: "a", Name: "a.webp", Format: "webp", SourceBytes: 100, Bytes: 40},
		{ImageID: "b", Name: "b.webp", Error: "transform stage: decode image"},
	})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].JobID != "job-1" || entries[0].ConvertedBytes != 40 {
		t.Fatalf("expected job-1 with 40 converted bytes, got %+v", entries[0])
	}
}
