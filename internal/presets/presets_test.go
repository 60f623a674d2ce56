package presets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/dunamismax/convertly/internal/domain"
	"github.com/dunamismax/convertly/internal/kv"
)

func TestRegistrySaveListDelete(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(kv.NewMemoryStore())

	saved, err := r.Save(ctx, domain.Preset{
		Name:    " Banner ",
		Policy:  domain.ResizePolicy{Mode: domain.ModeBoth, TargetWidth: 1500, TargetHeight: 500},
		Quality: 0.7,
	})
	if err != nil {
		t.Fatalf("save returned error: %v", err)
	}
	if saved.Name != "banner" {
		t.Fatalf("expected normalized name banner, got %q", saved.Name)
	}

	got, err := r.Get(ctx, "BANNER")
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	if got.Policy.TargetWidth != 1500 || got.BuiltIn {
		t.Fatalf("expected saved 1500px preset, got %+v", got)
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	names := []string{}
	for _, p := range list {
		names = append(names, p.Name)
	}
	if want := []string{"banner", "lossless", "social", "thumbnail", "web"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("expected presets %v, got %v", want, names)
	}

	if err := r.Delete(ctx, "banner"); err != nil {
		t.Fatalf("delete returned error: %v", err)
	}
	if _, err := r.Get(ctx, "banner"); !errors.Is(err, ErrPresetNotFound) {
		t.Fatalf("expected ErrPresetNotFound after delete, got %v", err)
	}
	if err := r.Delete(ctx, "banner"); !errors.Is(err, ErrPresetNotFound) {
		t.Fatalf("expected ErrPresetNotFound on second delete, got %v", err)
	}
}

func TestSaveKeepsZeroQuality(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(kv.NewMemoryStore())

	if _, err := r.Save(ctx, domain.Preset{Name: "tiny", Policy: domain.DefaultResizePolicy(), Quality: 0}); err != nil {
		t.Fatalf("save returned error: %v", err)
	}
	got, err := r.Get(ctx, "tiny")
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	if got.Quality != 0 {
		t.Fatalf("expected quality 0 to be kept, got %v", got.Quality)
	}
}

func TestBuiltInsAreProtected(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(kv.NewMemoryStore())

	web, err := r.Get(ctx, "web")
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	if !web.BuiltIn || web.Policy != domain.DefaultResizePolicy() {
		t.Fatalf("expected built-in web preset with the default policy, got %+v", web)
	}

	if err := r.Delete(ctx, "web"); !errors.Is(err, ErrBuiltInPreset) {
		t.Fatalf("expected ErrBuiltInPreset on delete, got %v", err)
	}
	if _, err := r.Save(ctx, domain.Preset{Name: "web", Policy: domain.DefaultResizePolicy()}); !errors.Is(err, ErrBuiltInPreset) {
		t.Fatalf("expected ErrBuiltInPreset on save, got %v", err)
	}
}

func TestSaveValidates(t *testing.T) {
	r := NewRegistry(kv.NewMemoryStore())
	invalid := []domain.Preset{
		{Name: "x", Policy: domain.ResizePolicy{Mode: "nope"}},
		{Name: "", Policy: domain.DefaultResizePolicy()},
		{Name: "loud", Policy: domain.DefaultResizePolicy(), Quality: 2},
	}
	for _, p := range invalid {
		if _, err := r.Save(context.Background(), p); !errors.Is(err, ErrInvalidPreset) {
			t.Fatalf("expected ErrInvalidPreset for %+v, got %v", p, err)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	err := os.WriteFile(path, []byte(`
presets:
  - name: avatar
    quality: 0.9
    policy:
      mode: both
      target_width: 256
      target_height: 256
      maintain_aspect_ratio: false
  - name: draft
    quality: 0
    policy:
      mode: webp-only
  - name: plain
    policy:
      mode: webp-only
`), 0o644)
	if err != nil {
		t.Fatalf("write presets file: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 presets, got %d", len(loaded))
	}
	if loaded[0].Policy.TargetHeight != 256 || loaded[0].Quality != 0.9 {
		t.Fatalf("expected avatar 256px at 0.9, got %+v", loaded[0])
	}
	if loaded[1].Quality != 0 {
		t.Fatalf("expected explicit quality 0 to be kept, got %v", loaded[1].Quality)
	}
	if loaded[2].Quality != domain.DefaultQuality {
		t.Fatalf("expected missing quality to default to %v, got %v", domain.DefaultQuality, loaded[2].Quality)
	}

	r := NewRegistry(kv.NewMemoryStore(), loaded...)
	avatar, err := r.Get(context.Background(), "avatar")
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	if !avatar.BuiltIn {
		t.Fatal("expected file presets to be built in")
	}
}
