// Package presets stores named conversion settings.
package presets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dunamismax/convertly/internal/domain"
	"github.com/dunamismax/convertly/internal/kv"
	"gopkg.in/yaml.v3"
)

const blobName = "presets"

var (
	ErrPresetNotFound = errors.New("preset not found")
	ErrBuiltInPreset  = errors.New("built-in presets cannot be changed")
	ErrInvalidPreset  = errors.New("invalid preset")
)

// Defaults are always available and cannot be deleted.
func Defaults() []domain.Preset {
	return []domain.Preset{
		{
			Name:    "web",
			Policy:  domain.DefaultResizePolicy(),
			Quality: domain.DefaultQuality,
		},
		{
			Name:    "thumbnail",
			Policy:  domain.ResizePolicy{Mode: domain.ModeBoth, TargetWidth: 300, TargetHeight: 300, MaintainAspectRatio: true},
			Quality: 0.6,
		},
		{
			Name:    "social",
			Policy:  domain.ResizePolicy{Mode: domain.ModeBoth, TargetWidth: 1200, TargetHeight: 630},
			Quality: 0.8,
		},
		{
			Name:    "lossless",
			Policy:  domain.ResizePolicy{Mode: domain.ModeWebPOnly, TargetWidth: domain.DefaultTargetWidth, TargetHeight: domain.DefaultTargetHeight, MaintainAspectRatio: true},
			Quality: 1,
		},
	}
}

type fileFormat struct {
	Presets []filePreset `yaml:"presets"`
}

// filePreset leaves quality optional; a missing value means the default.
type filePreset struct {
	Name    string              `yaml:"name"`
	Policy  domain.ResizePolicy `yaml:"policy"`
	Quality *float64            `yaml:"quality"`
}

// LoadFile reads extra built-in presets from a YAML file.
func LoadFile(path string) ([]domain.Preset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets file %s: %w", path, err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse presets file %s: %w", path, err)
	}
	out := make([]domain.Preset, 0, len(f.Presets))
	for i, fp := range f.Presets {
		p := domain.Preset{Name: fp.Name, Policy: fp.Policy, Quality: domain.DefaultQuality}
		if fp.Quality != nil {
			p.Quality = *fp.Quality
		}
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("presets[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

type Registry struct {
	store    kv.Store
	builtins map[string]domain.Preset
}

func NewRegistry(store kv.Store, builtins ...domain.Preset) *Registry {
	r := &Registry{store: store, builtins: make(map[string]domain.Preset)}
	for _, p := range append(Defaults(), builtins...) {
		p.Name = normalizeName(p.Name)
		p.BuiltIn = true
		r.builtins[p.Name] = p
	}
	return r
}

func (r *Registry) Get(ctx context.Context, name string) (domain.Preset, error) {
	name = normalizeName(name)
	if p, ok := r.builtins[name]; ok {
		return p, nil
	}

	saved, err := r.load(ctx)
	if err != nil {
		return domain.Preset{}, err
	}
	p, ok := saved[name]
	if !ok {
		return domain.Preset{}, fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	return p, nil
}

// List returns built-in and saved presets sorted by name.
func (r *Registry) List(ctx context.Context) ([]domain.Preset, error) {
	saved, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Preset, 0, len(r.builtins)+len(saved))
	for _, p := range r.builtins {
		out = append(out, p)
	}
	for name, p := range saved {
		if _, shadowed := r.builtins[name]; !shadowed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Registry) Save(ctx context.Context, p domain.Preset) (domain.Preset, error) {
	p.Name = normalizeName(p.Name)
	p.BuiltIn = false
	if err := validate(p); err != nil {
		return domain.Preset{}, err
	}
	if _, ok := r.builtins[p.Name]; ok {
		return domain.Preset{}, fmt.Errorf("%w: %s", ErrBuiltInPreset, p.Name)
	}

	err := kv.UpdateJSON(ctx, r.store, blobName, func(saved *map[string]domain.Preset) error {
		if *saved == nil {
			*saved = map[string]domain.Preset{}
		}
		(*saved)[p.Name] = p
		return nil
	})
	if err != nil {
		return domain.Preset{}, fmt.Errorf("save presets: %w", err)
	}
	return p, nil
}

func (r *Registry) Delete(ctx context.Context, name string) error {
	name = normalizeName(name)
	if _, ok := r.builtins[name]; ok {
		return fmt.Errorf("%w: %s", ErrBuiltInPreset, name)
	}

	return kv.UpdateJSON(ctx, r.store, blobName, func(saved *map[string]domain.Preset) error {
		if _, ok := (*saved)[name]; !ok {
			return fmt.Errorf("%w: %s", ErrPresetNotFound, name)
		}
		delete(*saved, name)
		return nil
	})
}

func (r *Registry) load(ctx context.Context) (map[string]domain.Preset, error) {
	saved := map[string]domain.Preset{}
	if _, err := r.store.Get(ctx, blobName, &saved); err != nil {
		return nil, fmt.Errorf("load presets: %w", err)
	}
	return saved, nil
}

func validate(p domain.Preset) error {
	if normalizeName(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPreset)
	}
	if p.Quality < 0 || p.Quality > 1 {
		return fmt.Errorf("%w: quality must be within [0,1]: got %v", ErrInvalidPreset, p.Quality)
	}
	if err := p.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPreset, err)
	}
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
