package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/dunamismax/convertly/internal/archive"
	"github.com/dunamismax/convertly/internal/domain"
)

const (
	SourceTypeLocalFile = domain.SourceTypeLocalFile
	ArchiveName         = "bundle.zip"
)

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrAllImagesFailed       = errors.New("every image in the batch failed")
)

type Request struct {
	JobID      string
	SourceType string
	Images     []domain.ImageSpec
	Policy     domain.ResizePolicy
	Quality    float64
	// Previous holds results of an earlier pass over the same job. Their
	// outputs are read back so the archive covers the whole job.
	Previous []domain.ImageResult
}

type Result struct {
	Images      []domain.ImageResult
	SourceBytes int
	OutputBytes int
	ArchivePath string
}

type Fetcher interface {
	Fetch(ctx context.Context, sourceType string, img domain.ImageSpec) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, jobID, name string, data []byte, contentType string) (string, error)
}

// OutputReader reads back an emitted output by the path Emit returned.
type OutputReader interface {
	ReadOutput(ctx context.Context, path string) ([]byte, error)
}

type Options struct {
	Concurrency int
	Bundle      bool
}

type Processor struct {
	fetcher     Fetcher
	transformer Transformer
	emitter     Emitter
	pool        pond.ResultPool[imageOutcome]
	bundle      bool
}

type imageOutcome struct {
	result domain.ImageResult
	data   []byte
}

func NewProcessor(fetcher Fetcher, transformer Transformer, emitter Emitter, opts Options) *Processor {
	return &Processor{
		fetcher:     fetcher,
		transformer: transformer,
		emitter:     emitter,
		pool:        pond.NewResultPool[imageOutcome](max(1, opts.Concurrency)),
		bundle:      opts.Bundle,
	}
}

func NewLocalProcessor(outputDir, interpolation string, opts Options) *Processor {
	return NewProcessor(LocalFileFetcher{}, NewTransformer(interpolation), LocalFileEmitter{OutputDir: outputDir}, opts)
}

func (p *Processor) Close() {
	p.pool.StopAndWait()
}

// Process converts every image of the request. A failing image is recorded
// in its result and does not stop the others.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if len(req.Images) == 0 {
		return Result{}, errors.New("request must contain at least one image")
	}

	tasks := make([]pond.Result[imageOutcome], 0, len(req.Images))
	for _, img := range req.Images {
		tasks = append(tasks, p.pool.SubmitErr(func() (imageOutcome, error) {
			return p.convertOne(ctx, req, img), nil
		}))
	}

	out := Result{Images: make([]domain.ImageResult, 0, len(req.Images))}
	var files []archive.File
	for _, task := range tasks {
		outcome, err := task.Wait()
		if err != nil {
			return Result{}, fmt.Errorf("wait for image task: %w", err)
		}
		out.Images = append(out.Images, outcome.result)
		out.SourceBytes += outcome.result.SourceBytes
		if outcome.result.Succeeded() {
			out.OutputBytes += outcome.result.Bytes
			files = append(files, archive.File{Name: outcome.result.Name, Data: outcome.data})
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(files) == 0 {
		return out, ErrAllImagesFailed
	}

	if p.bundle {
		carried, err := p.carryPrevious(ctx, req, out.Images)
		if err != nil {
			return out, fmt.Errorf("bundle stage: %w", err)
		}
		files = append(carried, files...)

		bundle, err := archive.Bundle(files)
		if err != nil {
			return out, fmt.Errorf("bundle stage: %w", err)
		}
		archivePath, err := p.emitter.Emit(ctx, req.JobID, ArchiveName, bundle, "application/zip")
		if err != nil {
			return out, fmt.Errorf("emit stage archive: %w", err)
		}
		out.ArchivePath = archivePath
	}

	return out, nil
}

func (p *Processor) carryPrevious(ctx context.Context, req Request, current []domain.ImageResult) ([]archive.File, error) {
	if len(req.Previous) == 0 {
		return nil, nil
	}
	reader, ok := p.emitter.(OutputReader)
	if !ok {
		return nil, nil
	}

	redone := make(map[string]struct{}, len(current))
	for _, r := range current {
		redone[r.ImageID] = struct{}{}
	}

	var files []archive.File
	for _, prev := range req.Previous {
		if _, ok := redone[prev.ImageID]; ok || !prev.Succeeded() || prev.Path == "" {
			continue
		}
		data, err := reader.ReadOutput(ctx, prev.Path)
		if err != nil {
			return nil, fmt.Errorf("read previous output %s: %w", prev.Path, err)
		}
		files = append(files, archive.File{Name: prev.Name, Data: data})
	}
	return files, nil
}

func (p *Processor) convertOne(ctx context.Context, req Request, img domain.ImageSpec) imageOutcome {
	res := domain.ImageResult{ImageID: img.ID, Name: displayName(img)}
	fail := func(stage string, err error) imageOutcome {
		res.Error = fmt.Sprintf("%s stage: %v", stage, err)
		return imageOutcome{result: res}
	}

	if err := ctx.Err(); err != nil {
		return fail("fetch", err)
	}

	source, err := p.fetcher.Fetch(ctx, req.SourceType, img)
	if err != nil {
		return fail("fetch", err)
	}
	res.SourceBytes = len(source)

	converted, err := p.transformer.Convert(ctx, source, ConvertSpec{
		Policy:    req.Policy,
		Transform: img.Transform,
		Quality:   req.Quality,
	})
	if err != nil {
		return fail("transform", err)
	}

	res.Name = outputName(res.Name, converted.Format)
	emitted, err := p.emitter.Emit(
		ctx,
		req.JobID,
		outputName(sanitizePathToken(img.ID), converted.Format),
		converted.Data,
		contentTypeForFormat(converted.Format),
	)
	if err != nil {
		return fail("emit", err)
	}

	res.Format = converted.Format
	res.Path = emitted
	res.Bytes = len(converted.Data)
	res.Width, res.Height = converted.Geometry.Size()
	return imageOutcome{result: res, data: converted.Data}
}

// displayName picks the user-facing base name of an image without extension.
func displayName(img domain.ImageSpec) string {
	candidates := []string{img.Name, img.ObjectKey, urlPath(img.URL), img.ID}
	for _, c := range candidates {
		base := strings.TrimSpace(path.Base(filepath.ToSlash(c)))
		if base == "" || base == "." || base == "/" || base == "source" {
			continue
		}
		base = strings.TrimSuffix(base, path.Ext(base))
		if base != "" {
			return base
		}
	}
	return "image"
}

func urlPath(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
		if j := strings.Index(raw, "/"); j >= 0 {
			return raw[j:]
		}
		return ""
	}
	return raw
}

func outputName(base, format string) string {
	return fmt.Sprintf("%s.%s", base, extensionForFormat(format))
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, sourceType string, img domain.ImageSpec) ([]byte, error) {
	if !strings.EqualFold(sourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, sourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(img.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", img.ObjectKey, err)
	}
	return data, nil
}

// MultiFetcher routes each fetch by source type.
type MultiFetcher map[string]Fetcher

func (m MultiFetcher) Fetch(ctx context.Context, sourceType string, img domain.ImageSpec) ([]byte, error) {
	f, ok := m[strings.ToLower(strings.TrimSpace(sourceType))]
	if !ok || f == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, sourceType)
	}
	return f.Fetch(ctx, sourceType, img)
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, jobID, name string, data []byte, _ string) (string, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return "", errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(jobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, sanitizeFileName(name))
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write output file: %w", err)
	}
	return fullPath, nil
}

func (e LocalFileEmitter) ReadOutput(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// sanitizeFileName keeps a single extension dot.
func sanitizeFileName(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return sanitizePathToken(name)
	}
	return sanitizePathToken(strings.TrimSuffix(name, ext)) + "." + sanitizePathToken(strings.TrimPrefix(ext, "."))
}
