package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusPartial    = "partial"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
	SourceTypeURL         = "url"

	DefaultQuality = 0.85
)

type CreateJobRequest struct {
	SourceType string        `json:"source_type"`
	WebhookURL string        `json:"webhook_url,omitempty"`
	Preset     string        `json:"preset,omitempty"`
	Policy     *ResizePolicy `json:"policy,omitempty"`
	// Quality is nil when the client leaves it to the preset or default;
	// an explicit 0 is the lowest quality.
	Quality *float64    `json:"quality,omitempty"`
	Images  []ImageSpec `json:"images"`
}

type ImageSpec struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	ObjectKey string         `json:"object_key,omitempty"`
	URL       string         `json:"url,omitempty"`
	Transform ImageTransform `json:"transform"`
}

// ImageResult is the per-image outcome recorded on a job.
type ImageResult struct {
	ImageID     string `json:"image_id"`
	Name        string `json:"name"`
	Format      string `json:"format,omitempty"`
	Path        string `json:"path,omitempty"`
	SourceBytes int    `json:"source_bytes"`
	Bytes       int    `json:"bytes"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (r ImageResult) Succeeded() bool {
	return r.Error == ""
}

// FailedImages returns the images, in request order, that have no
// successful result. These are what a retry pass resubmits.
func FailedImages(images []ImageSpec, results []ImageResult) []ImageSpec {
	ok := make(map[string]struct{}, len(results))
	for _, res := range results {
		if res.Succeeded() {
			ok[res.ImageID] = struct{}{}
		}
	}
	var out []ImageSpec
	for _, img := range images {
		if _, done := ok[img.ID]; !done {
			out = append(out, img)
		}
	}
	return out
}

type Job struct {
	ID         string
	Status     string
	SourceType string
	WebhookURL string
	Policy     ResizePolicy
	Quality    float64
	Images     []ImageSpec
	Results    []ImageResult
	ArchiveKey string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	switch sourceType {
	case "":
		return errors.New("source_type is required")
	case SourceTypeLocalFile, SourceTypeS3Presigned, SourceTypeURL:
	default:
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if r.Quality != nil && (*r.Quality < 0 || *r.Quality > 1) {
		return fmt.Errorf("quality must be within [0,1]: got %v", *r.Quality)
	}
	if r.Policy != nil {
		if err := r.Policy.Validate(); err != nil {
			return err
		}
	}
	if len(r.Images) == 0 {
		return errors.New("images must contain at least one image")
	}

	seen := make(map[string]struct{}, len(r.Images))
	for i, img := range r.Images {
		id := strings.TrimSpace(img.ID)
		if id == "" {
			return fmt.Errorf("images[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("images[%d].id %q is duplicated", i, id)
		}
		seen[id] = struct{}{}

		switch sourceType {
		case SourceTypeLocalFile:
			if strings.TrimSpace(img.ObjectKey) == "" {
				return fmt.Errorf("images[%d].object_key is required for source_type=local_file", i)
			}
		case SourceTypeURL:
			if err := validateImportURL(img.URL); err != nil {
				return fmt.Errorf("images[%d].url: %w", i, err)
			}
		}
		if err := img.Transform.Validate(); err != nil {
			return fmt.Errorf("images[%d].transform: %w", i, err)
		}
	}
	return nil
}

func validateImportURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("is required for source_type=url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// FinalStatus derives the job status from its per-image results.
func FinalStatus(results []ImageResult) string {
	failed := 0
	for _, r := range results {
		if !r.Succeeded() {
			failed++
		}
	}
	switch {
	case len(results) == 0 || failed == len(results):
		return JobStatusFailed
	case failed > 0:
		return JobStatusPartial
	default:
		return JobStatusSucceeded
	}
}
