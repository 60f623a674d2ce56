package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/convertly/internal/domain"
)

const (
	SourceTypeURL = domain.SourceTypeURL

	defaultMaxImportBytes = 25 << 20
)

var ErrNotAnImage = errors.New("remote resource is not an image")

// URLFetcher imports images over HTTP.
type URLFetcher struct {
	Client   *http.Client
	MaxBytes int64
}

func NewURLFetcher(timeout time.Duration, maxBytes int64) URLFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxImportBytes
	}
	return URLFetcher{
		Client:   &http.Client{Timeout: timeout},
		MaxBytes: maxBytes,
	}
}

func (f URLFetcher) Fetch(ctx context.Context, sourceType string, img domain.ImageSpec) ([]byte, error) {
	if !strings.EqualFold(sourceType, SourceTypeURL) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, sourceType)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	maxBytes := f.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxImportBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, img.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build import request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", img.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: unexpected status=%d", img.URL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || !strings.HasPrefix(mediaType, "image/") {
			return nil, fmt.Errorf("%w: content-type=%q", ErrNotAnImage, ct)
		}
	}
	if resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("fetch %s: body of %d bytes exceeds limit %d", img.URL, resp.ContentLength, maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", img.URL, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("fetch %s: body exceeds limit %d", img.URL, maxBytes)
	}
	return data, nil
}
