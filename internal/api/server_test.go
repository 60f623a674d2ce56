package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/convertly/internal/domain"
	"github.com/dunamismax/convertly/internal/history"
	"github.com/dunamismax/convertly/internal/kv"
	"github.com/dunamismax/convertly/internal/presets"
	"github.com/dunamismax/convertly/internal/queue"
	"github.com/dunamismax/convertly/internal/ratelimit"
	"github.com/dunamismax/convertly/internal/store"
	"github.com/hibiken/asynq"
)

type fakeEnqueuer struct {
	payloads []queue.ConvertPayload
	err      error
}

func (f *fakeEnqueuer) EnqueueConvert(_ context.Context, payload queue.ConvertPayload) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeStorage struct {
	objects map[string]bool
}

func (f *fakeStorage) PresignedPutURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://minio.local/put/" + key, nil
}

func (f *fakeStorage) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://minio.local/get/" + key, nil
}

func (f *fakeStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	return f.objects[key], nil
}

type fakeLimiter struct {
	remaining int
	costs     []int
}

func (f *fakeLimiter) AllowN(_ context.Context, _ string, cost int) (ratelimit.Decision, error) {
	f.costs = append(f.costs, cost)
	if cost > f.remaining {
		return ratelimit.Decision{Allowed: false, Remaining: int64(f.remaining), RetryAfter: 2 * time.Second}, nil
	}
	f.remaining -= cost
	return ratelimit.Decision{Allowed: true, Remaining: int64(f.remaining)}, nil
}

type harness struct {
	server  *Server
	queue   *fakeEnqueuer
	storage *fakeStorage
	jobs    *store.MemoryJobStore
	history *history.History
}

func newHarness(t *testing.T, limiter RateLimiter) *harness {
	t.Helper()
	blobs := kv.NewMemoryStore()
	h := &harness{
		queue:   &fakeEnqueuer{},
		storage: &fakeStorage{objects: map[string]bool{}},
		jobs:    store.NewMemoryJobStore(),
		history: history.New(blobs, 0),
	}
	h.server = NewServer(log.New(io.Discard, "", 0), h.queue, h.jobs, Options{
		Storage:     h.storage,
		Presets:     presets.NewRegistry(blobs, presets.Defaults()...),
		History:     h.history,
		RateLimiter: limiter,
	})
	return h
}

func (h *harness) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, target, err)
		}
	}
	return rec, out
}

func (h *harness) createJob(t *testing.T, body string) string {
	t.Helper()
	rec, out := h.do(t, http.MethodPost, "/v1/jobs", body)
	checkStatus(t, rec, http.StatusAccepted)
	return out["job_id"].(string)
}

func (h *harness) job(t *testing.T, jobID string) domain.Job {
	t.Helper()
	job, ok, err := h.jobs.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected job %s to exist", jobID)
	}
	return job
}

func checkStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func checkNumber(t *testing.T, m map[string]any, key string, want float64) {
	t.Helper()
	if got, ok := m[key].(float64); !ok || got != want {
		t.Fatalf("expected %s=%v, got %v", key, want, m[key])
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodGet, "/healthz", "")
	checkStatus(t, rec, http.StatusOK)
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestCreateJobPresignsEveryImage(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodPost, "/v1/jobs", `{
		"source_type": "s3_presigned",
		"images": [
			{"id": "a", "name": "a.png", "transform": {"rotation": 90}},
			{"id": "b", "name": "b.jpg"}
		]
	}`)
	checkStatus(t, rec, http.StatusAccepted)

	uploads := body["uploads"].([]any)
	if len(uploads) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(uploads))
	}
	first := uploads[0].(map[string]any)
	if first["presigned_url_state"] != "ready" {
		t.Fatalf("expected presigned url state ready, got %v", first["presigned_url_state"])
	}
	if url, _ := first["presigned_put_url"].(string); !strings.Contains(url, "uploads/") {
		t.Fatalf("expected upload url under uploads/, got %q", url)
	}
	if key, _ := first["object_key"].(string); !strings.HasSuffix(key, "/a/source") {
		t.Fatalf("expected object key ending in /a/source, got %q", key)
	}

	job := h.job(t, body["job_id"].(string))
	if job.Policy != domain.DefaultResizePolicy() {
		t.Fatalf("expected default policy, got %+v", job.Policy)
	}
	if job.Quality != domain.DefaultQuality {
		t.Fatalf("expected default quality %v, got %v", domain.DefaultQuality, job.Quality)
	}
	if job.Images[0].Transform.Rotation != 90 {
		t.Fatalf("expected rotation 90, got %d", job.Images[0].Transform.Rotation)
	}
}

func TestCreateJobResolvesPresetAndOverrides(t *testing.T) {
	h := newHarness(t, nil)

	job := h.job(t, h.createJob(t, `{
		"source_type": "url",
		"preset": "thumbnail",
		"images": [{"id": "a", "url": "https://example.com/a.png"}]
	}`))
	if job.Policy.TargetWidth != 300 || job.Quality != 0.6 {
		t.Fatalf("expected thumbnail preset at 300px and quality 0.6, got %dpx and %v", job.Policy.TargetWidth, job.Quality)
	}

	job = h.job(t, h.createJob(t, `{
		"source_type": "url",
		"preset": "thumbnail",
		"quality": 0.5,
		"images": [{"id": "a", "url": "https://example.com/a.png"}]
	}`))
	if job.Policy.TargetWidth != 300 || job.Quality != 0.5 {
		t.Fatalf("expected explicit quality 0.5 over the preset, got %dpx and %v", job.Policy.TargetWidth, job.Quality)
	}

	rec, _ := h.do(t, http.MethodPost, "/v1/jobs", `{
		"source_type": "url",
		"preset": "missing",
		"images": [{"id": "a", "url": "https://example.com/a.png"}]
	}`)
	checkStatus(t, rec, http.StatusBadRequest)
}

func TestCreateJobHonorsZeroQuality(t *testing.T) {
	h := newHarness(t, nil)

	job := h.job(t, h.createJob(t, `{
		"source_type": "url",
		"quality": 0,
		"images": [{"id": "a", "url": "https://example.com/a.png"}]
	}`))
	if job.Quality != 0 {
		t.Fatalf("expected explicit quality 0 to be kept, got %v", job.Quality)
	}

	job = h.job(t, h.createJob(t, `{
		"source_type": "url",
		"preset": "lossless",
		"quality": 0,
		"images": [{"id": "a", "url": "https://example.com/a.png"}]
	}`))
	if job.Quality != 0 {
		t.Fatalf("expected explicit quality 0 over the preset, got %v", job.Quality)
	}
}

func TestCreateJobRejectsInvalidBody(t *testing.T) {
	h := newHarness(t, nil)
	for _, body := range []string{
		`{"source_type": "ftp", "images": [{"id": "a"}]}`,
		`{"source_type": "url", "images": [], "extra": 1}`,
		`{"source_type": "url", "images": [{"id": "a", "url": "https://x.test/a.png", "transform": {"rotation": 45}}]}`,
		`{"source_type": "url", "quality": -0.1, "images": [{"id": "a", "url": "https://x.test/a.png"}]}`,
	} {
		rec, _ := h.do(t, http.MethodPost, "/v1/jobs", body)
		checkStatus(t, rec, http.StatusBadRequest)
	}
}

func TestStartJobVerifiesLocalSources(t *testing.T) {
	h := newHarness(t, nil)
	dir := t.TempDir()
	present := filepath.Join(dir, "present.png")
	if err := os.WriteFile(present, []byte("x"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	missingID := h.createJob(t, `{
		"source_type": "local_file",
		"images": [{"id": "a", "object_key": "`+filepath.ToSlash(filepath.Join(dir, "missing.png"))+`"}]
	}`)
	rec, _ := h.do(t, http.MethodPost, "/v1/jobs/"+missingID+"/start", "")
	checkStatus(t, rec, http.StatusConflict)
	if len(h.queue.payloads) != 0 {
		t.Fatalf("expected nothing enqueued, got %d payloads", len(h.queue.payloads))
	}

	jobID := h.createJob(t, `{
		"source_type": "local_file",
		"images": [{"id": "a", "object_key": "`+filepath.ToSlash(present)+`"}]
	}`)
	rec, started := h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", "")
	checkStatus(t, rec, http.StatusAccepted)
	if started["status"] != domain.JobStatusQueued {
		t.Fatalf("expected queued status, got %v", started["status"])
	}
	if len(h.queue.payloads) != 1 || h.queue.payloads[0].Retry {
		t.Fatalf("expected one first-pass payload, got %+v", h.queue.payloads)
	}

	rec, _ = h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", "")
	checkStatus(t, rec, http.StatusConflict)
}

func TestStartJobChecksObjectStore(t *testing.T) {
	h := newHarness(t, nil)
	jobID := h.createJob(t, `{"source_type": "s3_presigned", "images": [{"id": "a"}]}`)

	rec, _ := h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", "")
	checkStatus(t, rec, http.StatusConflict)

	h.storage.objects[h.job(t, jobID).Images[0].ObjectKey] = true

	rec, _ = h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", "")
	checkStatus(t, rec, http.StatusAccepted)
}

func TestStartReportsDuplicateEnqueue(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.err = fmt.Errorf("enqueue job x: %w", queue.ErrAlreadyQueued)
	jobID := h.createJob(t, `{"source_type": "url", "images": [{"id": "a", "url": "https://example.com/a.png"}]}`)

	rec, _ := h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", "")
	checkStatus(t, rec, http.StatusConflict)
}

func TestStartUnknownJob(t *testing.T) {
	h := newHarness(t, nil)
	rec, _ := h.do(t, http.MethodPost, "/v1/jobs/nope/start", "")
	checkStatus(t, rec, http.StatusNotFound)
}

func TestRetryResubmitsOnlyFailedImages(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	jobID := h.createJob(t, `{
		"source_type": "url",
		"images": [
			{"id": "a", "url": "https://example.com/a.png"},
			{"id": "b", "url": "https://example.com/b.png"},
			{"id": "c", "url": "https://example.com/c.png"}
		]
	}`)

	rec, _ := h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/retry", "")
	checkStatus(t, rec, http.StatusConflict)

	_, err := h.jobs.SaveResults(ctx, jobID, domain.JobStatusPartial, []domain.ImageResult{
		{ImageID: "a", Name: "a.webp", Path: "outputs/" + jobID + "/a.webp", SourceBytes: 100, Bytes: 40},
		{ImageID: "b", Name: "b.png", Error: "decode image: broken"},
	}, "")
	if err != nil {
		t.Fatalf("save results returned error: %v", err)
	}

	rec, _ = h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/retry", "")
	checkStatus(t, rec, http.StatusAccepted)
	if len(h.queue.payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(h.queue.payloads))
	}
	payload := h.queue.payloads[0]
	if !payload.Retry {
		t.Fatal("expected a retry payload")
	}
	ids := []string{}
	for _, img := range payload.Images {
		ids = append(ids, img.ID)
	}
	if want := []string{"b", "c"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("expected retried images %v, got %v", want, ids)
	}
}

func TestGetJobReportsResultsAndDownloads(t *testing.T) {
	h := newHarness(t, nil)
	jobID := h.createJob(t, `{"source_type": "url", "images": [{"id": "a", "url": "https://example.com/a.png"}]}`)

	_, err := h.jobs.SaveResults(context.Background(), jobID, domain.JobStatusSucceeded, []domain.ImageResult{
		{ImageID: "a", Name: "a.webp", Format: "webp", Path: "outputs/" + jobID + "/a.webp", SourceBytes: 1000, Bytes: 300},
	}, "outputs/"+jobID+"/bundle.zip")
	if err != nil {
		t.Fatalf("save results returned error: %v", err)
	}

	rec, got := h.do(t, http.MethodGet, "/v1/jobs/"+jobID, "")
	checkStatus(t, rec, http.StatusOK)
	if got["status"] != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded status, got %v", got["status"])
	}
	checkNumber(t, got, "saved_bytes", 700)
	if url, _ := got["archive_url"].(string); !strings.Contains(url, "/get/outputs/") {
		t.Fatalf("expected presigned archive url, got %q", url)
	}

	results := got["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if url, _ := results[0].(map[string]any)["download_url"].(string); !strings.Contains(url, "a.webp") {
		t.Fatalf("expected download url for a.webp, got %q", url)
	}

	rec, _ = h.do(t, http.MethodGet, "/v1/jobs/missing", "")
	checkStatus(t, rec, http.StatusNotFound)
}

func TestPlanDryRun(t *testing.T) {
	h := newHarness(t, nil)

	rec, body := h.do(t, http.MethodGet, "/v1/plan?width=3000&height=2000", "")
	checkStatus(t, rec, http.StatusOK)
	geom := body["geometry"].(map[string]any)
	checkNumber(t, geom, "canvas_width", 1920)
	checkNumber(t, geom, "canvas_height", 1280)
	checkNumber(t, body["policy"].(map[string]any), "target_height", 1280)

	rec, body = h.do(t, http.MethodGet, "/v1/plan?width=2000&height=3000&target_width=1000", "")
	checkStatus(t, rec, http.StatusOK)
	checkNumber(t, body["policy"].(map[string]any), "target_height", 1500)

	rec, body = h.do(t, http.MethodGet, "/v1/plan?width=3000&height=2000&rotation=90&fill=white", "")
	checkStatus(t, rec, http.StatusOK)
	geom = body["geometry"].(map[string]any)
	checkNumber(t, geom, "canvas_width", 1280)
	checkNumber(t, geom, "canvas_height", 1920)
	fill := body["fill_rect"].(map[string]any)
	checkNumber(t, fill, "width", 1920)
	checkNumber(t, fill, "height", 1280)

	rec, body = h.do(t, http.MethodGet, "/v1/plan?width=800&height=600&aspect=false&target_width=400&target_height=400", "")
	checkStatus(t, rec, http.StatusOK)
	geom = body["geometry"].(map[string]any)
	checkNumber(t, geom, "canvas_width", 400)
	checkNumber(t, geom, "canvas_height", 400)
}

func TestPlanRejectsBadQuery(t *testing.T) {
	h := newHarness(t, nil)
	for _, target := range []string{
		"/v1/plan",
		"/v1/plan?width=0&height=10",
		"/v1/plan?width=10&height=10&rotation=45",
		"/v1/plan?width=10&height=10&target_height=50",
		"/v1/plan?width=10&height=10&mode=gif-only",
	} {
		rec, _ := h.do(t, http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status 400, got %d", target, rec.Code)
		}
	}
}

func TestPresetRoutes(t *testing.T) {
	h := newHarness(t, nil)

	rec, _ := h.do(t, http.MethodPut, "/v1/presets/banner", `{"policy": {"mode": "both", "target_width": 1500, "target_height": 500, "maintain_aspect_ratio": false}, "quality": 0.7}`)
	checkStatus(t, rec, http.StatusOK)

	rec, body := h.do(t, http.MethodGet, "/v1/presets", "")
	checkStatus(t, rec, http.StatusOK)
	if list := body["presets"].([]any); len(list) != len(presets.Defaults())+1 {
		t.Fatalf("expected %d presets, got %d", len(presets.Defaults())+1, len(list))
	}

	rec, _ = h.do(t, http.MethodDelete, "/v1/presets/web", "")
	checkStatus(t, rec, http.StatusConflict)

	rec, _ = h.do(t, http.MethodPut, "/v1/presets/bad", `{"policy": {"mode": "nope"}}`)
	checkStatus(t, rec, http.StatusBadRequest)

	rec, _ = h.do(t, http.MethodDelete, "/v1/presets/banner", "")
	checkStatus(t, rec, http.StatusNoContent)
	rec, _ = h.do(t, http.MethodDelete, "/v1/presets/banner", "")
	checkStatus(t, rec, http.StatusNotFound)
}

func TestSavePresetQuality(t *testing.T) {
	h := newHarness(t, nil)
	policy := `{"mode": "webp-only", "target_width": 10, "target_height": 10}`

	rec, saved := h.do(t, http.MethodPut, "/v1/presets/draft", `{"policy": `+policy+`, "quality": 0}`)
	checkStatus(t, rec, http.StatusOK)
	checkNumber(t, saved, "quality", 0)

	rec, saved = h.do(t, http.MethodPut, "/v1/presets/plain", `{"policy": `+policy+`}`)
	checkStatus(t, rec, http.StatusOK)
	checkNumber(t, saved, "quality", domain.DefaultQuality)
}

func TestHistoryRoutes(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.history.Append(context.Background(), domain.HistoryEntry{JobID: "j", FileName: "a.webp"}); err != nil {
		t.Fatalf("append returned error: %v", err)
	}

	rec, body := h.do(t, http.MethodGet, "/v1/history", "")
	checkStatus(t, rec, http.StatusOK)
	if entries := body["entries"].([]any); len(entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entries))
	}

	rec, _ = h.do(t, http.MethodDelete, "/v1/history", "")
	checkStatus(t, rec, http.StatusNoContent)

	_, body = h.do(t, http.MethodGet, "/v1/history", "")
	if entries := body["entries"].([]any); len(entries) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(entries))
	}
}

func TestCreateJobChargesRateLimitPerImage(t *testing.T) {
	limiter := &fakeLimiter{remaining: 3}
	h := newHarness(t, limiter)
	req := `{"source_type": "url", "images": [
		{"id": "a", "url": "https://example.com/a.png"},
		{"id": "b", "url": "https://example.com/b.png"}
	]}`

	rec, _ := h.do(t, http.MethodPost, "/v1/jobs", req)
	checkStatus(t, rec, http.StatusAccepted)
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Fatalf("expected 1 token remaining, got %q", got)
	}

	rec, _ = h.do(t, http.MethodPost, "/v1/jobs", req)
	checkStatus(t, rec, http.StatusTooManyRequests)
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
	if want := []int{2, 2}; !reflect.DeepEqual(limiter.costs, want) {
		t.Fatalf("expected costs %v, got %v", want, limiter.costs)
	}

	rec, _ = h.do(t, http.MethodGet, "/v1/history", "")
	checkStatus(t, rec, http.StatusOK)
	if len(limiter.costs) != 2 {
		t.Fatalf("expected reads not to be charged, got costs %v", limiter.costs)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/healthz", "")
	h.do(t, http.MethodGet, "/v1/plan?width=30&height=20", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	checkStatus(t, rec, http.StatusOK)
	for _, name := range []string{"convertly_api_requests_total", "convertly_api_plans_total"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Fatalf("expected metrics output to contain %s", name)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/jobs":           "/v1/jobs",
		"/v1/jobs/abc":       "/v1/jobs/{id}",
		"/v1/jobs/abc/start": "/v1/jobs/{id}/start",
		"/v1/jobs/abc/retry": "/v1/jobs/{id}/retry",
		"/v1/presets/web":    "/v1/presets/{name}",
		"/v1/plan":           "/v1/plan",
		"/favicon.ico":       "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("%s: expected route label %s, got %s", path, want, got)
		}
	}
}
