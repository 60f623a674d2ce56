package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/convertly/internal/domain"
	"github.com/dunamismax/convertly/internal/id"
	"github.com/dunamismax/convertly/internal/pipeline"
	"github.com/dunamismax/convertly/internal/presets"
	"github.com/dunamismax/convertly/internal/queue"
	"github.com/dunamismax/convertly/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger                *log.Logger
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	presets               presetRegistry
	history               historyLog
	defaults              Defaults
	presignTTL            time.Duration
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
	handler               http.Handler
}

type queueEnqueuer interface {
	EnqueueConvert(ctx context.Context, payload queue.ConvertPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type presetRegistry interface {
	Get(ctx context.Context, name string) (domain.Preset, error)
	List(ctx context.Context) ([]domain.Preset, error)
	Save(ctx context.Context, p domain.Preset) (domain.Preset, error)
	Delete(ctx context.Context, name string) error
}

type historyLog interface {
	List(ctx context.Context) ([]domain.HistoryEntry, error)
	Clear(ctx context.Context) error
}

// Defaults apply to jobs that name neither a policy nor a preset.
type Defaults struct {
	Policy  domain.ResizePolicy
	Quality float64
}

type Options struct {
	Storage               objectStorage
	Presets               presetRegistry
	History               historyLog
	Defaults              Defaults
	PresignTTL            time.Duration
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	Tracer                trace.Tracer
}

func NewServer(logger *log.Logger, queueClient queueEnqueuer, jobStore store.JobStore, opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if opts.Defaults == (Defaults{}) {
		opts.Defaults.Quality = domain.DefaultQuality
	}
	if opts.Defaults.Policy.Mode == "" {
		opts.Defaults.Policy = domain.DefaultResizePolicy()
	}
	if opts.Defaults.Quality < 0 || opts.Defaults.Quality > 1 {
		opts.Defaults.Quality = domain.DefaultQuality
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                logger,
		queueClient:           queueClient,
		jobStore:              jobStore,
		storage:               opts.Storage,
		presets:               opts.Presets,
		history:               opts.History,
		defaults:              opts.Defaults,
		presignTTL:            opts.PresignTTL,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		metrics:               newMetrics(),
		tracer:                opts.Tracer,
		mux:                   http.NewServeMux(),
	}
	s.routes()
	s.handler = s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) PresignedGetURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/retry", s.handleRetryJob)
	s.mux.HandleFunc("GET /v1/plan", s.handlePlan)
	s.mux.HandleFunc("GET /v1/presets", s.handleListPresets)
	s.mux.HandleFunc("PUT /v1/presets/{name}", s.handleSavePreset)
	s.mux.HandleFunc("DELETE /v1/presets/{name}", s.handleDeletePreset)
	s.mux.HandleFunc("GET /v1/history", s.handleListHistory)
	s.mux.HandleFunc("DELETE /v1/history", s.handleClearHistory)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.admit(w, r, len(req.Images)) {
		return
	}

	policy, quality, err := s.resolveSettings(r.Context(), req)
	if err != nil {
		if errors.Is(err, presets.ErrPresetNotFound) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Printf("resolve settings failed preset=%s err=%v", req.Preset, err)
		writeError(w, http.StatusInternalServerError, "failed to resolve preset")
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))

	images := make([]domain.ImageSpec, 0, len(req.Images))
	uploads := make([]map[string]string, 0, len(req.Images))
	for _, img := range req.Images {
		img.ID = strings.TrimSpace(img.ID)
		img.Name = strings.TrimSpace(img.Name)
		img.ObjectKey = strings.TrimSpace(img.ObjectKey)
		img.URL = strings.TrimSpace(img.URL)

		upload := map[string]string{"image_id": img.ID, "presigned_url_state": "not_required"}
		if sourceType == domain.SourceTypeS3Presigned {
			img.ObjectKey = pipeline.UploadObjectKey(jobID, img.ID)
			url, err := s.storage.PresignedPutURL(r.Context(), img.ObjectKey, s.presignTTL)
			if err != nil {
				s.logger.Printf("generate presigned url failed job_id=%s image_id=%s err=%v", jobID, img.ID, err)
				writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
				return
			}
			upload["presigned_put_url"] = url
			upload["presigned_url_state"] = "ready"
		}
		upload["object_key"] = img.ObjectKey
		images = append(images, img)
		uploads = append(uploads, upload)
	}

	job := domain.Job{
		ID:         jobID,
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		Policy:     policy,
		Quality:    quality,
		Images:     images,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	s.metrics.imagesSubmitted.WithLabelValues(sourceType).Add(float64(len(images)))
	s.metrics.batchSize.Observe(float64(len(images)))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":    job.ID,
		"status":    job.Status,
		"policy":    job.Policy,
		"quality":   job.Quality,
		"uploads":   uploads,
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

// resolveSettings picks the policy and quality for a new job. An explicit
// policy wins over a preset, and an explicit quality wins over both.
func (s *Server) resolveSettings(ctx context.Context, req domain.CreateJobRequest) (domain.ResizePolicy, float64, error) {
	policy := s.defaults.Policy
	quality := s.defaults.Quality

	if name := strings.TrimSpace(req.Preset); name != "" && req.Policy == nil {
		if s.presets == nil {
			return domain.ResizePolicy{}, 0, fmt.Errorf("%w: %s", presets.ErrPresetNotFound, name)
		}
		p, err := s.presets.Get(ctx, name)
		if err != nil {
			return domain.ResizePolicy{}, 0, err
		}
		policy = p.Policy
		quality = p.Quality
	}
	if req.Policy != nil {
		policy = *req.Policy
	}
	if req.Quality != nil {
		quality = *req.Quality
	}
	return policy, quality, nil
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, only created jobs can be started", job.Status))
		return
	}
	if err := s.verifySourcesExist(r.Context(), job); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.enqueue(w, r, job, job.Images, false)
}

// handleRetryJob resubmits only the images that failed on the last pass.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusPartial && job.Status != domain.JobStatusFailed {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, only partial or failed jobs can be retried", job.Status))
		return
	}

	failed := domain.FailedImages(job.Images, job.Results)
	if len(failed) == 0 {
		writeError(w, http.StatusConflict, "job has no failed images")
		return
	}
	s.enqueue(w, r, job, failed, true)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, job domain.Job, images []domain.ImageSpec, retry bool) {
	payload := queue.ConvertPayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		Policy:      job.Policy,
		Quality:     job.Quality,
		Images:      images,
		Retry:       retry,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueConvert(r.Context(), payload)
	if errors.Is(err, queue.ErrAlreadyQueued) {
		writeError(w, http.StatusConflict, "job is already queued")
		return
	}
	if err != nil {
		s.logger.Printf("enqueue failed job_id=%s retry=%t err=%v", job.ID, retry, err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed job_id=%s err=%v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"images":      len(images),
		"retry":       retry,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) verifySourcesExist(ctx context.Context, job domain.Job) error {
	for _, img := range job.Images {
		switch job.SourceType {
		case domain.SourceTypeURL:
			// fetched by the worker
		case domain.SourceTypeLocalFile:
			if _, err := os.Stat(img.ObjectKey); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("source object is missing: %s", img.ObjectKey)
				}
				return fmt.Errorf("source object check failed: %w", err)
			}
		default:
			exists, err := s.storage.ObjectExists(ctx, img.ObjectKey)
			if err != nil {
				return fmt.Errorf("source object check failed: %w", err)
			}
			if !exists {
				return fmt.Errorf("source object is missing: %s", img.ObjectKey)
			}
		}
	}
	return nil
}

type imageView struct {
	domain.ImageResult
	DownloadURL string `json:"download_url,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	var sourceBytes, outputBytes int
	results := make([]imageView, 0, len(job.Results))
	for _, res := range job.Results {
		view := imageView{ImageResult: res}
		if res.Succeeded() {
			sourceBytes += res.SourceBytes
			outputBytes += res.Bytes
			view.DownloadURL = s.downloadURL(r.Context(), job, res.Path)
		}
		results = append(results, view)
	}

	body := map[string]any{
		"job_id":       job.ID,
		"status":       job.Status,
		"source_type":  job.SourceType,
		"policy":       job.Policy,
		"quality":      job.Quality,
		"images":       len(job.Images),
		"results":      results,
		"source_bytes": sourceBytes,
		"output_bytes": outputBytes,
		"saved_bytes":  max(0, sourceBytes-outputBytes),
		"created_at":   job.CreatedAt,
		"updated_at":   job.UpdatedAt,
	}
	if job.ArchiveKey != "" {
		body["archive_url"] = s.downloadURL(r.Context(), job, job.ArchiveKey)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) downloadURL(ctx context.Context, job domain.Job, key string) string {
	if key == "" {
		return ""
	}
	if job.SourceType == domain.SourceTypeLocalFile {
		return key
	}
	url, err := s.storage.PresignedGetURL(ctx, key, s.presignTTL)
	if err != nil {
		s.logger.Printf("presign download failed job_id=%s key=%s err=%v", job.ID, key, err)
		return ""
	}
	return url
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
