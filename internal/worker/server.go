package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/convertly/internal/config"
	"github.com/dunamismax/convertly/internal/domain"
	"github.com/dunamismax/convertly/internal/history"
	"github.com/dunamismax/convertly/internal/pipeline"
	"github.com/dunamismax/convertly/internal/queue"
	"github.com/dunamismax/convertly/internal/store"
	"github.com/dunamismax/convertly/internal/telemetry"
	"github.com/dunamismax/convertly/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errNoObjectStorage = errors.New("object storage is not configured")

type Server struct {
	logger          *log.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  processor
	objectProcessor processor
	webhookClient   webhookSender
	jobStore        store.JobStore
	history         historyAppender
	metrics         *metrics
	tracer          trace.Tracer
}

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	Close()
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type historyAppender interface {
	Append(ctx context.Context, entries ...domain.HistoryEntry) error
}

// Deps are the collaborators a worker needs beyond its queue settings.
// Storage may be nil, in which case only local_file jobs can run.
type Deps struct {
	Storage  pipeline.ObjectStorage
	Webhook  *webhook.Client
	JobStore store.JobStore
	History  *history.History
	Convert  config.ConvertConfig
	Import   config.ImportConfig
}

func NewServer(logger *log.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	if deps.JobStore == nil {
		return nil, fmt.Errorf("job store is required")
	}

	opts := pipeline.Options{
		Concurrency: max(1, workerCfg.ImageConcurrency),
		Bundle:      deps.Convert.Bundle,
	}
	transformer := pipeline.NewTransformer(deps.Convert.Interpolation)

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem: make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor: pipeline.NewProcessor(
			pipeline.LocalFileFetcher{},
			transformer,
			pipeline.LocalFileEmitter{OutputDir: workerCfg.LocalOutputDir},
			opts,
		),
		jobStore: deps.JobStore,
		metrics:  newMetrics(),
		tracer:   otel.Tracer("convertly/worker"),
	}

	if deps.Storage != nil {
		s.objectProcessor = pipeline.NewProcessor(
			pipeline.MultiFetcher{
				pipeline.SourceTypeS3Presigned: pipeline.ObjectStoreFetcher{Storage: deps.Storage},
				pipeline.SourceTypeURL:         pipeline.NewURLFetcher(deps.Import.Timeout, deps.Import.MaxBytes),
			},
			transformer,
			pipeline.ObjectStoreEmitter{Storage: deps.Storage, OutputPrefix: "outputs"},
			opts,
		)
	}
	// Assigned separately so a nil pointer never becomes a non-nil interface.
	if deps.Webhook != nil {
		s.webhookClient = deps.Webhook
	}
	if deps.History != nil {
		s.history = deps.History
	}
	return s, nil
}

func (s *Server) Run() error {
	defer s.close()
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeConvertImages, s.handleConvert)
	return s.server.Run(mux)
}

func (s *Server) close() {
	if s.localProcessor != nil {
		s.localProcessor.Close()
	}
	if s.objectProcessor != nil {
		s.objectProcessor.Close()
	}
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleConvert(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseConvertPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.convert_images",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(telemetry.JobAttributes(payload.JobID, payload.SourceType, len(payload.Images), payload.Retry)...),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"Working... job_id=%s source_type=%s images=%d retry=%t mode=%s",
		payload.JobID,
		payload.SourceType,
		len(payload.Images),
		payload.Retry,
		payload.Policy.Mode,
	)

	proc := s.processorFor(payload.SourceType)
	if proc == nil {
		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
		span.SetStatus(codes.Error, "no processor")
		return fmt.Errorf("source_type=%s: %v: %w", payload.SourceType, errNoObjectStorage, asynq.SkipRetry)
	}

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	request := pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		Images:     payload.Images,
		Policy:     payload.Policy,
		Quality:    payload.Quality,
	}
	if payload.Retry {
		request.Previous = s.previousResults(ctx, payload.JobID)
	}

	result, err := proc.Process(ctx, request)
	if err != nil && !errors.Is(err, pipeline.ErrAllImagesFailed) {
		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailed,
			"source_type":  payload.SourceType,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
		return fmt.Errorf("run pipeline: %w", err)
	}

	job, err := s.jobStore.SaveResults(ctx, payload.JobID, domain.FinalStatus(result.Images), result.Images, result.ArchivePath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save results failed")
		return fmt.Errorf("save results: %w", err)
	}
	// A retry pass only sees its own images; the job status covers all of them.
	if final := domain.FinalStatus(job.Results); final != job.Status {
		updated, err := s.jobStore.UpdateStatus(ctx, payload.JobID, final)
		if err != nil {
			s.logger.Printf("job status update failed job_id=%s status=%s err=%v", payload.JobID, final, err)
		} else {
			job = updated
		}
	}
	outcome = job.Status

	s.recordImages(result)
	s.appendHistory(ctx, job, result.Images)
	s.logger.Printf(
		"Processed job_id=%s status=%s images=%d source_bytes=%d output_bytes=%d archive=%s",
		job.ID,
		job.Status,
		len(result.Images),
		result.SourceBytes,
		result.OutputBytes,
		result.ArchivePath,
	)

	s.dispatchWebhook(ctx, payload, webhook.EventForStatus(job.Status), map[string]any{
		"job_id":       job.ID,
		"status":       job.Status,
		"source_type":  payload.SourceType,
		"retry":        payload.Retry,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"images":       result.Images,
		"archive_key":  job.ArchiveKey,
	})

	if job.Status == domain.JobStatusFailed {
		span.SetStatus(codes.Error, "every image failed")
	} else {
		span.SetStatus(codes.Ok, "processed")
	}
	return nil
}

func (s *Server) processorFor(sourceType string) processor {
	if sourceType == domain.SourceTypeLocalFile {
		return s.localProcessor
	}
	return s.objectProcessor
}

func (s *Server) previousResults(ctx context.Context, jobID string) []domain.ImageResult {
	job, ok, err := s.jobStore.Get(ctx, jobID)
	if err != nil {
		s.logger.Printf("previous results lookup failed job_id=%s err=%v", jobID, err)
		return nil
	}
	if !ok {
		return nil
	}
	return job.Results
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) recordImages(result pipeline.Result) {
	for _, img := range result.Images {
		status := "converted"
		if !img.Succeeded() {
			status = "failed"
		}
		s.metrics.imagesTotal.WithLabelValues(status).Inc()
	}
	s.metrics.sourceBytesTotal.Add(float64(result.SourceBytes))
	s.metrics.outputBytesTotal.Add(float64(result.OutputBytes))
}

func (s *Server) appendHistory(ctx context.Context, job domain.Job, results []domain.ImageResult) {
	if s.history == nil {
		return
	}
	entries := history.EntriesFor(job, results)
	if err := s.history.Append(ctx, entries...); err != nil {
		s.logger.Printf("history append failed job_id=%s err=%v", job.ID, err)
	}
}

// dispatchWebhook logs delivery failures. The webhook client already retries,
// and failing the task would reconvert every image.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ConvertPayload, event string, body map[string]any) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailures.WithLabelValues(event).Inc()
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
	}
}
