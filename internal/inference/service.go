// Package inference owns the generation queue: a bounded FIFO of jobs
// drained by a single worker goroutine, because the diffusion backend can
// only serve one run at a time.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signforge/internal/adapters"
	"signforge/internal/domain"
	"signforge/internal/metrics"
	"signforge/internal/pipeline"
	"signforge/internal/storage"
)

// Archiver receives terminal jobs for long-term persistence. Archive
// failures never affect job outcomes.
type Archiver interface {
	Record(ctx context.Context, session string, job domain.Job) error
}

// Options tunes the service. Zero values get sensible defaults.
type Options struct {
	QueueMax        int
	JobTimeout      time.Duration
	CleanupAge      time.Duration
	CleanupInterval time.Duration
	DefaultWidth    int
	DefaultHeight   int
	DefaultSteps    int
	DefaultGuidance float64
}

func (o *Options) fill() {
	if o.QueueMax <= 0 {
		o.QueueMax = 10
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 5 * time.Minute
	}
	if o.CleanupAge <= 0 {
		o.CleanupAge = time.Hour
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 5 * time.Minute
	}
	if o.DefaultWidth <= 0 {
		o.DefaultWidth = 1024
	}
	if o.DefaultHeight <= 0 {
		o.DefaultHeight = 768
	}
	if o.DefaultSteps <= 0 {
		o.DefaultSteps = 30
	}
	if o.DefaultGuidance <= 0 {
		o.DefaultGuidance = 7.5
	}
}

// Service accepts generation requests, tracks their lifecycle in the store
// and runs them one at a time against the backend.
type Service struct {
	logger   zerolog.Logger
	registry *adapters.Registry
	backend  pipeline.Backend
	store    *Store
	files    *storage.FileStore
	archive  Archiver
	opts     Options

	session   string
	startedAt time.Time
	requests  *journal
	metadata  *journal

	queue chan string
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func NewService(logger zerolog.Logger, registry *adapters.Registry, backend pipeline.Backend, files *storage.FileStore, archive Archiver, opts Options) *Service {
	opts.fill()
	session := time.Now().Format("20060102_150405") + "_" + uuid.NewString()[:8]
	runDir := filepath.Join(files.BasePath(), "runs", session)
	return &Service{
		logger:    logger,
		registry:  registry,
		backend:   backend,
		store:     NewStore(),
		files:     files,
		archive:   archive,
		opts:      opts,
		session:   session,
		startedAt: time.Now(),
		requests:  &journal{path: filepath.Join(runDir, "requests.jsonl")},
		metadata:  &journal{path: filepath.Join(runDir, "metadata.jsonl")},
		queue:     make(chan string, opts.QueueMax),
		quit:      make(chan struct{}),
	}
}

// Session returns the run session identifier, the directory name under
// runs/ where this process writes its outputs.
func (s *Service) Session() string { return s.session }

// Uptime reports time since service construction.
func (s *Service) Uptime() time.Duration { return time.Since(s.startedAt) }

// Backend exposes the pipeline for health telemetry.
func (s *Service) Backend() pipeline.Backend { return s.backend }

// Start loads the model in the background and launches the worker and the
// cleanup janitor. Submissions accepted before the model finishes loading
// simply wait in the queue.
func (s *Service) Start(ctx context.Context) {
	s.once.Do(func() {
		go func() {
			if err := s.backend.Load(ctx); err != nil {
				s.logger.Error().Err(err).Msg("inference: backend load failed")
			}
		}()

		s.wg.Add(2)
		go s.runWorker()
		go s.runJanitor()
		s.logger.Info().
			Str("session", s.session).
			Int("queue_max", s.opts.QueueMax).
			Dur("job_timeout", s.opts.JobTimeout).
			Msg("inference: service started")
	})
}

// Stop halts the worker after the in-flight job (if any) finishes. Queued
// jobs remain queued in the store.
func (s *Service) Stop() {
	close(s.quit)
	s.wg.Wait()
}

// Submit validates the request, resolves its adapters against the registry
// and enqueues a new job. It returns a snapshot of the queued job, or a
// coded error when validation fails or the queue is at capacity.
func (s *Service) Submit(ctx context.Context, req domain.GenerationRequest) (domain.Job, error) {
	s.applyDefaults(&req)
	if err := req.Validate(); err != nil {
		return domain.Job{}, err
	}
	// Resolve adapters up front so unknown names are rejected before the
	// job ever occupies a queue slot.
	if _, err := s.registry.Compose(req.Adapters, req.NormalizeWeights); err != nil {
		return domain.Job{}, err
	}

	job := domain.Job{
		ID:         uuid.NewString(),
		Status:     domain.JobStatusQueued,
		TotalSteps: req.Steps,
		CreatedAt:  time.Now(),
	}
	if err := s.store.Create(job, req, s.opts.QueueMax); err != nil {
		return domain.Job{}, err
	}
	// The channel has the same capacity as the admission bound, and every
	// slot the channel holds (queued or cancelled-but-undrained) counts
	// toward that bound, so this send cannot block once Create succeeded.
	s.queue <- job.ID

	counts := s.store.Counts()
	metrics.UpdateQueue(counts.Queued, s.opts.QueueMax)
	metrics.TrackGeneration(req.Steps, req.Width, req.Height, adapterNames(req.Adapters))

	if err := s.requests.append(requestEntry{
		JobID:     job.ID,
		Timestamp: job.CreatedAt.UTC().Format(time.RFC3339),
		Prompt:    req.Prompt,
		Width:     req.Width,
		Height:    req.Height,
		Steps:     req.Steps,
		Seed:      req.Seed,
		Adapters:  req.Adapters,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("inference: request journal write failed")
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Int("queued", counts.Queued).
		Msg("inference: job accepted")
	return job, nil
}

// Status returns a snapshot of the job.
func (s *Service) Status(id string) (domain.Job, error) {
	job, ok := s.store.Get(id)
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return job, nil
}

// Result returns the job once it has completed. Every other state yields
// ErrResultNotReady, failed and cancelled included; clients read failure
// details from the status endpoint.
func (s *Service) Result(id string) (domain.Job, error) {
	job, ok := s.store.Get(id)
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if job.Status != domain.JobStatusCompleted {
		return job, domain.ErrResultNotReady
	}
	return job, nil
}

// Cancel cancels a queued job. Running and terminal jobs are not
// cancellable; the worker skips cancelled IDs when it dequeues them.
func (s *Service) Cancel(id string) (domain.Job, error) {
	if err := s.store.CancelQueued(id); err != nil {
		return domain.Job{}, err
	}
	job, _ := s.store.Get(id)
	counts := s.store.Counts()
	metrics.UpdateQueue(counts.Queued, s.opts.QueueMax)
	metrics.TrackJob(string(domain.JobStatusCancelled), 0)
	s.logger.Info().Str("job_id", id).Msg("inference: job cancelled")
	return job, nil
}

// QueueStatus summarizes queue occupancy for /queue and /health.
type QueueStatus struct {
	Queued      int    `json:"queued"`
	Running     int    `json:"running"`
	Processed   int    `json:"processed"`
	MaxSize     int    `json:"max_size"`
	CurrentItem string `json:"current_item,omitempty"`
	Session     string `json:"session"`
}

func (s *Service) QueueStatus() QueueStatus {
	counts := s.store.Counts()
	return QueueStatus{
		Queued:      counts.Queued,
		Running:     counts.Running,
		Processed:   counts.Processed,
		MaxSize:     s.opts.QueueMax,
		CurrentItem: counts.CurrentID,
		Session:     s.session,
	}
}

func (s *Service) applyDefaults(req *domain.GenerationRequest) {
	if req.Width == 0 {
		req.Width = s.opts.DefaultWidth
	}
	if req.Height == 0 {
		req.Height = s.opts.DefaultHeight
	}
	if req.Steps == 0 {
		req.Steps = s.opts.DefaultSteps
	}
	if req.GuidanceScale == 0 {
		req.GuidanceScale = s.opts.DefaultGuidance
	}
	if req.Seed == 0 {
		req.Seed = -1
	}
}

func (s *Service) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case id := <-s.queue:
			s.process(id)
		}
	}
}

// process runs one job start to finish. A panic anywhere in the run fails
// the job and lets the worker keep draining the queue.
func (s *Service) process(id string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("job_id", id).Interface("panic", r).Msg("inference: worker panic recovered")
			s.failJob(id, domain.NewPipelineError(fmt.Sprintf("internal error: %v", r)))
		}
	}()

	if s.store.ReleaseCancelled(id) {
		// Cancelled while queued; the dequeue freed its capacity slot.
		return
	}
	req, ok := s.store.Request(id)
	if !ok {
		return
	}
	if !s.store.MarkRunning(id, req.Steps) {
		return
	}
	started := time.Now()
	s.logger.Info().Str("job_id", id).Int("steps", req.Steps).Msg("inference: job started")

	comp, err := s.registry.Compose(req.Adapters, req.NormalizeWeights)
	if err != nil {
		s.failJob(id, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
	defer cancel()

	result, err := s.backend.Generate(ctx, pipeline.Request{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		GuidanceScale:  req.GuidanceScale,
		Seed:           req.Seed,
		AdapterNames:   comp.Names,
		AdapterWeights: comp.Weights,
		Logo:           req.Logo,
		Background:     req.Background,
	}, func(step, total int) {
		s.store.SetProgress(id, step, total)
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			s.failJob(id, domain.NewTimeoutError(s.opts.JobTimeout))
		} else {
			s.failJob(id, domain.NewPipelineError(truncate(err.Error(), 300)))
		}
		return
	}

	key := path.Join("runs", s.session, "images", id+".png")
	// Persistence uses a fresh context: the job budget may already be
	// nearly spent and the image is worth keeping regardless.
	storedKey, err := s.files.Write(context.Background(), key, result.Image)
	if err != nil {
		s.failJob(id, domain.NewPipelineError("failed to persist generated image"))
		s.logger.Error().Err(err).Str("job_id", id).Msg("inference: image persistence failed")
		return
	}

	res := &domain.Result{
		ImagePath:        storedKey,
		ImageURL:         "/" + storedKey,
		Seed:             result.Seed,
		Width:            result.Width,
		Height:           result.Height,
		Steps:            result.Steps,
		Adapters:         comp.Refs(),
		GenerationTimeMS: result.Duration.Milliseconds(),
	}
	s.store.Complete(id, res)
	metrics.TrackJob(string(domain.JobStatusCompleted), time.Since(started).Seconds())
	counts := s.store.Counts()
	metrics.UpdateQueue(counts.Queued, s.opts.QueueMax)

	if err := s.metadata.append(metadataEntry{
		JobID:            id,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		ImagePath:        res.ImagePath,
		Seed:             res.Seed,
		Width:            res.Width,
		Height:           res.Height,
		Steps:            res.Steps,
		Adapters:         res.Adapters,
		GenerationTimeMS: res.GenerationTimeMS,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("inference: metadata journal write failed")
	}
	s.archiveJob(id)

	s.logger.Info().
		Str("job_id", id).
		Int64("seed", res.Seed).
		Dur("duration", result.Duration).
		Msg("inference: job completed")
}

func (s *Service) failJob(id string, err error) {
	s.store.Fail(id, err.Error())
	status := string(domain.JobStatusFailed)
	metrics.TrackJob(status, 0)
	counts := s.store.Counts()
	metrics.UpdateQueue(counts.Queued, s.opts.QueueMax)
	s.archiveJob(id)
	s.logger.Error().Str("job_id", id).Err(err).Msg("inference: job failed")
}

func (s *Service) archiveJob(id string) {
	if s.archive == nil {
		return
	}
	job, ok := s.store.Get(id)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.archive.Record(ctx, s.session, job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("inference: archive write failed")
	}
}

func (s *Service) runJanitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if removed := s.store.CleanupOld(s.opts.CleanupAge); removed > 0 {
				s.logger.Debug().Int("removed", removed).Msg("inference: evicted old jobs")
			}
		}
	}
}

func adapterNames(refs []domain.AdapterRef) []string {
	names := make([]string, len(refs))
	for i, ref := range refs {
		names[i] = ref.Name
	}
	return names
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

type requestEntry struct {
	JobID     string              `json:"job_id"`
	Timestamp string              `json:"timestamp"`
	Prompt    string              `json:"prompt"`
	Width     int                 `json:"width"`
	Height    int                 `json:"height"`
	Steps     int                 `json:"steps"`
	Seed      int64               `json:"seed"`
	Adapters  []domain.AdapterRef `json:"adapters,omitempty"`
}

type metadataEntry struct {
	JobID            string              `json:"job_id"`
	Timestamp        string              `json:"timestamp"`
	ImagePath        string              `json:"image_path"`
	Seed             int64               `json:"seed"`
	Width            int                 `json:"width"`
	Height           int                 `json:"height"`
	Steps            int                 `json:"steps"`
	Adapters         []domain.AdapterRef `json:"adapters,omitempty"`
	GenerationTimeMS int64               `json:"generation_time_ms"`
}

// journal is an append-only jsonl file, one record per line.
type journal struct {
	mu   sync.Mutex
	path string
}

func (j *journal) append(v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(v)
}
