package inference

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signforge/internal/adapters"
	"signforge/internal/domain"
	"signforge/internal/pipeline"
	"signforge/internal/storage"
)

// fakeBackend is a scriptable pipeline backend. When gate is non-nil every
// Generate call waits for one token before finishing, which lets tests pin
// jobs in the running state.
type fakeBackend struct {
	mu      sync.Mutex
	prompts []string
	failOn  map[string]error
	gate    chan struct{}
}

func (f *fakeBackend) Load(ctx context.Context) error { return nil }
func (f *fakeBackend) Loaded() bool                   { return true }
func (f *fakeBackend) Telemetry() pipeline.Telemetry  { return pipeline.Telemetry{Device: "fake"} }

func (f *fakeBackend) Generate(ctx context.Context, req pipeline.Request, onStep pipeline.StepFunc) (*pipeline.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	fail := f.failOn[req.Prompt]
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}

	if onStep != nil {
		for step := 1; step <= req.Steps; step++ {
			onStep(step, req.Steps)
		}
	}
	seed := req.Seed
	if seed < 0 {
		seed = 1234
	}
	return &pipeline.Result{
		Image:    []byte("png:" + req.Prompt),
		Seed:     seed,
		Width:    req.Width,
		Height:   req.Height,
		Steps:    req.Steps,
		Duration: time.Millisecond,
	}, nil
}

func (f *fakeBackend) generated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func testRegistry(t *testing.T) *adapters.Registry {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"sign_type/neon", "environment/night"} {
		full := filepath.Join(dir, filepath.FromSlash(name)+".safetensors")
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte("stub"), 0o644); err != nil {
			t.Fatalf("write adapter: %v", err)
		}
	}
	reg := adapters.NewRegistry(dir, zerolog.New(io.Discard))
	if _, err := reg.Scan(); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	return reg
}

func newTestService(t *testing.T, backend pipeline.Backend, opts Options) *Service {
	t.Helper()
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	svc := NewService(zerolog.New(io.Discard), testRegistry(t), backend, files, nil, opts)
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)
	return svc
}

func waitForStatus(t *testing.T, svc *Service, id string, want domain.JobStatus) domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.Status(id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	job, _ := svc.Status(id)
	t.Fatalf("job %s stuck in %s, want %s", id, job.Status, want)
	return domain.Job{}
}

func simpleRequest(prompt string) domain.GenerationRequest {
	return domain.GenerationRequest{
		Prompt: prompt,
		Width:  512,
		Height: 384,
		Steps:  5,
	}
}

func TestSubmitAssignsUniqueIDs(t *testing.T) {
	svc := newTestService(t, &fakeBackend{}, Options{})

	first, err := svc.Submit(context.Background(), simpleRequest("first"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	second, err := svc.Submit(context.Background(), simpleRequest("second"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("ids not unique: %q vs %q", first.ID, second.ID)
	}
	if first.Status != domain.JobStatusQueued {
		t.Fatalf("Status at submission = %s, want queued", first.Status)
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	backend := &fakeBackend{}
	svc := newTestService(t, backend, Options{})

	req := simpleRequest("neon OPEN sign for a coffee shop")
	req.Adapters = []domain.AdapterRef{{Name: "sign_type/neon", Weight: 1.0}}
	job, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	done := waitForStatus(t, svc, job.ID, domain.JobStatusCompleted)
	if done.Result == nil {
		t.Fatal("completed job has no result")
	}
	if done.Progress != done.TotalSteps {
		t.Fatalf("Progress = %d, want %d", done.Progress, done.TotalSteps)
	}
	if !strings.HasPrefix(done.Result.ImageURL, "/runs/") {
		t.Fatalf("ImageURL = %q, want /runs/ prefix", done.Result.ImageURL)
	}
	if len(done.Result.Adapters) != 1 || done.Result.Adapters[0].Weight != 1.0 {
		t.Fatalf("Adapters = %+v, want sign_type/neon at 1.0", done.Result.Adapters)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatal("timestamps missing on completed job")
	}
}

func TestCompletedImageOnDisk(t *testing.T) {
	backend := &fakeBackend{}
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	svc := NewService(zerolog.New(io.Discard), testRegistry(t), backend, files, nil, Options{})
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)

	job, err := svc.Submit(context.Background(), simpleRequest("gold leaf lettering"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	done := waitForStatus(t, svc, job.ID, domain.JobStatusCompleted)

	data, err := files.Read(context.Background(), done.Result.ImagePath)
	if err != nil {
		t.Fatalf("Read image returned error: %v", err)
	}
	if string(data) != "png:gold leaf lettering" {
		t.Fatalf("persisted image = %q", data)
	}
}

func TestSecondJobQueuedWhileFirstRuns(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{gate: gate}
	svc := newTestService(t, backend, Options{QueueMax: 5})

	first, err := svc.Submit(context.Background(), simpleRequest("first"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	waitForStatus(t, svc, first.ID, domain.JobStatusRunning)

	second, err := svc.Submit(context.Background(), simpleRequest("second"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if job, _ := svc.Status(second.ID); job.Status != domain.JobStatusQueued {
		t.Fatalf("second job status = %s while first runs, want queued", job.Status)
	}
	qs := svc.QueueStatus()
	if qs.Running != 1 || qs.Queued != 1 {
		t.Fatalf("QueueStatus = %+v, want 1 running 1 queued", qs)
	}

	gate <- struct{}{}
	gate <- struct{}{}
	waitForStatus(t, svc, first.ID, domain.JobStatusCompleted)
	waitForStatus(t, svc, second.ID, domain.JobStatusCompleted)

	if order := backend.generated(); len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("generation order = %v, want submission order", order)
	}
}

func TestQueueFullBackpressure(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{gate: gate}
	svc := newTestService(t, backend, Options{QueueMax: 2})

	a, err := svc.Submit(context.Background(), simpleRequest("a"))
	if err != nil {
		t.Fatalf("Submit a returned error: %v", err)
	}
	waitForStatus(t, svc, a.ID, domain.JobStatusRunning)
	b, err := svc.Submit(context.Background(), simpleRequest("b"))
	if err != nil {
		t.Fatalf("Submit b returned error: %v", err)
	}

	_, err = svc.Submit(context.Background(), simpleRequest("c"))
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("Submit c error = %v, want queue full", err)
	}
	if qs := svc.QueueStatus(); qs.Queued+qs.Running != 2 {
		t.Fatalf("occupancy changed by rejected submission: %+v", qs)
	}

	gate <- struct{}{}
	gate <- struct{}{}
	waitForStatus(t, svc, b.ID, domain.JobStatusCompleted)

	if _, err := svc.Submit(context.Background(), simpleRequest("d")); err != nil {
		t.Fatalf("Submit after drain returned error: %v", err)
	}
	gate <- struct{}{}
}

func TestUnknownAdapterRejectedBeforeQueue(t *testing.T) {
	svc := newTestService(t, &fakeBackend{}, Options{})

	req := simpleRequest("storefront")
	req.Adapters = []domain.AdapterRef{{Name: "sign_type/nope"}}
	_, err := svc.Submit(context.Background(), req)
	if !errors.Is(err, domain.ErrUnknownAdapter) {
		t.Fatalf("Submit error = %v, want unknown adapter", err)
	}
	if qs := svc.QueueStatus(); qs.Queued != 0 || qs.Running != 0 {
		t.Fatalf("rejected submission occupied the queue: %+v", qs)
	}
}

func TestValidationRejectedBeforeQueue(t *testing.T) {
	svc := newTestService(t, &fakeBackend{}, Options{})

	req := simpleRequest("storefront")
	req.Steps = 500
	_, err := svc.Submit(context.Background(), req)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Submit error = %v, want validation error", err)
	}
}

func TestWorkerSurvivesFailure(t *testing.T) {
	backend := &fakeBackend{failOn: map[string]error{
		"doomed": errors.New("CUDA out of memory"),
	}}
	svc := newTestService(t, backend, Options{})

	bad, err := svc.Submit(context.Background(), simpleRequest("doomed"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	good, err := svc.Submit(context.Background(), simpleRequest("fine"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	failed := waitForStatus(t, svc, bad.ID, domain.JobStatusFailed)
	if !strings.Contains(failed.Error, "CUDA out of memory") {
		t.Fatalf("Error = %q, want backend message", failed.Error)
	}
	if failed.Result != nil {
		t.Fatal("failed job carries a result")
	}
	if _, err := svc.Result(bad.ID); !errors.Is(err, domain.ErrResultNotReady) {
		t.Fatalf("Result of failed job = %v, want not ready", err)
	}
	waitForStatus(t, svc, good.ID, domain.JobStatusCompleted)
}

func TestJobTimeout(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{gate: gate}
	svc := newTestService(t, backend, Options{JobTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { close(gate) })

	job, err := svc.Submit(context.Background(), simpleRequest("slow"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	failed := waitForStatus(t, svc, job.ID, domain.JobStatusFailed)
	if !strings.Contains(failed.Error, "timed out") {
		t.Fatalf("Error = %q, want timeout message", failed.Error)
	}
}

func TestCancelQueuedJobIsSkipped(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{gate: gate}
	svc := newTestService(t, backend, Options{QueueMax: 5})

	running, err := svc.Submit(context.Background(), simpleRequest("running"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	waitForStatus(t, svc, running.ID, domain.JobStatusRunning)

	queued, err := svc.Submit(context.Background(), simpleRequest("queued"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	cancelled, err := svc.Cancel(queued.ID)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if cancelled.Status != domain.JobStatusCancelled {
		t.Fatalf("Status = %s, want cancelled", cancelled.Status)
	}

	if _, err := svc.Cancel(running.ID); !errors.Is(err, domain.ErrNotCancellable) {
		t.Fatalf("Cancel running job = %v, want not cancellable", err)
	}

	gate <- struct{}{}
	waitForStatus(t, svc, running.ID, domain.JobStatusCompleted)

	// Give the worker a beat to dequeue and skip the cancelled ID.
	time.Sleep(20 * time.Millisecond)
	for _, prompt := range backend.generated() {
		if prompt == "queued" {
			t.Fatal("cancelled job was generated")
		}
	}
}

func TestSubmitNonBlockingAfterCancel(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{gate: gate}
	svc := newTestService(t, backend, Options{QueueMax: 3})

	first, err := svc.Submit(context.Background(), simpleRequest("first"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	waitForStatus(t, svc, first.ID, domain.JobStatusRunning)

	second, err := svc.Submit(context.Background(), simpleRequest("second"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	third, err := svc.Submit(context.Background(), simpleRequest("third"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if _, err := svc.Cancel(second.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if _, err := svc.Cancel(third.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	// The cancelled jobs still hold their queue slots until the worker
	// drains them, so the next submission is rejected promptly rather
	// than blocking behind the in-flight generation.
	start := time.Now()
	_, err = svc.Submit(context.Background(), simpleRequest("fourth"))
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Submit took %s, want an immediate return", elapsed)
	}
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("Submit over undrained slots = %v, want queue full", err)
	}

	gate <- struct{}{}
	waitForStatus(t, svc, first.ID, domain.JobStatusCompleted)

	// Draining the cancelled ids frees their slots.
	deadline := time.Now().Add(5 * time.Second)
	var fifth domain.Job
	for {
		fifth, err = svc.Submit(context.Background(), simpleRequest("fifth"))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Submit after drain still failing: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	gate <- struct{}{}
	waitForStatus(t, svc, fifth.ID, domain.JobStatusCompleted)

	for _, prompt := range backend.generated() {
		if prompt == "second" || prompt == "third" {
			t.Fatalf("cancelled job %q was generated", prompt)
		}
	}
}

func TestResultGating(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{gate: gate}
	svc := newTestService(t, backend, Options{})

	if _, err := svc.Result("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Result missing = %v, want not found", err)
	}

	job, err := svc.Submit(context.Background(), simpleRequest("pending"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if _, err := svc.Result(job.ID); !errors.Is(err, domain.ErrResultNotReady) {
		t.Fatalf("Result before completion = %v, want not ready", err)
	}

	gate <- struct{}{}
	waitForStatus(t, svc, job.ID, domain.JobStatusCompleted)
	done, err := svc.Result(job.ID)
	if err != nil {
		t.Fatalf("Result after completion returned error: %v", err)
	}
	if done.Result == nil {
		t.Fatal("Result returned completed job without result")
	}
}

func TestStatusPollingIsIdempotent(t *testing.T) {
	svc := newTestService(t, &fakeBackend{}, Options{})

	job, err := svc.Submit(context.Background(), simpleRequest("poll me"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	done := waitForStatus(t, svc, job.ID, domain.JobStatusCompleted)

	for i := 0; i < 3; i++ {
		again, err := svc.Status(job.ID)
		if err != nil {
			t.Fatalf("Status returned error: %v", err)
		}
		if again.Status != done.Status || again.Result.ImagePath != done.Result.ImagePath {
			t.Fatal("repeated polls observed different terminal snapshots")
		}
	}
}
