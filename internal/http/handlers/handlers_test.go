package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signforge/internal/adapters"
	"signforge/internal/assistant"
	"signforge/internal/http/handlers"
	"signforge/internal/http/httpapi"
	"signforge/internal/inference"
	"signforge/internal/pipeline"
	"signforge/internal/storage"
)

type scriptedBackend struct {
	gate   chan struct{}
	failOn map[string]error
}

func (b *scriptedBackend) Load(ctx context.Context) error { return nil }
func (b *scriptedBackend) Loaded() bool                   { return true }
func (b *scriptedBackend) Telemetry() pipeline.Telemetry {
	return pipeline.Telemetry{Device: "cpu"}
}

func (b *scriptedBackend) Generate(ctx context.Context, req pipeline.Request, onStep pipeline.StepFunc) (*pipeline.Result, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := b.failOn[req.Prompt]; err != nil {
		return nil, err
	}
	if onStep != nil {
		onStep(req.Steps, req.Steps)
	}
	seed := req.Seed
	if seed < 0 {
		seed = 99
	}
	return &pipeline.Result{
		Image:    []byte("fake png bytes"),
		Seed:     seed,
		Width:    req.Width,
		Height:   req.Height,
		Steps:    req.Steps,
		Duration: time.Millisecond,
	}, nil
}

type testEnv struct {
	server  *httptest.Server
	backend *scriptedBackend
}

func newEnv(t *testing.T, backend *scriptedBackend, queueMax int) *testEnv {
	t.Helper()

	lorasDir := t.TempDir()
	for _, name := range []string{"sign_type/neon", "environment/night"} {
		full := filepath.Join(lorasDir, filepath.FromSlash(name)+".safetensors")
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte("stub"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	logger := zerolog.New(io.Discard)
	registry := adapters.NewRegistry(lorasDir, logger)
	if _, err := registry.Scan(); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}

	svc := inference.NewService(logger, registry, backend, files, nil, inference.Options{
		QueueMax:   queueMax,
		JobTimeout: 10 * time.Second,
	})
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)

	app := &handlers.App{
		Logger:    logger,
		Service:   svc,
		Registry:  registry,
		Files:     files,
		Assistant: assistant.NewStaticAssistant(registry),
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		RateLimitPerMin: 1000,
		CORSOrigins:     []string{"*"},
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, backend: backend}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil
	}
	return out
}

func (e *testEnv) waitStatus(t *testing.T, id, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := e.get(t, "/generate/"+id)
		if resp.StatusCode == http.StatusOK && body["status"] == want {
			return body
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

func TestGenerateLifecycle(t *testing.T) {
	env := newEnv(t, &scriptedBackend{}, 10)

	resp, body := env.postJSON(t, "/generate", map[string]any{
		"prompt":   "neon OPEN sign for a coffee shop",
		"width":    512,
		"height":   384,
		"steps":    10,
		"adapters": []map[string]any{{"name": "sign_type/neon", "weight": 1.0}},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /generate status = %d, want 202", resp.StatusCode)
	}
	id, _ := body["item_id"].(string)
	if id == "" {
		t.Fatalf("no item_id in response: %v", body)
	}
	if body["status"] != "queued" {
		t.Fatalf("status = %v, want queued", body["status"])
	}

	done := env.waitStatus(t, id, "completed")
	if done["result"] == nil {
		t.Fatal("completed status payload missing result")
	}

	resp, result := env.get(t, "/generate/"+id+"/result")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET result status = %d, want 200", resp.StatusCode)
	}
	if result["image_url"] == "" {
		t.Fatalf("result missing image_url: %v", result)
	}

	imgResp, err := http.Get(env.server.URL + "/generate/" + id + "/image")
	if err != nil {
		t.Fatalf("GET image: %v", err)
	}
	defer imgResp.Body.Close()
	if imgResp.StatusCode != http.StatusOK {
		t.Fatalf("GET image status = %d, want 200", imgResp.StatusCode)
	}
	data, _ := io.ReadAll(imgResp.Body)
	if string(data) != "fake png bytes" {
		t.Fatalf("image bytes = %q", data)
	}

	// The same image is reachable via its runs/ URL.
	imageURL, _ := result["image_url"].(string)
	runResp, err := http.Get(env.server.URL + imageURL)
	if err != nil {
		t.Fatalf("GET %s: %v", imageURL, err)
	}
	runResp.Body.Close()
	if runResp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d, want 200", imageURL, runResp.StatusCode)
	}
}

func TestGenerateValidationErrors(t *testing.T) {
	env := newEnv(t, &scriptedBackend{}, 10)

	resp, body := env.postJSON(t, "/generate", map[string]any{"prompt": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty prompt status = %d, want 400", resp.StatusCode)
	}
	if body["error"] != "VALIDATION_ERROR" {
		t.Fatalf("error code = %v, want VALIDATION_ERROR", body["error"])
	}

	resp, body = env.postJSON(t, "/generate", map[string]any{
		"prompt":   "sign",
		"adapters": []map[string]any{{"name": "sign_type/missing"}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown adapter status = %d, want 400", resp.StatusCode)
	}
	if body["error"] != "LORA_ERROR" {
		t.Fatalf("error code = %v, want LORA_ERROR", body["error"])
	}
}

func TestGenerateQueueFull(t *testing.T) {
	gate := make(chan struct{})
	env := newEnv(t, &scriptedBackend{gate: gate}, 1)
	defer close(gate)

	resp, body := env.postJSON(t, "/generate", map[string]any{"prompt": "first"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit status = %d, want 202", resp.StatusCode)
	}
	id, _ := body["item_id"].(string)
	env.waitStatus(t, id, "running")

	resp, body = env.postJSON(t, "/generate", map[string]any{"prompt": "second"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-capacity status = %d, want 429", resp.StatusCode)
	}
	if body["error"] != "QUEUE_FULL" {
		t.Fatalf("error code = %v, want QUEUE_FULL", body["error"])
	}
}

func TestResultConflictBeforeCompletion(t *testing.T) {
	gate := make(chan struct{})
	env := newEnv(t, &scriptedBackend{gate: gate}, 5)
	defer close(gate)

	_, body := env.postJSON(t, "/generate", map[string]any{"prompt": "pending"})
	id, _ := body["item_id"].(string)

	resp, payload := env.get(t, "/generate/"+id+"/result")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("result before completion status = %d, want 409", resp.StatusCode)
	}
	if payload["error"] == nil {
		t.Fatalf("conflict payload = %v", payload)
	}

	resp, _ = env.get(t, "/generate/does-not-exist")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", resp.StatusCode)
	}
}

func TestResultConflictForFailedJob(t *testing.T) {
	env := newEnv(t, &scriptedBackend{failOn: map[string]error{
		"doomed": errors.New("backend exploded"),
	}}, 5)

	_, body := env.postJSON(t, "/generate", map[string]any{"prompt": "doomed"})
	id, _ := body["item_id"].(string)
	env.waitStatus(t, id, "failed")

	// A failed job never yields a 200 result; its error rides on the
	// status payload instead.
	resp, payload := env.get(t, "/generate/"+id+"/result")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("result of failed job status = %d, want 409", resp.StatusCode)
	}
	if payload["error"] != "CONFLICT" {
		t.Fatalf("error code = %v, want CONFLICT", payload["error"])
	}

	resp, _ = env.get(t, "/generate/"+id+"/image")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("image of failed job status = %d, want 409", resp.StatusCode)
	}

	status := env.waitStatus(t, id, "failed")
	if status["error"] != "backend exploded" {
		t.Fatalf("status error = %v, want backend message", status["error"])
	}
}

func TestCancelSemantics(t *testing.T) {
	gate := make(chan struct{})
	env := newEnv(t, &scriptedBackend{gate: gate}, 5)
	defer close(gate)

	_, runningBody := env.postJSON(t, "/generate", map[string]any{"prompt": "running"})
	runningID, _ := runningBody["item_id"].(string)
	env.waitStatus(t, runningID, "running")

	_, queuedBody := env.postJSON(t, "/generate", map[string]any{"prompt": "queued"})
	queuedID, _ := queuedBody["item_id"].(string)

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/generate/"+queuedID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["status"] != "cancelled" {
		t.Fatalf("cancel queued = %d %v", resp.StatusCode, body)
	}

	req, _ = http.NewRequest(http.MethodDelete, env.server.URL+"/generate/"+runningID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel running status = %d, want 409", resp.StatusCode)
	}
}

func TestAdaptersEndpoints(t *testing.T) {
	env := newEnv(t, &scriptedBackend{}, 5)

	resp, body := env.get(t, "/adapters")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /adapters status = %d", resp.StatusCode)
	}
	if body["total_count"].(float64) != 2 {
		t.Fatalf("total_count = %v, want 2", body["total_count"])
	}

	resp, body = env.get(t, "/adapters/sign_type")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /adapters/sign_type status = %d", resp.StatusCode)
	}
	if body["domain"] != "sign_type" {
		t.Fatalf("domain = %v", body["domain"])
	}

	resp, _ = env.get(t, "/adapters/materials")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown domain status = %d, want 404", resp.StatusCode)
	}

	resp, body = env.postJSON(t, "/adapters/suggest", map[string]any{
		"prompt": "a neon sign at night",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST suggest status = %d", resp.StatusCode)
	}
	suggestion, _ := body["suggestion"].(map[string]any)
	if suggestion == nil {
		t.Fatalf("suggest payload = %v", body)
	}
	names, _ := suggestion["adapters"].([]any)
	if len(names) != 2 {
		t.Fatalf("suggested adapters = %v, want neon and night", names)
	}

	resp, body = env.postJSON(t, "/adapters/rescan", nil)
	if resp.StatusCode != http.StatusOK || body["total_count"].(float64) != 2 {
		t.Fatalf("rescan = %d %v", resp.StatusCode, body)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newEnv(t, &scriptedBackend{}, 5)

	resp, body := env.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d", resp.StatusCode)
	}
	if body["model_loaded"] != true {
		t.Fatalf("model_loaded = %v", body["model_loaded"])
	}
	if body["queue"] == nil || body["device"] == nil {
		t.Fatalf("health payload = %v", body)
	}

	resp, _ = env.get(t, "/health/ready")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health/ready status = %d", resp.StatusCode)
	}
	resp, _ = env.get(t, "/health/live")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health/live status = %d", resp.StatusCode)
	}

	resp, _ = env.get(t, "/queue")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /queue status = %d", resp.StatusCode)
	}

	metricsResp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", metricsResp.StatusCode)
	}
}

func TestChatEndpoint(t *testing.T) {
	env := newEnv(t, &scriptedBackend{}, 5)

	resp, body := env.postJSON(t, "/chat", map[string]any{
		"message": "I want a neon sign for my bar, something for night time",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /chat status = %d", resp.StatusCode)
	}
	if body["response"] == "" || body["response"] == nil {
		t.Fatalf("chat payload = %v", body)
	}
	if body["suggested_prompt"] == "" {
		t.Fatal("no suggested prompt")
	}
	if _, ok := body["latency_ms"]; !ok {
		t.Fatal("no latency_ms")
	}

	resp, _ = env.postJSON(t, "/chat", map[string]any{"message": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message status = %d, want 400", resp.StatusCode)
	}
}

func TestRecentJobsWithoutArchive(t *testing.T) {
	env := newEnv(t, &scriptedBackend{}, 5)
	resp, _ := env.get(t, "/jobs/recent")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /jobs/recent without archive = %d, want 404", resp.StatusCode)
	}
}
