package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/echofinity/echofinity-backend/internal/ai"
	"github.com/echofinity/echofinity-backend/internal/catalog"
	"github.com/echofinity/echofinity-backend/internal/db"
	"github.com/echofinity/echofinity-backend/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAI fails each stage the given number of times before succeeding.
// A negative count fails forever.
type fakeAI struct {
	sceneFailures, subtitleFailures, colorFailures int32
	emptyScenes                                    bool

	scenesCalled    atomic.Int32
	subtitlesCalled atomic.Int32
	colorCalled     atomic.Int32
	lastPreset      atomic.Value
}

var errAIDown = errors.New("ai down")

func shouldFail(calls int32, failures int32) bool {
	return failures < 0 || calls <= failures
}

func (f *fakeAI) DetectScenes(ctx context.Context, videoPath string) ([]ai.Scene, error) {
	n := f.scenesCalled.Add(1)
	if shouldFail(n, f.sceneFailures) {
		return nil, errAIDown
	}
	if f.emptyScenes {
		return []ai.Scene{}, nil
	}
	return []ai.Scene{{Start: 0, End: 4.5}, {Start: 4.5, End: 9}}, nil
}

func (f *fakeAI) GenerateSubtitles(ctx context.Context, videoPath string) ([]ai.Subtitle, error) {
	n := f.subtitlesCalled.Add(1)
	if shouldFail(n, f.subtitleFailures) {
		return nil, errAIDown
	}
	return []ai.Subtitle{{Start: 0, End: 2, Text: "hello"}}, nil
}

func (f *fakeAI) CorrectColor(ctx context.Context, videoPath, preset string) (string, error) {
	f.lastPreset.Store(preset)
	n := f.colorCalled.Add(1)
	if shouldFail(n, f.colorFailures) {
		return "", errAIDown
	}
	return ai.CorrectedPath(videoPath, preset), nil
}

type fakeMedia struct {
	err    error
	called atomic.Int32
}

func (m *fakeMedia) Render(ctx context.Context, job *catalog.ExportJob) error {
	m.called.Add(1)
	return m.err
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	repo   catalog.Repository
	ai     *fakeAI
	media  *fakeMedia
	sleeps *sleepRecorder
	proc   *Processor
}

func newHarness(t *testing.T, client *fakeAI) *harness {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	h := &harness{
		repo:   catalog.NewRepository(database.Conn()),
		ai:     client,
		media:  &fakeMedia{},
		sleeps: &sleepRecorder{},
	}
	policy := DefaultStagePolicy
	policy.Sleep = h.sleeps.sleep
	h.proc = NewProcessor(h.repo, h.ai, h.media, testLogger(), Options{StagePolicy: policy})
	return h
}

func (h *harness) seed(t *testing.T, id, preset string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	if p, _ := h.repo.GetProject(ctx, "p1"); p == nil {
		if err := h.repo.CreateProject(ctx, &catalog.Project{ID: "p1", UserID: "u1", Title: "Trip", CreatedAt: now}); err != nil {
			t.Fatalf("CreateProject() error = %v", err)
		}
	}
	job := catalog.NewExportJob(id, "p1", "u1", catalog.FormatMP4, catalog.Resolution1080p, preset, now)
	if err := h.repo.CreateExportJob(ctx, job); err != nil {
		t.Fatalf("CreateExportJob() error = %v", err)
	}
}

func (h *harness) job(t *testing.T, id string) *catalog.ExportJob {
	t.Helper()
	job, err := h.repo.GetExportJob(context.Background(), id)
	if err != nil || job == nil {
		t.Fatalf("GetExportJob(%s) = %v, %v", id, job, err)
	}
	return job
}

func TestProcess_AllStagesSucceed(t *testing.T) {
	h := newHarness(t, &fakeAI{})
	h.seed(t, "j1", "")

	res, err := h.proc.Process(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Status != catalog.JobStatusReady || res.Successes != 3 {
		t.Errorf("result = %+v, want ready with 3 successes", res)
	}

	job := h.job(t, "j1")
	if job.Status != catalog.JobStatusReady {
		t.Errorf("Status = %s, want ready", job.Status)
	}
	meta := job.Metadata
	if len(meta.Scenes) != 2 || len(meta.Subtitles) != 1 {
		t.Errorf("scenes=%d subtitles=%d, want 2/1", len(meta.Scenes), len(meta.Subtitles))
	}
	if meta.ColorCorrectedPath != "/exports/j1_cinematic.mp4" {
		t.Errorf("ColorCorrectedPath = %q", meta.ColorCorrectedPath)
	}
	if meta.ExportStartedAt == nil || meta.ProcessedAt == nil || meta.ProcessingTime == "" {
		t.Errorf("timing metadata missing: %+v", meta)
	}
	if meta.PartialCompletion || meta.AIProcessingFailed || meta.AISuccessCount != 0 {
		t.Errorf("unexpected flags on ready job: %+v", meta)
	}
	if got := h.ai.lastPreset.Load(); got != catalog.PresetCinematic {
		t.Errorf("preset = %v, want cinematic", got)
	}
	if len(h.sleeps.waits) != 0 {
		t.Errorf("waits = %v, want none", h.sleeps.waits)
	}
}

func TestProcess_PartialWhenOneStageExhausted(t *testing.T) {
	h := newHarness(t, &fakeAI{subtitleFailures: -1})
	h.seed(t, "j1", catalog.PresetWarm)

	res, err := h.proc.Process(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Status != catalog.JobStatusPartial {
		t.Fatalf("Status = %s, want partial", res.Status)
	}
	if got := h.ai.subtitlesCalled.Load(); got != 3 {
		t.Errorf("subtitle calls = %d, want 3", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(h.sleeps.waits) != len(want) || h.sleeps.waits[0] != want[0] || h.sleeps.waits[1] != want[1] {
		t.Errorf("waits = %v, want %v", h.sleeps.waits, want)
	}

	meta := h.job(t, "j1").Metadata
	if !meta.PartialCompletion || meta.AISuccessCount != 2 || meta.AIFailureCount != 1 {
		t.Errorf("partial metadata = %+v", meta)
	}
	if len(meta.Subtitles) != 0 {
		t.Errorf("subtitles persisted for failed stage: %v", meta.Subtitles)
	}
	if meta.ColorCorrectedPath != "/exports/j1_warm.mp4" {
		t.Errorf("ColorCorrectedPath = %q", meta.ColorCorrectedPath)
	}
}

func TestProcess_AllStagesFail(t *testing.T) {
	h := newHarness(t, &fakeAI{sceneFailures: -1, subtitleFailures: -1, colorFailures: -1})
	h.seed(t, "j1", "")

	res, err := h.proc.Process(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Status != catalog.JobStatusFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	meta := h.job(t, "j1").Metadata
	if !meta.AIProcessingFailed {
		t.Error("AIProcessingFailed not set")
	}
	if meta.Error != "" {
		t.Errorf("Error = %q, stage failures are not a crash", meta.Error)
	}
	if h.media.called.Load() != 1 {
		t.Error("media step should still run")
	}
}

func TestProcess_EmptyResultIsRetried(t *testing.T) {
	h := newHarness(t, &fakeAI{emptyScenes: true})
	h.seed(t, "j1", "")

	res, err := h.proc.Process(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got := h.ai.scenesCalled.Load(); got != 3 {
		t.Errorf("scene calls = %d, want 3", got)
	}
	if res.Status != catalog.JobStatusPartial {
		t.Errorf("Status = %s, want partial", res.Status)
	}
}

func TestProcess_RecoversAfterTransientFailures(t *testing.T) {
	h := newHarness(t, &fakeAI{sceneFailures: 2})
	h.seed(t, "j1", "")

	res, err := h.proc.Process(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Status != catalog.JobStatusReady {
		t.Errorf("Status = %s, want ready", res.Status)
	}
	if got := h.ai.scenesCalled.Load(); got != 3 {
		t.Errorf("scene calls = %d, want 3", got)
	}
}

func TestProcess_TerminalJobSkipped(t *testing.T) {
	h := newHarness(t, &fakeAI{})
	h.seed(t, "j1", "")
	if _, err := h.proc.Process(context.Background(), "j1"); err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	before := h.ai.scenesCalled.Load()

	res, err := h.proc.Process(context.Background(), "j1")
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if !res.Skipped || res.Status != catalog.JobStatusReady {
		t.Errorf("result = %+v, want skipped ready", res)
	}
	if h.ai.scenesCalled.Load() != before {
		t.Error("AI called for terminal job")
	}
}

func TestProcess_MissingJob(t *testing.T) {
	h := newHarness(t, &fakeAI{})

	_, err := h.proc.Process(context.Background(), "nope")
	if !errors.Is(err, catalog.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestProcess_MediaFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t, &fakeAI{})
	h.media.err = errors.New("disk full")
	h.seed(t, "j1", "")

	if _, err := h.proc.Process(context.Background(), "j1"); err == nil {
		t.Fatal("expected error")
	}
	job := h.job(t, "j1")
	if job.Status != catalog.JobStatusFailed {
		t.Errorf("Status = %s, want failed", job.Status)
	}
	if job.Metadata.Error == "" || job.Metadata.FailedAt == nil {
		t.Errorf("failure metadata missing: %+v", job.Metadata)
	}
}

func TestProcess_CanceledLeavesJobProcessing(t *testing.T) {
	h := newHarness(t, &fakeAI{sceneFailures: -1})
	h.seed(t, "j1", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.proc.Process(ctx, "j1"); err == nil {
		t.Fatal("expected error")
	}
	if got := h.job(t, "j1").Status; got != catalog.JobStatusProcessing && got != catalog.JobStatusQueued {
		t.Errorf("Status = %s, want job left for redelivery", got)
	}
}

func TestHandle_DecodesPayload(t *testing.T) {
	h := newHarness(t, &fakeAI{})
	h.seed(t, "j1", "")

	payload, _ := json.Marshal(Payload{JobID: "j1", ProjectID: "p1", UserID: "u1"})
	d := &queue.Delivery{
		Message: queue.Message{JobID: "j1", Name: JobName, Payload: payload},
		Attempt: 1,
	}
	if err := h.proc.Handle(context.Background(), d); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got := h.job(t, "j1").Status; got != catalog.JobStatusReady {
		t.Errorf("Status = %s, want ready", got)
	}

	bad := &queue.Delivery{Message: queue.Message{JobID: "j1", Payload: []byte("{")}}
	if err := h.proc.Handle(context.Background(), bad); err == nil {
		t.Error("expected decode error")
	}
}

func TestHandle_WithPool(t *testing.T) {
	h := newHarness(t, &fakeAI{})
	h.seed(t, "j1", "")

	q := queue.NewMemory()
	defer q.Close()
	payload, _ := json.Marshal(Payload{JobID: "j1"})
	if err := q.Enqueue(context.Background(), queue.Message{JobID: "j1", Name: JobName, Payload: payload}, queue.DefaultOptions); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool := queue.NewPool(q, h.proc, queue.PoolConfig{Concurrency: 2, Logger: testLogger()})
	go pool.Run(ctx)

	for ctx.Err() == nil {
		if h.job(t, "j1").Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.job(t, "j1").Status; got != catalog.JobStatusReady {
		t.Errorf("Status = %s, want ready", got)
	}
}

func TestAggregate(t *testing.T) {
	tests := map[int]catalog.JobStatus{
		3: catalog.JobStatusReady,
		2: catalog.JobStatusPartial,
		1: catalog.JobStatusPartial,
		0: catalog.JobStatusFailed,
	}
	for n, want := range tests {
		if got := Aggregate(n); got != want {
			t.Errorf("Aggregate(%d) = %s, want %s", n, got, want)
		}
	}
}

func TestSimulatedMedia_HonoursContext(t *testing.T) {
	m := NewSimulatedMedia(time.Hour, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Render(ctx, &catalog.ExportJob{ID: "j1"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
