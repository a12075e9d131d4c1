package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/broadcast"
	"github.com/michalprusek/cell-segmentation-hub-sub000/shared/logger"
)

// memExportStore is an in-memory Store with the same compare-and-set
// semantics as the PostgreSQL implementation. onProgress, when set, runs
// after each progress write and lets tests inject a concurrent cancel.
type memExportStore struct {
	mu         sync.Mutex
	jobs       map[string]*ExportJob
	onProgress func(jobID string, progress int)
}

func newMemExportStore() *memExportStore {
	return &memExportStore{jobs: make(map[string]*ExportJob)}
}

func (s *memExportStore) CreateExport(_ context.Context, job *ExportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *job
	s.jobs[job.ID] = &cloned
	return nil
}

func (s *memExportStore) GetExport(_ context.Context, jobID string) (*ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrExportNotFound
	}
	cloned := *job
	return &cloned, nil
}

func (s *memExportStore) ClaimExport(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != StatusPending {
		return false, nil
	}
	job.Status = StatusProcessing
	return true, nil
}

func (s *memExportStore) UpdateProgress(_ context.Context, jobID string, phase Phase, progress int) (bool, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != StatusProcessing {
		s.mu.Unlock()
		return false, nil
	}
	job.Phase = string(phase)
	if progress > job.Progress {
		job.Progress = progress
	}
	hook := s.onProgress
	s.mu.Unlock()

	if hook != nil {
		hook(jobID, progress)
	}
	return true, nil
}

func (s *memExportStore) CompleteExport(_ context.Context, jobID, filePath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != StatusProcessing {
		return false, nil
	}
	job.Status = StatusCompleted
	job.FilePath = filePath
	job.Progress = 100
	return true, nil
}

func (s *memExportStore) FailExport(_ context.Context, jobID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	job.Status = StatusFailed
	job.Error = reason
	return true, nil
}

func (s *memExportStore) CancelExport(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	job.Status = StatusCancelled
	now := time.Now().UTC()
	job.CancelledAt = &now
	return true, nil
}

// memReader serves project images backed by real temp files.
type memReader struct {
	images  []ImageRef
	results []SegmentationResult
}

func (r *memReader) ProjectImages(context.Context, string) ([]ImageRef, error) {
	return r.images, nil
}

func (r *memReader) CompletedResults(context.Context, string) ([]SegmentationResult, error) {
	return r.results, nil
}

// recordingBroadcaster captures emitted event kinds.
type recordingBroadcaster struct {
	mu    sync.Mutex
	kinds []broadcast.EventKind
}

func (b *recordingBroadcaster) EmitToUser(_ context.Context, _ string, event broadcast.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kinds = append(b.kinds, event.Kind)
}

func (b *recordingBroadcaster) EmitToProject(_ context.Context, _ string, event broadcast.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kinds = append(b.kinds, event.Kind)
}

func (b *recordingBroadcaster) has(kind broadcast.EventKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range b.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func seedProject(t *testing.T, imageCount int) *memReader {
	t.Helper()

	srcDir := t.TempDir()
	reader := &memReader{}

	polygons, err := json.Marshal([]Polygon{
		{Points: []Point{{10, 10}, {60, 10}, {60, 60}, {10, 60}}},
	})
	require.NoError(t, err)

	for i := 0; i < imageCount; i++ {
		name := fmt.Sprintf("cell_%02d.png", i)
		path := filepath.Join(srcDir, name)
		require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0o644))

		imageID := fmt.Sprintf("image-%d", i)
		reader.images = append(reader.images, ImageRef{ImageID: imageID, Name: name, FilePath: path})
		reader.results = append(reader.results, SegmentationResult{ImageID: imageID, Polygons: polygons})
	}

	return reader
}

func newTestProcessor(t *testing.T, store Store, reader ProjectReader, b broadcast.Broadcaster) (*Processor, string) {
	t.Helper()

	rootDir := t.TempDir()
	p, err := NewProcessor(&ProcessorConfig{
		RootDir:     rootDir,
		Concurrency: 2,
	}, store, reader, b, logger.NewDefault().Logger)
	require.NoError(t, err)
	return p, rootDir
}

func pendingJob(store *memExportStore, opts Options) *ExportJob {
	job := &ExportJob{
		ID:        "export-1",
		ProjectID: "project-1",
		UserID:    "user-1",
		Status:    StatusPending,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
	}
	store.CreateExport(context.Background(), job)
	return job
}

func TestProcessor_ProcessCompletes(t *testing.T) {
	store := newMemExportStore()
	reader := seedProject(t, 3)
	events := &recordingBroadcaster{}
	p, rootDir := newTestProcessor(t, store, reader, events)

	job := pendingJob(store, DefaultOptions())
	require.NoError(t, p.Process(context.Background(), job.ID))

	final, err := store.GetExport(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	require.NotEmpty(t, final.FilePath)

	// The archive exists and carries every section.
	zr, err := zip.OpenReader(final.FilePath)
	require.NoError(t, err)
	defer zr.Close()

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["originals/cell_00.png"])
	assert.True(t, names["visualizations/cell_00.png"])
	assert.True(t, names["annotations/annotations.json"])
	assert.True(t, names["metrics/metrics.csv"])
	assert.True(t, names["README.txt"])

	// The work directory is cleaned up after packaging.
	_, err = os.Stat(filepath.Join(rootDir, "work", job.ID))
	assert.True(t, os.IsNotExist(err))

	assert.True(t, events.has(broadcast.KindExportProgress))
	assert.True(t, events.has(broadcast.KindExportCompleted))
}

func TestProcessor_DisabledPhasesAreSkipped(t *testing.T) {
	store := newMemExportStore()
	reader := seedProject(t, 2)
	p, _ := newTestProcessor(t, store, reader, &recordingBroadcaster{})

	opts := Options{IncludeMetrics: true, IncludeDocumentation: true}
	job := pendingJob(store, opts)
	require.NoError(t, p.Process(context.Background(), job.ID))

	final, err := store.GetExport(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)

	zr, err := zip.OpenReader(final.FilePath)
	require.NoError(t, err)
	defer zr.Close()

	for _, f := range zr.File {
		assert.NotContains(t, f.Name, "originals/")
		assert.NotContains(t, f.Name, "visualizations/")
		assert.NotContains(t, f.Name, "annotations/")
	}
}

func TestProcessor_SkipsCancelledJob(t *testing.T) {
	store := newMemExportStore()
	reader := seedProject(t, 1)
	events := &recordingBroadcaster{}
	p, rootDir := newTestProcessor(t, store, reader, events)

	job := pendingJob(store, DefaultOptions())
	_, err := store.CancelExport(context.Background(), job.ID)
	require.NoError(t, err)

	require.NoError(t, p.Process(context.Background(), job.ID))

	final, err := store.GetExport(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)

	// Nothing was produced.
	entries, err := os.ReadDir(rootDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.False(t, events.has(broadcast.KindExportCompleted))
}

func TestProcessor_CancelMidRunRemovesArtifacts(t *testing.T) {
	store := newMemExportStore()
	reader := seedProject(t, 5)
	events := &recordingBroadcaster{}
	p, rootDir := newTestProcessor(t, store, reader, events)

	job := pendingJob(store, DefaultOptions())

	// Cancel concurrently once the run reports meaningful progress. Even if
	// the phases race to the end, the completion compare-and-set must lose
	// and the archive must not survive.
	var once sync.Once
	store.onProgress = func(jobID string, progress int) {
		if progress >= 40 {
			once.Do(func() {
				_, err := store.CancelExport(context.Background(), jobID)
				require.NoError(t, err)
			})
		}
	}

	require.NoError(t, p.Process(context.Background(), job.ID))

	final, err := store.GetExport(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Empty(t, final.FilePath)

	// No archive and no work directory remain.
	_, err = os.Stat(filepath.Join(rootDir, job.ID+".zip"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(rootDir, "work", job.ID))
	assert.True(t, os.IsNotExist(err))

	assert.True(t, events.has(broadcast.KindExportCancelled))
	assert.False(t, events.has(broadcast.KindExportCompleted))
}

func TestProcessor_MissingSourceImageFailsJob(t *testing.T) {
	store := newMemExportStore()
	reader := seedProject(t, 2)
	reader.images[1].FilePath = "/nonexistent/gone.png"
	events := &recordingBroadcaster{}
	p, _ := newTestProcessor(t, store, reader, events)

	job := pendingJob(store, DefaultOptions())
	require.NoError(t, p.Process(context.Background(), job.ID))

	final, err := store.GetExport(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.NotEmpty(t, final.Error)
	assert.True(t, events.has(broadcast.KindExportFailed))
}

func TestProcessor_FailureRaceWithCancelStaysCancelled(t *testing.T) {
	store := newMemExportStore()
	events := &recordingBroadcaster{}
	p, rootDir := newTestProcessor(t, store, &memReader{}, events)

	job := pendingJob(store, DefaultOptions())
	claimed, err := store.ClaimExport(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// The cancel lands while the run is failing. The cancelled status is
	// terminal and the failure must neither overwrite it nor emit a
	// failure event.
	_, err = store.CancelExport(context.Background(), job.ID)
	require.NoError(t, err)

	workDir := filepath.Join(rootDir, "work", job.ID)
	require.NoError(t, p.finish(context.Background(), job, workDir, fmt.Errorf("copy failed: disk gone"), p.logger))

	final, err := store.GetExport(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Empty(t, final.Error)

	assert.True(t, events.has(broadcast.KindExportCancelled))
	assert.False(t, events.has(broadcast.KindExportFailed))
}

func TestProgressTracker_MonotonicAndBounded(t *testing.T) {
	phases := []Phase{PhaseCopyOriginals, PhaseComputeMetrics}
	tracker := newProgressTracker(phases, 4)

	var values []int
	for i := 0; i < 4; i++ {
		values = append(values, tracker.itemDone(PhaseCopyOriginals))
	}
	values = append(values, tracker.phaseDone(PhaseCopyOriginals))

	for i := 0; i < 4; i++ {
		values = append(values, tracker.itemDone(PhaseComputeMetrics))
	}
	values = append(values, tracker.phaseDone(PhaseComputeMetrics))

	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress regressed at step %d", i)
	}

	// One of two equal phases fully done sits at 50.
	assert.Equal(t, 50, values[4])
	// 100 is reserved for the terminal transition.
	for _, v := range values {
		assert.LessOrEqual(t, v, 99)
	}
}

func TestProgressTracker_InterleavedPhases(t *testing.T) {
	// Phases run concurrently, so item completions arrive interleaved. The
	// aggregate must still be monotonic and weight each phase equally.
	phases := []Phase{PhaseCopyOriginals, PhaseRenderVisualizations}
	tracker := newProgressTracker(phases, 2)

	var values []int
	values = append(values, tracker.itemDone(PhaseCopyOriginals))
	values = append(values, tracker.itemDone(PhaseRenderVisualizations))
	values = append(values, tracker.itemDone(PhaseRenderVisualizations))
	values = append(values, tracker.phaseDone(PhaseRenderVisualizations))
	values = append(values, tracker.itemDone(PhaseCopyOriginals))
	values = append(values, tracker.phaseDone(PhaseCopyOriginals))

	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress regressed at step %d", i)
	}
	assert.Equal(t, 75, values[3])
	assert.Equal(t, 99, values[5])
}
