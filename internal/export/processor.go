package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/broadcast"
)

// cancelPollInterval bounds how long a running export keeps working after a
// user cancels it. Combined with the per-item context checks this keeps
// cancellation latency well under a second.
const cancelPollInterval = 250 * time.Millisecond

// ProcessorConfig holds the export pipeline settings.
type ProcessorConfig struct {
	RootDir     string `yaml:"root_dir"`
	Concurrency int    `yaml:"concurrency"`
}

// Validate checks the processor configuration and applies defaults.
func (c *ProcessorConfig) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("export root_dir is required")
	}
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	return nil
}

// Processor executes export jobs on the worker side. One Process call drives
// a job from claim to a terminal status.
type Processor struct {
	config      *ProcessorConfig
	store       Store
	reader      ProjectReader
	broadcaster broadcast.Broadcaster
	logger      *slog.Logger
}

// NewProcessor creates an export processor.
func NewProcessor(config *ProcessorConfig, store Store, reader ProjectReader, b broadcast.Broadcaster, logger *slog.Logger) (*Processor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Processor{
		config:      config,
		store:       store,
		reader:      reader,
		broadcaster: b,
		logger:      logger,
	}, nil
}

// Process runs one export job to a terminal state. A job that cannot be
// claimed (already cancelled or picked up elsewhere) is skipped silently.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	job, err := p.store.GetExport(ctx, jobID)
	if err != nil {
		return err
	}

	claimed, err := p.store.ClaimExport(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to claim export: %w", err)
	}
	if !claimed {
		p.logger.Info("Skipping export, not claimable",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
		)
		return nil
	}

	logger := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("project_id", job.ProjectID),
	)
	logger.Info("Export started")

	// The watcher folds a user cancel into context cancellation so phase
	// loops stop between items instead of at phase boundaries.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var watcherWG sync.WaitGroup
	watcherWG.Add(1)
	go func() {
		defer watcherWG.Done()
		p.watchCancellation(runCtx, job.ID, cancelRun)
	}()

	workDir := filepath.Join(p.config.RootDir, "work", job.ID)
	runErr := p.run(runCtx, job, workDir)
	cancelRun()
	watcherWG.Wait()

	return p.finish(ctx, job, workDir, runErr, logger)
}

func (p *Processor) run(ctx context.Context, job *ExportJob, workDir string) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	images, err := p.reader.ProjectImages(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project images: %w", err)
	}

	results, err := p.reader.CompletedResults(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load segmentation results: %w", err)
	}

	b := &bundle{
		job:      job,
		dir:      workDir,
		images:   images,
		polygons: make(map[string][]Polygon, len(results)),
	}
	for _, r := range results {
		var polygons []Polygon
		if err := json.Unmarshal(r.Polygons, &polygons); err != nil {
			// A malformed result row degrades that image, not the export.
			p.logger.Warn("Skipping unparsable segmentation result",
				slog.String("image_id", r.ImageID),
				slog.Any("error", err),
			)
			continue
		}
		b.polygons[r.ImageID] = polygons
	}

	phases := job.Options.EnabledPhases()
	tracker := newProgressTracker(phases, len(images))

	// Phases write to disjoint output directories and read only the shared
	// bundle, so they run concurrently under one bounded group.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	for _, phase := range phases {
		phase := phase
		g.Go(func() error {
			report := func() {
				p.reportProgress(gctx, job, phase, tracker.itemDone(phase))
			}

			var phaseErr error
			switch phase {
			case PhaseCopyOriginals:
				phaseErr = p.copyOriginals(gctx, b, report)
			case PhaseRenderVisualizations:
				phaseErr = p.renderVisualizations(gctx, b, report)
			case PhaseEmitAnnotations:
				phaseErr = p.emitAnnotations(gctx, b, report)
			case PhaseComputeMetrics:
				phaseErr = p.computeMetricsPhase(gctx, b, report)
			case PhaseWriteDocumentation:
				phaseErr = p.writeDocumentation(gctx, b, report)
			}
			if phaseErr != nil {
				return phaseErr
			}

			p.reportProgress(gctx, job, phase, tracker.phaseDone(phase))
			return nil
		})
	}

	return g.Wait()
}

// finish drives the job to its terminal status and cleans the work dir. The
// final archive is gated by the Processing→Completed compare-and-set, so a
// cancel that lands during packaging still wins and the artifact is removed.
func (p *Processor) finish(ctx context.Context, job *ExportJob, workDir string, runErr error, logger *slog.Logger) error {
	defer os.RemoveAll(workDir)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			// Distinguish a user cancel from a process shutdown: only the
			// former has flipped the stored status.
			latest, err := p.store.GetExport(context.WithoutCancel(ctx), job.ID)
			if err == nil && latest.Status == StatusCancelled {
				return p.concludeCancelled(context.WithoutCancel(ctx), job, logger)
			}
			return runErr
		}

		transitioned, err := p.store.FailExport(ctx, job.ID, runErr.Error())
		if err != nil {
			return err
		}
		if !transitioned {
			// A concurrent cancel beat the failure to the terminal state; the
			// cancelled status wins and no failure event may follow it.
			return p.concludeCancelled(ctx, job, logger)
		}
		logger.Error("Export failed", slog.Any("error", runErr))
		p.emitOutcome(ctx, job, broadcast.KindExportFailed, "", runErr.Error())
		return nil
	}

	archivePath := filepath.Join(p.config.RootDir, job.ID+".zip")
	if err := buildArchive(workDir, archivePath); err != nil {
		transitioned, ferr := p.store.FailExport(ctx, job.ID, err.Error())
		if ferr != nil {
			return ferr
		}
		if !transitioned {
			return p.concludeCancelled(ctx, job, logger)
		}
		logger.Error("Archive packaging failed", slog.Any("error", err))
		p.emitOutcome(ctx, job, broadcast.KindExportFailed, "", err.Error())
		return nil
	}

	p.reportProgress(ctx, job, PhaseArchive, 99)

	transitioned, err := p.store.CompleteExport(ctx, job.ID, archivePath)
	if err != nil {
		return err
	}
	if !transitioned {
		// Cancelled while packaging. The artifact must not survive.
		os.Remove(archivePath)
		return p.concludeCancelled(ctx, job, logger)
	}

	logger.Info("Export completed", slog.String("archive", archivePath))
	p.emitOutcome(ctx, job, broadcast.KindExportCompleted, filepath.Base(archivePath), "")
	return nil
}

func (p *Processor) concludeCancelled(ctx context.Context, job *ExportJob, logger *slog.Logger) error {
	logger.Info("Export cancelled")
	p.emitOutcome(ctx, job, broadcast.KindExportCancelled, "", "")
	return nil
}

func (p *Processor) watchCancellation(ctx context.Context, jobID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err := p.store.GetExport(ctx, jobID)
		if err != nil {
			continue
		}
		if job.Status == StatusCancelled {
			cancel()
			return
		}
	}
}

func (p *Processor) reportProgress(ctx context.Context, job *ExportJob, phase Phase, progress int) {
	if ctx.Err() != nil {
		return
	}

	if _, err := p.store.UpdateProgress(ctx, job.ID, phase, progress); err != nil {
		p.logger.Warn("Failed to persist export progress",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	p.broadcaster.EmitToUser(ctx, job.UserID, broadcast.NewEvent(
		broadcast.KindExportProgress,
		broadcast.ExportProgressPayload{
			JobID:     job.ID,
			ProjectID: job.ProjectID,
			UserID:    job.UserID,
			Phase:     string(phase),
			Progress:  progress,
		},
	))
}

func (p *Processor) emitOutcome(ctx context.Context, job *ExportJob, kind broadcast.EventKind, fileName, errMsg string) {
	p.broadcaster.EmitToUser(ctx, job.UserID, broadcast.NewEvent(kind, broadcast.ExportOutcomePayload{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		UserID:    job.UserID,
		FileName:  fileName,
		Error:     errMsg,
	}))
}

// progressTracker maps per-item completions onto the 0..100 scale. Enabled
// phases split the scale evenly; items split their phase's share evenly.
// Phases report concurrently and values only ever grow.
type progressTracker struct {
	mu        sync.Mutex
	share     float64
	itemCount int
	items     map[Phase]int
	done      map[Phase]bool
}

func newProgressTracker(phases []Phase, items int) *progressTracker {
	if items < 1 {
		items = 1
	}
	t := &progressTracker{
		itemCount: items,
		items:     make(map[Phase]int, len(phases)),
		done:      make(map[Phase]bool, len(phases)),
	}
	if len(phases) > 0 {
		t.share = 100.0 / float64(len(phases))
	}
	for _, phase := range phases {
		t.items[phase] = 0
	}
	return t
}

func (t *progressTracker) itemDone(phase Phase) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items[phase] < t.itemCount {
		t.items[phase]++
	}
	return t.valueLocked()
}

func (t *progressTracker) phaseDone(phase Phase) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[phase] = true
	return t.valueLocked()
}

func (t *progressTracker) valueLocked() int {
	if t.share == 0 {
		return 99
	}

	value := 0.0
	for phase, items := range t.items {
		if t.done[phase] {
			value += t.share
			continue
		}
		value += t.share * float64(items) / float64(t.itemCount)
	}

	// 100 is reserved for the completed status transition.
	if value > 99 {
		value = 99
	}
	return int(value)
}
