package infer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/queue"
)

const (
	// memoryWarnFraction logs a warning when device usage crosses it.
	memoryWarnFraction = 0.90

	// memoryFlushFraction triggers a cache flush when usage crosses it.
	memoryFlushFraction = 0.95
)

// SegmentationClient is the slice of the sidecar API the pool depends on.
type SegmentationClient interface {
	BatchSegment(ctx context.Context, req *BatchRequest) ([]BatchResult, error)
	GetMemoryStats(ctx context.Context) (*MemoryStats, error)
	Flush(ctx context.Context) error
}

// ImageResolver maps an image id to its stored byte path.
type ImageResolver interface {
	ImagePath(ctx context.Context, imageID string) (string, error)
}

// PoolConfig holds the execution pool settings.
type PoolConfig struct {
	Size                int           `yaml:"size"`
	DeviceMemoryMB      float64       `yaml:"device_memory_mb"`
	ReservedMemoryMB    float64       `yaml:"reserved_memory_mb"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	MemoryCheckInterval time.Duration `yaml:"memory_check_interval"`
}

// Validate checks the pool configuration and applies defaults.
func (c *PoolConfig) Validate() error {
	if c.Size < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.Size)
	}
	if c.DeviceMemoryMB <= 0 {
		return fmt.Errorf("device_memory_mb must be positive")
	}
	if c.ReservedMemoryMB < 0 {
		return fmt.Errorf("reserved_memory_mb must not be negative")
	}
	if c.ReservedMemoryMB >= c.DeviceMemoryMB {
		return fmt.Errorf("reserved_memory_mb must be below device_memory_mb")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MemoryCheckInterval <= 0 {
		c.MemoryCheckInterval = 10 * time.Second
	}
	return nil
}

// Pool executes segmentation jobs on a fixed set of workers. Each worker is
// pinned to one compute stream for its whole lifetime, so forward passes on
// different workers never contend on a stream. There is no per-model lock:
// two workers may run the same model concurrently on their own streams.
type Pool struct {
	config  *PoolConfig
	manager *queue.Manager
	client  SegmentationClient
	images  ImageResolver
	logger  *slog.Logger

	metrics poolMetrics
	wake    chan struct{}
	wg      sync.WaitGroup
}

// Stats returns a copy of the pool counters.
func (p *Pool) Stats() PoolStats {
	return p.metrics.snapshot()
}

// NewPool creates an execution pool.
func NewPool(config *PoolConfig, manager *queue.Manager, client SegmentationClient, images ImageResolver, logger *slog.Logger) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Pool{
		config:  config,
		manager: manager,
		client:  client,
		images:  images,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Notify wakes idle workers after new work was enqueued. Non-blocking; a
// pending wakeup already covers any number of new jobs.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run starts the workers and the memory governor and blocks until ctx is
// cancelled and all of them have drained.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("Starting inference pool",
		slog.Int("size", p.config.Size),
		slog.Float64("device_memory_mb", p.config.DeviceMemoryMB),
		slog.Float64("reserved_memory_mb", p.config.ReservedMemoryMB),
	)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runMemoryGovernor(ctx)
	}()

	for i := 0; i < p.config.Size; i++ {
		stream := i
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, stream)
		}()
	}

	p.wg.Wait()
	p.logger.Info("Inference pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, stream int) {
	logger := p.logger.With(slog.Int("stream", stream))
	logger.Info("Inference worker started")

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Inference worker stopping")
			return
		case <-p.wake:
		case <-ticker.C:
		}

		p.drainQueue(ctx, stream, logger)
	}
}

// drainQueue claims and executes jobs until the queue is empty or ctx ends.
func (p *Pool) drainQueue(ctx context.Context, stream int, logger *slog.Logger) {
	for ctx.Err() == nil {
		group, spec, err := p.claimBatch(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrNoQueuedJobs) {
				logger.Error("Failed to claim jobs", slog.Any("error", err))
			}
			// Jobs claimed before the error are already Processing and must
			// not be stranded there.
			if len(group) > 0 {
				p.executeBatch(ctx, stream, group, spec, logger)
			}
			return
		}

		p.executeBatch(ctx, stream, group, spec, logger)
		p.enforceMemoryCeiling(ctx, logger)
	}
}

// claimBatch claims the next queued job and extends it into a homogeneous
// batch: further claims join only while they share the first job's model and
// threshold, up to the dynamically sized limit. A claim that does not match
// ends the batch and executes on its own next round, already Processing.
func (p *Pool) claimBatch(ctx context.Context) ([]*queue.SegmentationJob, ModelSpec, error) {
	first, err := p.manager.DequeueNext(ctx)
	if err != nil {
		return nil, ModelSpec{}, err
	}

	spec, ok := SpecFor(first.Model)
	if !ok {
		// Unknown models are rejected at enqueue; a row like this means the
		// supported set shrank after the job was created.
		p.failJob(ctx, first, fmt.Sprintf("unsupported model %q", first.Model), first.RetryCount)
		return nil, ModelSpec{}, queue.ErrNoQueuedJobs
	}

	limit := FitBatchSize(spec, p.config.Size, p.config.DeviceMemoryMB, p.config.ReservedMemoryMB)
	group := []*queue.SegmentationJob{first}
	return group, spec, p.extendBatch(ctx, &group, first, limit)
}

func (p *Pool) extendBatch(ctx context.Context, group *[]*queue.SegmentationJob, first *queue.SegmentationJob, limit int) error {
	for len(*group) < limit {
		next, err := p.manager.DequeueNext(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrNoQueuedJobs) {
				return nil
			}
			return err
		}
		if next.Model != first.Model || next.Threshold != first.Threshold {
			// Different profile; run it as its own batch of one right after.
			*group = append(*group, next)
			return nil
		}
		*group = append(*group, next)
	}
	return nil
}

// executeBatch runs the claimed jobs, splitting them by profile first since
// extendBatch may have pulled in one trailing mismatch.
func (p *Pool) executeBatch(ctx context.Context, stream int, jobs []*queue.SegmentationJob, spec ModelSpec, logger *slog.Logger) {
	groups := splitByProfile(jobs)
	for _, group := range groups {
		groupSpec, ok := SpecFor(group[0].Model)
		if !ok {
			groupSpec = spec
		}
		p.runForwardPass(ctx, stream, group, groupSpec, false, logger)
	}
}

// runForwardPass performs one sidecar call for a homogeneous group. On out
// of memory it flushes the device cache, halves the batch and retries each
// half exactly once; a second OOM fails the jobs with a retryable reason.
func (p *Pool) runForwardPass(ctx context.Context, stream int, jobs []*queue.SegmentationJob, spec ModelSpec, isRetry bool, logger *slog.Logger) {
	inputs, runnable := p.resolveInputs(ctx, jobs, logger)
	if len(runnable) == 0 {
		return
	}

	req := &BatchRequest{
		Model:     spec.Name,
		Threshold: runnable[0].Threshold,
		Stream:    stream,
		Images:    inputs,
	}

	started := time.Now()
	p.metrics.forwardPasses.Add(1)
	results, err := p.client.BatchSegment(ctx, req)
	if err != nil {
		if errors.Is(err, ErrOutOfMemory) {
			p.handleOOM(ctx, stream, runnable, spec, isRetry, logger)
			return
		}
		if errors.Is(err, ErrTimeout) {
			// Timeouts are transient; record a retryable failure so a caller
			// can resubmit without investigating.
			p.metrics.timeouts.Add(1)
			for _, job := range runnable {
				p.failJob(ctx, job, "inference timed out, retry later", job.RetryCount)
			}
			return
		}
		p.metrics.inferenceFails.Add(1)
		reason := fmt.Sprintf("inference failed: %v", err)
		for _, job := range runnable {
			p.failJob(ctx, job, reason, job.RetryCount)
		}
		return
	}

	logger.Debug("Forward pass finished",
		slog.String("model", spec.Name),
		slog.Int("batch", len(runnable)),
		slog.Duration("took", time.Since(started)),
	)

	p.commitResults(ctx, runnable, results, isRetry)
}

func (p *Pool) handleOOM(ctx context.Context, stream int, jobs []*queue.SegmentationJob, spec ModelSpec, isRetry bool, logger *slog.Logger) {
	if isRetry {
		for _, job := range jobs {
			p.failJob(ctx, job, "out of device memory after flush and batch reduction, retry later", job.RetryCount+1)
		}
		return
	}

	p.metrics.oomRetries.Add(1)

	logger.Warn("Out of device memory, flushing and retrying with halved batch",
		slog.String("model", spec.Name),
		slog.Int("batch", len(jobs)),
	)

	if err := p.client.Flush(ctx); err != nil {
		logger.Warn("Device flush failed", slog.Any("error", err))
	}

	half := HalveBatch(len(jobs))
	for start := 0; start < len(jobs); start += half {
		end := start + half
		if end > len(jobs) {
			end = len(jobs)
		}
		p.runForwardPass(ctx, stream, jobs[start:end], spec, true, logger)
	}
}

func (p *Pool) resolveInputs(ctx context.Context, jobs []*queue.SegmentationJob, logger *slog.Logger) ([]ImageInput, []*queue.SegmentationJob) {
	inputs := make([]ImageInput, 0, len(jobs))
	runnable := make([]*queue.SegmentationJob, 0, len(jobs))

	for _, job := range jobs {
		path, err := p.images.ImagePath(ctx, job.ImageID)
		if err != nil {
			logger.Warn("Failed to resolve image path",
				slog.String("job_id", job.ID),
				slog.String("image_id", job.ImageID),
				slog.Any("error", err),
			)
			p.failJob(ctx, job, fmt.Sprintf("image unavailable: %v", err), job.RetryCount)
			continue
		}
		inputs = append(inputs, ImageInput{ImageID: job.ImageID, FilePath: path})
		runnable = append(runnable, job)
	}

	return inputs, runnable
}

func (p *Pool) commitResults(ctx context.Context, jobs []*queue.SegmentationJob, results []BatchResult, isRetry bool) {
	byImage := make(map[string]json.RawMessage, len(results))
	for _, r := range results {
		byImage[r.ImageID] = r.Polygons
	}

	retries := 0
	if isRetry {
		retries = 1
	}

	for _, job := range jobs {
		polygons, ok := byImage[job.ImageID]
		if !ok {
			p.failJob(ctx, job, "inference returned no result for image", job.RetryCount+retries)
			continue
		}
		if err := p.manager.CommitResult(ctx, job, polygons, job.RetryCount+retries); err != nil {
			p.logger.Warn("Failed to commit result",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			continue
		}
		p.metrics.jobsCompleted.Add(1)
	}
}

// failJob records a terminal failure and surfaces store errors instead of
// swallowing them; the CAS in the store still decides whether the write
// lands.
func (p *Pool) failJob(ctx context.Context, job *queue.SegmentationJob, reason string, retryCount int) {
	if err := p.manager.MarkFailed(ctx, job, reason, retryCount); err != nil {
		p.logger.Warn("Failed to record job failure",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}
	p.metrics.jobsFailed.Add(1)
}

// enforceMemoryCeiling samples device memory, warning above 90% and flushing
// above 95%. Workers call it after every batch so a saturated device is
// relieved before the next batch is admitted; the governor repeats it on a
// timer to cover idle periods.
func (p *Pool) enforceMemoryCeiling(ctx context.Context, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}

	stats, err := p.client.GetMemoryStats(ctx)
	if err != nil {
		logger.Warn("Failed to read device memory stats", slog.Any("error", err))
		return
	}

	usage := stats.Usage()
	switch {
	case usage >= memoryFlushFraction:
		logger.Warn("Device memory critical, flushing cache",
			slog.Float64("usage", usage),
			slog.Float64("allocated_mb", stats.AllocatedMB),
		)
		if err := p.client.Flush(ctx); err != nil {
			logger.Warn("Device flush failed", slog.Any("error", err))
		}
	case usage >= memoryWarnFraction:
		logger.Warn("Device memory high",
			slog.Float64("usage", usage),
			slog.Float64("allocated_mb", stats.AllocatedMB),
		)
	}
}

// runMemoryGovernor keeps sampling device memory while workers are idle and
// logs the pool counters each cycle.
func (p *Pool) runMemoryGovernor(ctx context.Context) {
	ticker := time.NewTicker(p.config.MemoryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		counters := p.metrics.snapshot()
		p.logger.Info("Inference pool status",
			slog.Int64("forward_passes", counters.ForwardPasses),
			slog.Int64("jobs_completed", counters.JobsCompleted),
			slog.Int64("jobs_failed", counters.JobsFailed),
			slog.Int64("oom_retries", counters.OOMRetries),
			slog.Int64("timeouts", counters.Timeouts),
		)

		p.enforceMemoryCeiling(ctx, p.logger)
	}
}

func splitByProfile(jobs []*queue.SegmentationJob) [][]*queue.SegmentationJob {
	var groups [][]*queue.SegmentationJob
	for _, job := range jobs {
		n := len(groups)
		if n > 0 {
			last := groups[n-1]
			if last[0].Model == job.Model && last[0].Threshold == job.Threshold {
				groups[n-1] = append(last, job)
				continue
			}
		}
		groups = append(groups, []*queue.SegmentationJob{job})
	}
	return groups
}
