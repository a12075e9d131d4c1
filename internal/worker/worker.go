package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/dispatch"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/export"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/infer"
	"github.com/michalprusek/cell-segmentation-hub-sub000/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	RabbitClient      *rabbitmq.Client
	Pool              *infer.Pool
	Processor         *export.Processor
	ExportParallelism int
}

// Worker consumes dispatch messages and drives the inference pool and the
// export processor. Segmentation messages are pure wake-ups; the pool claims
// work from the database. Export messages carry the job to process.
type Worker struct {
	logger            *slog.Logger
	rabbitClient      *rabbitmq.Client
	pool              *infer.Pool
	processor         *export.Processor
	exportParallelism int
	wg                sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	parallelism := cfg.ExportParallelism
	if parallelism < 1 {
		parallelism = 1
	}

	return &Worker{
		logger:            cfg.Logger,
		rabbitClient:      cfg.RabbitClient,
		pool:              cfg.Pool,
		processor:         cfg.Processor,
		exportParallelism: parallelism,
	}
}

// Start begins processing and blocks until ctx is cancelled and all loops
// have drained.
func (w *Worker) Start(ctx context.Context) error {
	segDeliveries, err := w.rabbitClient.Consume(dispatch.SegmentationQueue, "segmentation-consumer")
	if err != nil {
		return fmt.Errorf("failed to consume segmentation queue: %w", err)
	}

	exportDeliveries, err := w.rabbitClient.Consume(dispatch.ExportQueue, "export-consumer")
	if err != nil {
		return fmt.Errorf("failed to consume export queue: %w", err)
	}

	w.logger.Info("Worker started",
		slog.Int("export_parallelism", w.exportParallelism),
	)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pool.Run(ctx)
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.consumeSegmentation(ctx, segDeliveries)
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.consumeExports(ctx, exportDeliveries)
	}()

	w.wg.Wait()
	w.logger.Info("Worker stopped")
	return nil
}
