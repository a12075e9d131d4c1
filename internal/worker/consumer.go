package worker

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/dispatch"
)

// consumeSegmentation turns dispatch messages into pool wake-ups. The message
// carries no work itself; the pool claims jobs from the database, so a lost
// or duplicated message is harmless.
func (w *Worker) consumeSegmentation(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Segmentation dispatcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Segmentation dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Segmentation delivery channel closed")
				return
			}

			msg, err := dispatch.Decode(delivery.Body)
			if err != nil {
				w.logger.Error("Failed to parse segmentation dispatch",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// NACK without requeue - malformed messages should go to DLQ
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if ackErr := delivery.Ack(false); ackErr != nil {
				w.logger.Error("Failed to ACK segmentation dispatch",
					slog.String("error", ackErr.Error()),
				)
			}

			w.logger.Debug("Segmentation dispatch received",
				slog.String("job_id", msg.JobID),
			)
			w.pool.Notify()
		}
	}
}

// consumeExports runs export jobs with bounded parallelism. The delivery is
// acked only after the processor drove the job to a terminal state, so a
// worker crash mid-export redelivers the message and the claim CAS decides
// who owns the retry.
func (w *Worker) consumeExports(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Export dispatcher started")

	sem := make(chan struct{}, w.exportParallelism)
	var inFlight sync.WaitGroup

	defer func() {
		inFlight.Wait()
		w.logger.Info("Export dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Export delivery channel closed")
				return
			}

			msg, err := dispatch.Decode(delivery.Body)
			if err != nil {
				w.logger.Error("Failed to parse export dispatch",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}

			inFlight.Add(1)
			go func(delivery amqp.Delivery, jobID string) {
				defer inFlight.Done()
				defer func() { <-sem }()

				if err := w.processor.Process(ctx, jobID); err != nil {
					w.logger.Error("Export processing failed",
						slog.String("job_id", jobID),
						slog.String("error", err.Error()),
					)
					// Requeue: the claim CAS makes redelivery safe.
					if nackErr := delivery.Nack(false, true); nackErr != nil {
						w.logger.Error("Failed to NACK export dispatch",
							slog.String("error", nackErr.Error()),
						)
					}
					return
				}

				if ackErr := delivery.Ack(false); ackErr != nil {
					w.logger.Error("Failed to ACK export dispatch",
						slog.String("error", ackErr.Error()),
					)
				}
			}(delivery, msg.JobID)
		}
	}
}
