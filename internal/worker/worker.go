// Package worker consumes ingestion jobs from Redis and runs the pipeline.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"newspulse/internal/pipeline"
)

// Runner executes one ingestion run. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, categories []string) pipeline.Report
}

type Worker struct {
	queue  *Queue
	runner Runner
	logger *zap.Logger
}

func NewWorker(queue *Queue, runner Runner, logger *zap.Logger) *Worker {
	return &Worker{
		queue:  queue,
		runner: runner,
		logger: logger,
	}
}

// Start runs the worker loop until ctx is cancelled. Jobs run one at a time.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Worker started. Waiting for jobs...")

	for {
		job, err := w.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Worker shutting down")
				return
			}
			if errors.Is(err, errNoJob) {
				continue
			}
			w.logger.Error("Queue error", zap.Error(err))
			select {
			case <-ctx.Done():
				w.logger.Info("Worker shutting down")
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job Job) {
	logger := w.logger.With(zap.String("job_id", job.ID.String()))
	logger.Info("Processing started", zap.Strings("categories", job.Categories), zap.String("origin", job.Origin))

	started := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &started
	if err := w.queue.Save(ctx, job); err != nil {
		logger.Warn("Failed to mark job running", zap.Error(err))
	}

	report := w.runner.Run(ctx, job.Categories)

	finished := time.Now().UTC()
	job.FinishedAt = &finished
	job.Report = &report
	job.Status = StatusDone
	if report.Stored == 0 && (report.Failed > 0 || report.FetchErrors > 0) {
		job.Status = StatusFailed
	}

	// The run may have ended because ctx was cancelled; the record still gets written.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.queue.Save(saveCtx, job); err != nil {
		logger.Error("Failed to save job result", zap.Error(err))
	}
	if err := w.queue.SetLastReport(saveCtx, report); err != nil {
		logger.Error("Failed to save report", zap.Error(err))
	}

	logger.Info("Processing complete", zap.String("status", string(job.Status)), zap.Stringer("report", report))
}

// Schedule enqueues a run for categories every interval until ctx is done.
func Schedule(ctx context.Context, queue *Queue, interval time.Duration, categories []string, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Scheduler started", zap.Duration("interval", interval), zap.Strings("categories", categories))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := queue.Pending(ctx)
			if err == nil && pending > 0 {
				logger.Debug("Skipping scheduled run, queue not empty", zap.Int64("pending", pending))
				continue
			}
			job, err := queue.Enqueue(ctx, categories, "schedule")
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("Failed to enqueue scheduled run", zap.Error(err))
				}
				continue
			}
			logger.Info("Scheduled run queued", zap.String("job_id", job.ID.String()))
		}
	}
}
