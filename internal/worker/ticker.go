// Package worker runs periodic background maintenance jobs.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// Job is a unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the job once before the first tick.
	RunAtStart bool
	Run        func(ctx context.Context)
}

// Start runs job on its own goroutine every Interval until ctx is done. The
// returned channel is closed once the goroutine has exited.
func Start(ctx context.Context, job Job) <-chan struct{} {
	done := make(chan struct{})
	if job.Interval <= 0 || job.Run == nil {
		close(done)
		return done
	}

	ticker := time.NewTicker(job.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Worker started", "job", job.Name, "interval", job.Interval)

		if job.RunAtStart {
			runOnce(ctx, job)
		}
		for {
			select {
			case <-ticker.C:
				runOnce(ctx, job)
			case <-ctx.Done():
				slog.Info("Worker shutting down", "job", job.Name, "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func runOnce(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Worker job panicked", "job", job.Name, "panic", r)
		}
	}()
	job.Run(ctx)
}
