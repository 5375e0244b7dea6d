package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestStart_RunsUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32

	done := Start(ctx, Job{
		Name:       "count",
		Interval:   5 * time.Millisecond,
		RunAtStart: true,
		Run:        func(context.Context) { runs.Add(1) },
	})

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("Expected at least 3 runs, got %d", runs.Load())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Worker did not stop after cancel")
	}
}

func TestStart_SurvivesPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var runs atomic.Int32

	Start(ctx, Job{
		Name:     "panicky",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) {
			runs.Add(1)
			panic("boom")
		},
	})

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("Expected the worker to keep ticking after a panic, got %d runs", runs.Load())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestStart_DisabledJob(t *testing.T) {
	done := Start(context.Background(), Job{Name: "off"})
	select {
	case <-done:
	default:
		t.Fatal("Expected a job without interval to be closed immediately")
	}
}
