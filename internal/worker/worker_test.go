package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSweeper struct {
	calls atomic.Int32
	sweep func(ctx context.Context) (int, error)
}

func (f *fakeSweeper) Sweep(ctx context.Context) (int, error) {
	f.calls.Add(1)
	if f.sweep == nil {
		return 0, nil
	}
	return f.sweep(ctx)
}

func TestRunBoundsSweep(t *testing.T) {
	sweeper := &fakeSweeper{sweep: func(ctx context.Context) (int, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Fatal("expected sweep context to carry a deadline")
		}
		return 2, nil
	}}
	if err := New(sweeper, Config{Timeout: time.Second}).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunReturnsSweepError(t *testing.T) {
	boom := errors.New("store down")
	sweeper := &fakeSweeper{sweep: func(ctx context.Context) (int, error) { return 0, boom }}
	if err := New(sweeper, Config{}).Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestStartTicksUntilCancelled(t *testing.T) {
	sweeper := &fakeSweeper{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Start(ctx, 5*time.Millisecond, New(sweeper, Config{}))
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("sweep did not run twice")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestStartDisabled(t *testing.T) {
	sweeper := &fakeSweeper{}
	Start(context.Background(), 0, New(sweeper, Config{}))
	if sweeper.calls.Load() != 0 {
		t.Fatalf("expected no sweeps, got %d", sweeper.calls.Load())
	}
}
