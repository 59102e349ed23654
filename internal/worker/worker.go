// Package worker runs the periodic routing sweep.
package worker

import (
	"context"
	"expvar"
	"log"
	"time"
)

var sweepAssigned = expvar.NewInt("router_sweep_assigned_total")

// Sweeper assigns waiting tickets across every auto-assign queue.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Worker struct {
	sweeper Sweeper
	timeout time.Duration
}

type Config struct {
	// Timeout bounds one sweep. Zero means 30s.
	Timeout time.Duration
}

func New(sweeper Sweeper, cfg Config) *Worker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Worker{sweeper: sweeper, timeout: timeout}
}

func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	assigned, err := w.sweeper.Sweep(ctx)
	if assigned > 0 {
		sweepAssigned.Add(int64(assigned))
		log.Printf("sweep assigned=%d", assigned)
	}
	return err
}

// Start runs the sweep every interval until ctx is done. A non-positive
// interval disables the sweep.
func Start(ctx context.Context, interval time.Duration, w *Worker) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Run(ctx); err != nil {
				log.Printf("sweep worker error: %v", err)
			}
		}
	}
}
