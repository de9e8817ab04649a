package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jengzang/trip-tracker/internal/timeutil"
)

// Worker runs sync passes on an interval and on demand
type Worker struct {
	rec      *Reconciler
	interval time.Duration
	clock    timeutil.Clock

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	last    *Report
	lastErr error
}

// NewWorker creates a worker. A nil clock uses wall time.
func NewWorker(rec *Reconciler, interval time.Duration, clock timeutil.Clock) *Worker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Worker{
		rec:      rec,
		interval: interval,
		clock:    clock,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run syncs once immediately and then every interval. It blocks until the
// context is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	defer func() {
		close(w.doneCh)
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if w.interval <= 0 {
		log.Printf("[Sync] Interval is zero or negative, worker not started")
		return nil
	}

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	log.Printf("[Sync] Worker started: interval=%v", w.interval)
	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Sync] Worker stopping")
			return nil
		case <-w.stopCh:
			log.Printf("[Sync] Worker stopped")
			return nil
		case <-ticker.C():
			w.RunOnce(ctx)
		}
	}
}

// Stop ends Run and waits for it to return. Safe to call more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	done := w.doneCh
	w.mu.Unlock()

	<-done
}

// IsRunning reports whether Run is active
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce performs one pass now and remembers its result
func (w *Worker) RunOnce(ctx context.Context) (*Report, error) {
	report, err := w.rec.SyncOnce(ctx)
	if err != nil && ctx.Err() == nil {
		log.Printf("[Sync] Pass failed: %v", err)
	}

	w.mu.Lock()
	w.last, w.lastErr = report, err
	w.mu.Unlock()
	return report, err
}

// Last returns the result of the most recent pass
func (w *Worker) Last() (*Report, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.lastErr
}
