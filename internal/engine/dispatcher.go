package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"golang.org/x/sync/singleflight"
)

// DefaultWorkers bounds concurrent classifications.
const DefaultWorkers = 4

// Runner classifies one snapshot. *HierarchicalClassifier implements it.
type Runner interface {
	Classify(ctx context.Context, snap model.Snapshot) (*Result, error)
	Reset(ctx context.Context, recordID string) (*model.ClassificationRecord, error)
}

// DispatcherOptions configures the dispatcher.
type DispatcherOptions struct {
	// OnDone is called after every background task.
	OnDone  func(recordID string, res *Result, err error)
	Workers int
}

// Dispatcher runs classifications in the background with at most one task
// per record at a time.
type Dispatcher struct {
	ctx      context.Context
	runner   Runner
	logger   *slog.Logger
	sem      chan struct{}
	inflight map[string]struct{}
	onDone   func(string, *Result, error)
	cancel   context.CancelFunc
	group    singleflight.Group
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// NewDispatcher creates a dispatcher around runner.
func NewDispatcher(runner Runner, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		ctx:      ctx,
		cancel:   cancel,
		runner:   runner,
		logger:   logger,
		sem:      make(chan struct{}, opts.Workers),
		inflight: make(map[string]struct{}),
		onDone:   opts.OnDone,
	}
}

// Submit schedules a snapshot and returns immediately. It reports false when
// the record already has a task in flight or the dispatcher is closed.
func (d *Dispatcher) Submit(snap model.Snapshot) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if _, busy := d.inflight[snap.RecordID]; busy {
		d.mu.Unlock()
		d.logger.Debug("Classification already in flight", "record_id", snap.RecordID)
		return false
	}
	d.inflight[snap.RecordID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.work(snap)
	return true
}

func (d *Dispatcher) work(snap model.Snapshot) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, snap.RecordID)
		d.mu.Unlock()
	}()

	select {
	case d.sem <- struct{}{}:
	case <-d.ctx.Done():
		d.finish(snap.RecordID, nil, d.ctx.Err())
		return
	}
	defer func() { <-d.sem }()

	res, err := d.ClassifyNow(d.ctx, snap)
	d.finish(snap.RecordID, res, err)
}

func (d *Dispatcher) finish(recordID string, res *Result, err error) {
	switch {
	case err == nil:
	case errors.Is(err, common.ErrIneligibleDocument), errors.Is(err, common.ErrExtractionIncomplete):
		d.logger.Debug("Classification skipped", "record_id", recordID, "reason", err)
	default:
		phase, _ := common.PhaseOf(err)
		d.logger.Error("Background classification failed",
			"record_id", recordID,
			"phase", phase,
			"error", err)
	}
	if d.onDone != nil {
		d.onDone(recordID, res, err)
	}
}

// ClassifyNow classifies synchronously. Concurrent calls for the same record
// share one execution.
func (d *Dispatcher) ClassifyNow(ctx context.Context, snap model.Snapshot) (*Result, error) {
	v, err, shared := d.group.Do(snap.RecordID, func() (any, error) {
		return d.runner.Classify(ctx, snap)
	})
	if shared {
		d.logger.Debug("Joined in-flight classification", "record_id", snap.RecordID)
	}
	res, _ := v.(*Result)
	return res, err
}

// Reclassify resets a failed or needs_review record to pending and schedules
// it again from its stored snapshot.
func (d *Dispatcher) Reclassify(ctx context.Context, recordID string) (*model.ClassificationRecord, error) {
	rec, err := d.runner.Reset(ctx, recordID)
	if err != nil {
		return nil, err
	}
	snap := rec.Snapshot
	if snap.RecordID == "" {
		snap.RecordID = rec.ID
	}
	d.Submit(snap)
	return rec, nil
}

// Close stops accepting work and waits for in-flight tasks to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
}

// Shutdown is Close bounded by ctx; tasks still running when ctx ends are canceled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
