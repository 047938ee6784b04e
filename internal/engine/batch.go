package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
)

// BatchOptions configures batch classification behavior.
type BatchOptions struct {
	// Progress is called once per finished snapshot.
	Progress        func()
	ParallelWorkers int
}

// BatchResult contains the classification result for one snapshot.
type BatchResult struct {
	Error    error
	Result   *Result
	RecordID string
}

// ClassifyBatch classifies snapshots with a pool of workers and summarizes the run.
func (c *HierarchicalClassifier) ClassifyBatch(ctx context.Context, snapshots []model.Snapshot, opts BatchOptions) (*service.ClassificationStats, error) {
	startTime := time.Now()
	stats := &service.ClassificationStats{Submitted: len(snapshots)}
	if len(snapshots) == 0 {
		return stats, nil
	}

	workers := opts.ParallelWorkers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	workers = min(workers, len(snapshots))

	slog.Info("Starting batch classification",
		"snapshots", len(snapshots),
		"workers", workers)

	workChan := make(chan model.Snapshot)
	resultsChan := make(chan BatchResult)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for snap := range workChan {
				res, err := c.Classify(ctx, snap)
				resultsChan <- BatchResult{RecordID: snap.RecordID, Result: res, Error: err}
			}
		}()
	}

	go func() {
		defer close(workChan)
		for _, snap := range snapshots {
			select {
			case workChan <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for workers and close results
	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	for result := range resultsChan {
		tally(stats, result)
		if opts.Progress != nil {
			opts.Progress()
		}
	}
	stats.Duration = time.Since(startTime)

	slog.Info("Batch classification complete",
		"submitted", stats.Submitted,
		"auto_applied", stats.AutoApplied,
		"pending", stats.Pending,
		"needs_review", stats.NeedsReview,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"duration", stats.Duration)

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

func tally(stats *service.ClassificationStats, result BatchResult) {
	switch {
	case errors.Is(result.Error, common.ErrIneligibleDocument), errors.Is(result.Error, common.ErrExtractionIncomplete):
		stats.Skipped++
		return
	case result.Error != nil:
		stats.Failed++
		slog.Warn("Failed to classify snapshot",
			"record_id", result.RecordID,
			"error", result.Error)
		return
	case result.Result == nil || result.Result.Unchanged:
		stats.Skipped++
		return
	}

	if result.Result.AutoApplied {
		stats.AutoApplied++
	}
	switch result.Result.Record.Status {
	case model.StatusPending:
		stats.Pending++
	case model.StatusNeedsReview:
		stats.NeedsReview++
	case model.StatusFailed:
		stats.Failed++
	}
}
