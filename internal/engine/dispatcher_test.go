package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// Correction memory starts a cache janitor that lives until the cache is collected.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))
}

type blockingRunner struct {
	release chan struct{}
	started chan string
	resets  map[string]*model.ClassificationRecord
	calls   atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		release: make(chan struct{}),
		started: make(chan string, 16),
		resets:  make(map[string]*model.ClassificationRecord),
	}
}

func (r *blockingRunner) Classify(ctx context.Context, snap model.Snapshot) (*Result, error) {
	r.calls.Add(1)
	r.started <- snap.RecordID
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	rec := model.NewPendingRecord(snap, time.Now().UTC())
	return &Result{Record: rec}, nil
}

func (r *blockingRunner) Reset(_ context.Context, recordID string) (*model.ClassificationRecord, error) {
	rec, ok := r.resets[recordID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return rec, nil
}

type doneLog struct {
	errs map[string]error
	mu   sync.Mutex
}

func (l *doneLog) record(recordID string, _ *Result, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.errs == nil {
		l.errs = make(map[string]error)
	}
	l.errs[recordID] = err
}

func (l *doneLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}

func TestDispatcher_SubmitAndClose(t *testing.T) {
	runner := newBlockingRunner()
	var done doneLog
	d := NewDispatcher(runner, DispatcherOptions{Workers: 2, OnDone: done.record}, nil)

	assert.True(t, d.Submit(testutil.ElectricitySnapshot("doc-1", testutil.OrgServices)))
	assert.True(t, d.Submit(testutil.MarketingSnapshot("doc-2", testutil.OrgServices)))

	close(runner.release)
	d.Close()

	assert.Equal(t, 2, done.len())
	assert.NoError(t, done.errs["doc-1"])
	assert.NoError(t, done.errs["doc-2"])
	assert.False(t, d.Submit(testutil.ElectricitySnapshot("doc-3", testutil.OrgServices)), "closed dispatcher rejects work")
}

func TestDispatcher_OneTaskPerRecord(t *testing.T) {
	runner := newBlockingRunner()
	d := NewDispatcher(runner, DispatcherOptions{Workers: 4}, nil)
	snap := testutil.ElectricitySnapshot("doc-1", testutil.OrgServices)

	require.True(t, d.Submit(snap))
	assert.Equal(t, "doc-1", <-runner.started)
	assert.False(t, d.Submit(snap), "second submit while in flight")

	close(runner.release)
	d.Close()
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestDispatcher_ClassifyNowSharesExecution(t *testing.T) {
	runner := newBlockingRunner()
	d := NewDispatcher(runner, DispatcherOptions{}, nil)
	defer d.Close()
	snap := testutil.ElectricitySnapshot("doc-1", testutil.OrgServices)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = d.ClassifyNow(context.Background(), snap)
	}()
	<-runner.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = d.ClassifyNow(context.Background(), snap)
	}()
	// Give the second caller time to join the first.
	time.Sleep(20 * time.Millisecond)
	close(runner.release)
	wg.Wait()

	assert.Equal(t, int32(1), runner.calls.Load())
	require.NotNil(t, results[0])
	assert.Same(t, results[0], results[1])
}

func TestDispatcher_Reclassify(t *testing.T) {
	runner := newBlockingRunner()
	snap := testutil.ElectricitySnapshot("doc-1", testutil.OrgServices)
	runner.resets["doc-1"] = model.NewPendingRecord(snap, time.Now().UTC())
	var done doneLog
	d := NewDispatcher(runner, DispatcherOptions{OnDone: done.record}, nil)

	rec, err := d.Reclassify(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, "doc-1", <-runner.started)

	_, err = d.Reclassify(context.Background(), "doc-missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	close(runner.release)
	d.Close()
	assert.Equal(t, 1, done.len())
}

func TestDispatcher_ShutdownCancelsRunningTasks(t *testing.T) {
	runner := newBlockingRunner()
	var done doneLog
	d := NewDispatcher(runner, DispatcherOptions{OnDone: done.record}, nil)

	require.True(t, d.Submit(testutil.ElectricitySnapshot("doc-1", testutil.OrgServices)))
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, done.errs["doc-1"], context.Canceled)
}
