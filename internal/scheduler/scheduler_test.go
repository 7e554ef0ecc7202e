package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/cloud-importer/internal/errors"
	"github.com/cloud-importer/internal/models"
	"github.com/cloud-importer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory engine: every item succeeds until the quota
// runs out
type fakeBackend struct {
	mu          sync.Mutex
	total       int
	cursor      int
	quota       int
	status      types.JobStatus
	stepDelay   time.Duration
	stepErrs    []error
	statusErr   error
	steps       int
	polls       int
	outstanding int
	maxOut      int
	pollInStep  bool
}

func newFakeBackend(total int) *fakeBackend {
	return &fakeBackend{total: total, quota: 1 << 20, status: types.JobStatusProcessing}
}

func (f *fakeBackend) viewLocked() *models.JobStatusView {
	done := f.cursor >= f.total && f.status == types.JobStatusProcessing
	view := &models.JobStatusView{
		JobID:          "job-1",
		Status:         f.status,
		Cursor:         f.cursor,
		TotalCount:     f.total,
		Counters:       models.Counters{Processed: f.cursor, Successful: f.cursor},
		Percentage:     models.Percentage(f.cursor, f.total),
		Completed:      done,
		QuotaExhausted: !done && f.quota <= 0,
		QuotaRemaining: f.quota,
	}
	if done {
		view.Status = types.JobStatusCompleted
	}
	return view
}

func (f *fakeBackend) GetStatus(_ context.Context, _ string) (*models.JobStatusView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.outstanding > 0 {
		f.pollInStep = true
	}
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.viewLocked(), nil
}

func (f *fakeBackend) RunBatchStep(ctx context.Context, _ string, batchSize int) (*models.StepResult, error) {
	f.mu.Lock()
	f.outstanding++
	if f.outstanding > f.maxOut {
		f.maxOut = f.outstanding
	}
	delay := f.stepDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.outstanding--
	f.steps++
	if len(f.stepErrs) > 0 {
		err := f.stepErrs[0]
		f.stepErrs = f.stepErrs[1:]
		return nil, err
	}
	if f.status == types.JobStatusCancelled {
		return nil, apperrors.NewJobNotProcessingError("job-1", f.status)
	}

	n := batchSize
	if rem := f.total - f.cursor; rem < n {
		n = rem
	}
	if f.quota < n {
		n = f.quota
	}
	f.cursor += n
	f.quota -= n

	view := f.viewLocked()
	return &models.StepResult{
		JobID:          "job-1",
		Batch:          &models.BatchResult{Processed: n, Successful: n},
		Progress:       models.Progress{Current: view.Cursor, Total: view.TotalCount, Percentage: view.Percentage, Counters: view.Counters},
		Completed:      view.Completed,
		QuotaExhausted: view.QuotaExhausted,
		QuotaRemaining: f.quota,
	}, nil
}

func (f *fakeBackend) stepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.steps
}

func (f *fakeBackend) flightStats() (maxOut int, pollInStep bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOut, f.pollInStep
}

func fastConfig() Config {
	return Config{
		PollInterval:      10 * time.Millisecond,
		FirstPollDelay:    5 * time.Millisecond,
		FirstTriggerDelay: 5 * time.Millisecond,
		StepTimeout:       time.Second,
		BatchSize:         2,
	}
}

func waitDone(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestScheduler_RunsToCompletion(t *testing.T) {
	backend := newFakeBackend(7)
	s := New(backend, fastConfig())

	var mu sync.Mutex
	var seen []Snapshot
	s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		seen = append(seen, snap)
		mu.Unlock()
	})

	require.NoError(t, s.Start(context.Background(), "job-1", 7))
	waitDone(t, s)

	snap := s.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, 7, snap.Cursor)
	assert.Equal(t, 100, snap.Percentage)
	assert.Equal(t, "Import completed! 7 successful, 0 failed, 0 skipped.", snap.Message)
	maxOut, _ := backend.flightStats()
	assert.Equal(t, 1, maxOut)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, StateRunning, seen[0].State)
	assert.Equal(t, StateCompleted, seen[len(seen)-1].State)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i].Cursor, seen[i-1].Cursor)
	}
}

func TestScheduler_EmptyJobSendsNoStep(t *testing.T) {
	backend := newFakeBackend(0)
	cfg := fastConfig()
	cfg.FirstTriggerDelay = time.Millisecond
	cfg.FirstPollDelay = 20 * time.Millisecond
	s := New(backend, cfg)

	require.NoError(t, s.Start(context.Background(), "job-1", 0))
	waitDone(t, s)

	assert.Equal(t, StateCompleted, s.Snapshot().State)
	assert.Equal(t, 0, backend.stepCount())
}

func TestScheduler_SingleFlight(t *testing.T) {
	backend := newFakeBackend(10)
	backend.stepDelay = 30 * time.Millisecond
	cfg := fastConfig()
	cfg.PollInterval = 2 * time.Millisecond
	cfg.FirstPollDelay = 15 * time.Millisecond
	s := New(backend, cfg)

	require.NoError(t, s.Start(context.Background(), "job-1", 10))
	waitDone(t, s)

	assert.Equal(t, StateCompleted, s.State())
	maxOut, pollInStep := backend.flightStats()
	assert.Equal(t, 1, maxOut, "never more than one step outstanding")
	assert.False(t, pollInStep, "polls are skipped while a step is outstanding")
	assert.Equal(t, 5, backend.stepCount())
}

func TestScheduler_BlocksOnQuota(t *testing.T) {
	backend := newFakeBackend(10)
	backend.quota = 3
	s := New(backend, fastConfig())

	require.NoError(t, s.Start(context.Background(), "job-1", 10))
	waitDone(t, s)

	snap := s.Snapshot()
	assert.Equal(t, StateBlocked, snap.State)
	assert.Equal(t, 3, snap.Cursor)
	assert.True(t, snap.State.IsTerminal())
}

func TestScheduler_PauseAndResume(t *testing.T) {
	backend := newFakeBackend(8)
	backend.stepDelay = 10 * time.Millisecond
	s := New(backend, fastConfig())
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, "job-1", 8))
	select {
	case <-s.Results():
	case <-time.After(5 * time.Second):
		t.Fatal("no step result")
	}
	require.NoError(t, s.Pause())
	assert.Equal(t, StatePaused, s.State())

	// let any step that was already in flight land
	time.Sleep(50 * time.Millisecond)
	steps := backend.stepCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, steps, backend.stepCount(), "no steps while paused")
	assert.Equal(t, StatePaused, s.State())

	assert.ErrorIs(t, s.Pause(), ErrInvalidState)
	require.NoError(t, s.Resume())
	waitDone(t, s)
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, 8, s.Snapshot().Cursor)
}

func TestScheduler_CancelRequiresConfirmation(t *testing.T) {
	backend := newFakeBackend(100)
	backend.stepDelay = 10 * time.Millisecond
	s := New(backend, fastConfig())

	require.NoError(t, s.Start(context.Background(), "job-1", 100))
	<-s.Results()

	assert.ErrorIs(t, s.Cancel(func() bool { return false }), ErrNotConfirmed)
	assert.ErrorIs(t, s.Cancel(nil), ErrNotConfirmed)
	assert.Equal(t, StateRunning, s.State())

	require.NoError(t, s.Cancel(func() bool { return true }))
	waitDone(t, s)
	assert.Equal(t, StateCancelled, s.State())

	steps := backend.stepCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, steps, backend.stepCount(), "no steps after cancel")
	assert.Less(t, s.Snapshot().Cursor, 100)

	backend.mu.Lock()
	assert.Equal(t, types.JobStatusProcessing, backend.status, "cancel sends nothing to the backend")
	backend.mu.Unlock()

	assert.ErrorIs(t, s.Cancel(func() bool { return true }), ErrInvalidState)
}

func TestScheduler_Attach(t *testing.T) {
	backend := newFakeBackend(6)
	backend.cursor = 4
	backend.stepDelay = 20 * time.Millisecond
	s := New(backend, fastConfig())

	require.NoError(t, s.Attach(context.Background(), "job-1"))
	snap := s.Snapshot()
	assert.Equal(t, 4, snap.Cursor)
	assert.Equal(t, 6, snap.Total)

	waitDone(t, s)
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, 1, backend.stepCount())
}

func TestScheduler_AttachToFinishedJob(t *testing.T) {
	backend := newFakeBackend(3)
	backend.cursor = 3
	s := New(backend, fastConfig())

	require.NoError(t, s.Attach(context.Background(), "job-1"))
	assert.Equal(t, StateCompleted, s.State())
	waitDone(t, s)
	assert.Equal(t, 0, backend.stepCount())
}

func TestScheduler_AttachUnknownJob(t *testing.T) {
	backend := newFakeBackend(3)
	backend.statusErr = apperrors.NewJobNotFoundError("job-1")
	s := New(backend, fastConfig())

	err := s.Attach(context.Background(), "job-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestScheduler_RetriesAfterBusyAndTransportErrors(t *testing.T) {
	backend := newFakeBackend(4)
	backend.stepErrs = []error{
		apperrors.NewJobBusyError("job-1"),
		errors.New("connection refused"),
	}
	s := New(backend, fastConfig())

	require.NoError(t, s.Start(context.Background(), "job-1", 4))
	waitDone(t, s)

	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, 4, backend.stepCount())
	assert.Empty(t, s.Snapshot().LastError)
}

func TestScheduler_FailsWhenCancelledElsewhere(t *testing.T) {
	backend := newFakeBackend(10)
	backend.status = types.JobStatusCancelled
	s := New(backend, fastConfig())

	require.NoError(t, s.Start(context.Background(), "job-1", 10))
	waitDone(t, s)
	assert.Equal(t, StateFailed, s.State())
}

func TestScheduler_InvalidTransitions(t *testing.T) {
	s := New(newFakeBackend(1), fastConfig())

	assert.ErrorIs(t, s.Pause(), ErrInvalidState)
	assert.ErrorIs(t, s.Resume(), ErrInvalidState)
	assert.ErrorIs(t, s.Cancel(func() bool { return true }), ErrInvalidState)

	require.NoError(t, s.Start(context.Background(), "job-1", 1))
	assert.ErrorIs(t, s.Start(context.Background(), "job-1", 1), ErrInvalidState)
	assert.ErrorIs(t, s.Attach(context.Background(), "job-1"), ErrInvalidState)
	waitDone(t, s)
}
