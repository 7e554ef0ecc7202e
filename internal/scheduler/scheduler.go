// Package scheduler drives an import job from the client side: it polls job
// status and triggers one batch step at a time until the job finishes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/cloud-importer/internal/errors"
	"github.com/cloud-importer/internal/logging"
	"github.com/cloud-importer/internal/models"
	"github.com/cloud-importer/internal/types"
)

// State is the lifecycle state of a scheduler
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateBlocked   State = "blocked"
	StateFailed    State = "failed"
)

// IsTerminal reports whether the scheduler can no longer move
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateBlocked, StateFailed:
		return true
	}
	return false
}

var (
	// ErrInvalidState is returned when an operation is not allowed in the current state
	ErrInvalidState = errors.New("invalid scheduler state")

	// ErrNotConfirmed is returned when a cancel was not confirmed
	ErrNotConfirmed = errors.New("cancel not confirmed")
)

// Backend is the import engine as seen by the client
type Backend interface {
	GetStatus(ctx context.Context, jobID string) (*models.JobStatusView, error)
	RunBatchStep(ctx context.Context, jobID string, batchSize int) (*models.StepResult, error)
}

// Config holds scheduler timings
type Config struct {
	PollInterval      time.Duration
	FirstPollDelay    time.Duration
	FirstTriggerDelay time.Duration
	StepTimeout       time.Duration
	BatchSize         int
}

// DefaultConfig returns the stock timings
func DefaultConfig() Config {
	return Config{
		PollInterval:      3 * time.Second,
		FirstPollDelay:    time.Second,
		FirstTriggerDelay: 1500 * time.Millisecond,
		StepTimeout:       5 * time.Minute,
		BatchSize:         25,
	}
}

// Snapshot is what observers see after every change
type Snapshot struct {
	JobID      string          `json:"jobId"`
	State      State           `json:"state"`
	Cursor     int             `json:"cursor"`
	Total      int             `json:"total"`
	Counters   models.Counters `json:"counters"`
	Percentage int             `json:"percentage"`
	InFlight   bool            `json:"inFlight"`
	Message    string          `json:"message,omitempty"`
	LastError  string          `json:"lastError,omitempty"`

	seq uint64
}

// Observer is called with a copy of the state. It must not block.
type Observer func(Snapshot)

// Scheduler runs a single job. It is not reusable.
type Scheduler struct {
	backend Backend
	cfg     Config
	logger  *logging.Logger

	mu        sync.Mutex
	snap      Snapshot
	baseCtx   context.Context
	stopPoll  context.CancelFunc
	observers []Observer
	results   chan *models.StepResult
	doneCh    chan struct{}
	wg        sync.WaitGroup

	seq      uint64
	notifyMu sync.Mutex
	notified uint64
}

// New creates an idle scheduler
func New(backend Backend, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FirstPollDelay <= 0 {
		cfg.FirstPollDelay = def.FirstPollDelay
	}
	if cfg.FirstTriggerDelay <= 0 {
		cfg.FirstTriggerDelay = def.FirstTriggerDelay
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Scheduler{
		backend: backend,
		cfg:     cfg,
		logger:  logging.GetGlobalLogger().WithComponent("scheduler"),
		snap:    Snapshot{State: StateIdle},
		results: make(chan *models.StepResult, 1),
		doneCh:  make(chan struct{}),
	}
}

// Subscribe registers an observer. Observers run on the scheduler's goroutines.
func (s *Scheduler) Subscribe(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// Results delivers step responses. When the reader falls behind only the
// newest result is kept.
func (s *Scheduler) Results() <-chan *models.StepResult {
	return s.results
}

// Done is closed once the scheduler reaches a terminal state
func (s *Scheduler) Done() <-chan struct{} {
	return s.doneCh
}

// Snapshot returns the current state
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// State returns the current lifecycle state
func (s *Scheduler) State() State {
	return s.Snapshot().State
}

// Start begins driving a freshly created job
func (s *Scheduler) Start(ctx context.Context, jobID string, total int) error {
	s.mu.Lock()
	if s.snap.State != StateIdle {
		state := s.snap.State
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, state)
	}
	s.baseCtx = ctx
	s.logger = logging.FromContext(ctx).WithComponent("scheduler").WithJob(jobID)
	s.snap.JobID = jobID
	s.snap.Total = total
	s.snap.State = StateRunning
	if total == 0 {
		s.snap.Percentage = 100
	}
	s.startPollingLocked(s.cfg.FirstPollDelay)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.WithField("total", total).Info("Scheduler started")
	s.notify(snap)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(s.cfg.FirstTriggerDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-s.doneCh:
		case <-t.C:
			s.mu.Lock()
			s.triggerLocked()
			snap := s.snapshotLocked()
			s.mu.Unlock()
			s.notify(snap)
		}
	}()
	return nil
}

// Attach rebuilds the scheduler from a status query, for a job started
// elsewhere or before a restart
func (s *Scheduler) Attach(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if s.snap.State != StateIdle {
		state := s.snap.State
		s.mu.Unlock()
		return fmt.Errorf("%w: attach from %s", ErrInvalidState, state)
	}
	s.baseCtx = ctx
	s.logger = logging.FromContext(ctx).WithComponent("scheduler").WithJob(jobID)
	s.snap.JobID = jobID
	s.mu.Unlock()

	status, err := s.backend.GetStatus(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to attach to job %s: %w", jobID, err)
	}

	s.mu.Lock()
	s.snap.State = StateRunning
	s.startPollingLocked(s.cfg.PollInterval)
	s.applyStatusLocked(status)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"cursor": status.Cursor,
		"total":  status.TotalCount,
		"state":  snap.State,
	}).Info("Scheduler attached")
	s.notify(snap)
	return nil
}

// Pause stops polling and triggering. A step already in flight still
// completes and its progress is recorded.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	if s.snap.State != StateRunning {
		state := s.snap.State
		s.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, state)
	}
	s.snap.State = StatePaused
	s.stopPollingLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("Scheduler paused")
	s.notify(snap)
	return nil
}

// Resume restarts polling. The next step is triggered by a poll.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	if s.snap.State != StatePaused {
		state := s.snap.State
		s.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, state)
	}
	s.snap.State = StateRunning
	s.startPollingLocked(s.cfg.PollInterval)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("Scheduler resumed")
	s.notify(snap)
	return nil
}

// Cancel stops the scheduler for good once confirm returns true. It sends
// nothing to the backend; committed batches stay committed.
func (s *Scheduler) Cancel(confirm func() bool) error {
	s.mu.Lock()
	state := s.snap.State
	s.mu.Unlock()
	if state != StateRunning && state != StatePaused {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidState, state)
	}

	if confirm == nil || !confirm() {
		return ErrNotConfirmed
	}

	s.mu.Lock()
	if s.snap.State.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: cancel from %s", ErrInvalidState, s.snap.State)
	}
	s.finishLocked(StateCancelled, "Import cancelled.")
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.WithField("cursor", snap.Cursor).Info("Scheduler cancelled")
	s.notify(snap)
	return nil
}

// Wait blocks until the scheduler is terminal and its goroutines have exited
func (s *Scheduler) Wait(ctx context.Context) error {
	select {
	case <-s.doneCh:
		s.wg.Wait()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) startPollingLocked(firstDelay time.Duration) {
	pollCtx, cancel := context.WithCancel(s.baseCtx)
	s.stopPoll = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(pollCtx, firstDelay)
	}()
}

func (s *Scheduler) stopPollingLocked() {
	if s.stopPoll != nil {
		s.stopPoll()
		s.stopPoll = nil
	}
}

func (s *Scheduler) pollLoop(ctx context.Context, firstDelay time.Duration) {
	timer := time.NewTimer(firstDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.poll(ctx)
			timer.Reset(s.cfg.PollInterval)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	s.mu.Lock()
	if s.snap.State != StateRunning || s.snap.InFlight {
		s.mu.Unlock()
		return
	}
	jobID := s.snap.JobID
	s.mu.Unlock()

	status, err := s.backend.GetStatus(ctx, jobID)
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.snap.State != StateRunning {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.handleErrorLocked(err)
	} else {
		s.snap.LastError = ""
		s.applyStatusLocked(status)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// applyStatusLocked folds a status answer into the snapshot and triggers the
// next step when work remains
func (s *Scheduler) applyStatusLocked(status *models.JobStatusView) {
	s.setProgressLocked(status.Cursor, status.TotalCount, status.Counters, status.Percentage)

	switch {
	case status.Completed:
		s.finishLocked(StateCompleted, completionMessage(status.Counters))
	case status.Status == types.JobStatusCancelled:
		s.finishLocked(StateFailed, "Import was cancelled.")
	case status.QuotaExhausted:
		s.finishLocked(StateBlocked, "Monthly import limit reached. Upgrade to continue importing.")
	default:
		s.triggerLocked()
	}
}

func (s *Scheduler) setProgressLocked(cursor, total int, c models.Counters, pct int) {
	// Responses can arrive out of order; progress only moves forward
	if cursor < s.snap.Cursor {
		return
	}
	s.snap.Cursor = cursor
	s.snap.Total = total
	s.snap.Counters = c
	s.snap.Percentage = pct
}

// triggerLocked sends the next step unless one is already outstanding
func (s *Scheduler) triggerLocked() {
	if s.snap.State != StateRunning || s.snap.InFlight {
		return
	}
	if s.snap.Cursor >= s.snap.Total {
		return
	}
	s.snap.InFlight = true
	jobID := s.snap.JobID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStep(jobID)
	}()
}

func (s *Scheduler) runStep(jobID string) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.StepTimeout)
	defer cancel()

	res, err := s.backend.RunBatchStep(ctx, jobID, s.cfg.BatchSize)

	s.mu.Lock()
	s.snap.InFlight = false
	if s.snap.State.IsTerminal() {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.handleErrorLocked(err)
	} else {
		s.snap.LastError = ""
		s.applyStepLocked(res)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if res != nil {
		s.publish(res)
	}
	s.notify(snap)
}

func (s *Scheduler) applyStepLocked(res *models.StepResult) {
	p := res.Progress
	s.setProgressLocked(p.Current, p.Total, p.Counters, p.Percentage)
	if res.Batch != nil {
		s.logger.WithFields(map[string]interface{}{
			"cursor":     p.Current,
			"successful": res.Batch.Successful,
			"failed":     res.Batch.Failed,
			"skipped":    res.Batch.Skipped,
		}).Debug("Batch step finished")
	}

	switch {
	case res.Completed:
		msg := res.Message
		if msg == "" {
			msg = completionMessage(p.Counters)
		}
		s.finishLocked(StateCompleted, msg)
	case res.QuotaExhausted:
		s.finishLocked(StateBlocked, res.Message)
	}
}

// handleErrorLocked decides whether an error ends the run. Busy, conflict,
// timeout and transport errors leave the next poll to decide.
func (s *Scheduler) handleErrorLocked(err error) {
	s.snap.LastError = err.Error()
	switch {
	case apperrors.IsNotFound(err):
		s.finishLocked(StateFailed, "Import job no longer exists.")
	case apperrors.HasCode(err, apperrors.CodeJobNotProcessing):
		s.finishLocked(StateFailed, "Import is no longer processing.")
	default:
		s.logger.WithError(err).Warn("Scheduler request failed, waiting for next poll")
	}
}

func (s *Scheduler) finishLocked(state State, message string) {
	if s.snap.State.IsTerminal() {
		return
	}
	s.snap.State = state
	s.snap.Message = message
	s.stopPollingLocked()
	close(s.doneCh)
	s.logger.WithFields(map[string]interface{}{
		"state":  state,
		"cursor": s.snap.Cursor,
	}).Info("Scheduler finished")
}

func (s *Scheduler) publish(res *models.StepResult) {
	for {
		select {
		case s.results <- res:
			return
		default:
		}
		select {
		case <-s.results:
		default:
		}
	}
}

// snapshotLocked copies the state for observers, stamped so that stale
// copies can be dropped
func (s *Scheduler) snapshotLocked() Snapshot {
	s.seq++
	s.snap.seq = s.seq
	return s.snap
}

// notify delivers snapshots in the order they were taken; older ones that
// lost the race are dropped
func (s *Scheduler) notify(snap Snapshot) {
	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if snap.seq <= s.notified {
		return
	}
	s.notified = snap.seq
	for _, o := range observers {
		o(snap)
	}
}

func completionMessage(c models.Counters) string {
	return fmt.Sprintf("Import completed! %d successful, %d failed, %d skipped.", c.Successful, c.Failed, c.Skipped)
}
