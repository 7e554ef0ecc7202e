package job

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	apperrors "github.com/cloud-importer/internal/errors"
	"github.com/cloud-importer/internal/lock"
	"github.com/cloud-importer/internal/logging"
	"github.com/cloud-importer/internal/models"
	"github.com/cloud-importer/internal/pipeline"
	"github.com/cloud-importer/internal/quota"
	"github.com/cloud-importer/internal/source"
	"github.com/cloud-importer/internal/storage"
	"github.com/cloud-importer/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// fakeJobStore mimics the Postgres repository: CAS on version, quota in the
// same commit, completed jobs moved to the archive.
type fakeJobStore struct {
	mu         sync.Mutex
	live       map[string]*models.ImportJob
	archive    map[string]*models.ImportJob
	ledger     *quota.MemoryLedger
	failCommit int
	commits    int
}

func newFakeJobStore(ledger *quota.MemoryLedger) *fakeJobStore {
	return &fakeJobStore{
		live:    map[string]*models.ImportJob{},
		archive: map[string]*models.ImportJob{},
		ledger:  ledger,
	}
}

func cloneJob(j *models.ImportJob) *models.ImportJob {
	c := *j
	c.Items = append([]models.FileDescriptor(nil), j.Items...)
	c.ProducedAssetIDs = append([]string{}, j.ProducedAssetIDs...)
	return &c
}

func (f *fakeJobStore) Create(_ context.Context, job *models.ImportJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.Status == types.JobStatusCompleted {
		f.archive[job.ID] = cloneJob(job)
	} else {
		f.live[job.ID] = cloneJob(job)
	}
	return nil
}

func (f *fakeJobStore) Get(_ context.Context, jobID string) (*models.ImportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.live[jobID]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (f *fakeJobStore) GetArchived(_ context.Context, jobID string) (*models.ImportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.archive[jobID]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (f *fakeJobStore) Commit(ctx context.Context, c *storage.StepCommit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCommit > 0 {
		f.failCommit--
		return errors.New("connection reset")
	}
	cur, ok := f.live[c.Job.ID]
	if !ok || cur.Version != c.ExpectedVersion {
		return storage.ErrVersionConflict
	}
	used, err := f.ledger.Used(ctx, c.Job.OwnerID, c.Period)
	if err != nil {
		return err
	}
	if c.QuotaDelta > 0 && used+c.QuotaDelta > c.QuotaLimit {
		return storage.ErrQuotaExceeded
	}
	if err := f.ledger.Increment(ctx, c.Job.OwnerID, c.Period, c.QuotaDelta); err != nil {
		return err
	}
	f.commits++
	if c.Job.Status == types.JobStatusCompleted {
		delete(f.live, c.Job.ID)
		f.archive[c.Job.ID] = cloneJob(c.Job)
		return nil
	}
	f.live[c.Job.ID] = cloneJob(c.Job)
	return nil
}

func (f *fakeJobStore) Cancel(_ context.Context, jobID string) (*models.ImportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.live[jobID]
	if !ok {
		if _, archived := f.archive[jobID]; archived {
			return nil, storage.ErrJobTerminal
		}
		return nil, storage.ErrJobNotFound
	}
	if j.Status != types.JobStatusProcessing {
		return nil, storage.ErrJobTerminal
	}
	j.Status = types.JobStatusCancelled
	j.Version++
	return cloneJob(j), nil
}

// memAssets is both the pipeline's asset store and the service's registry
type memAssets struct {
	mu        sync.Mutex
	byHash    map[string]string
	owners    map[string]string
	discarded []string
	seq       int
}

func newMemAssets() *memAssets {
	return &memAssets{byHash: map[string]string{}, owners: map[string]string{}}
}

func (m *memAssets) FindByHash(_ context.Context, hash string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[hash]
	return id, ok, nil
}

func (m *memAssets) Persist(_ context.Context, r io.Reader, _ int64, meta models.AssetMetadata) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("asset-%d", m.seq)
	m.byHash[meta.ContentHash] = id
	return id, nil
}

func (m *memAssets) AttachOwner(_ context.Context, ownerID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.owners[id] = ownerID
	}
	return nil
}

func (m *memAssets) Discard(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		for h, v := range m.byHash {
			if v == id {
				delete(m.byHash, h)
			}
		}
		m.discarded = append(m.discarded, id)
	}
	return nil
}

type fakeSource struct {
	files   []models.FileDescriptor
	content map[string][]byte
	listErr error
}

func (s *fakeSource) ListFiles(_ context.Context, _ string, limit int) ([]models.FileDescriptor, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	if limit > 0 && len(s.files) > limit {
		return s.files[:limit], nil
	}
	return s.files, nil
}

func (s *fakeSource) Fetch(_ context.Context, sourceID string, w io.Writer) (int64, error) {
	data, ok := s.content[sourceID]
	if !ok {
		return 0, source.ErrFileNotFound
	}
	n, err := w.Write(data)
	return int64(n), err
}

func pngBytes(t *testing.T, seed int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{R: uint8(seed), G: uint8(seed >> 8), B: 7, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// newImageSource lists n distinct PNGs unless same is set, in which case
// every file has identical bytes.
func newImageSource(t *testing.T, n int, same bool) *fakeSource {
	src := &fakeSource{content: map[string][]byte{}}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("file-%02d", i)
		seed := i + 1
		if same {
			seed = 1
		}
		src.files = append(src.files, models.FileDescriptor{
			SourceID:    id,
			DisplayName: fmt.Sprintf("photo_%02d.png", i),
			MimeHint:    "image/png",
		})
		src.content[id] = pngBytes(t, seed)
	}
	return src
}

type testEnv struct {
	svc    *ImportService
	jobs   *fakeJobStore
	ledger *quota.MemoryLedger
	assets *memAssets
	locker *lock.Locker
	period string
}

func newTestEnv(t *testing.T, src source.Source, proc ItemProcessor) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ledger := quota.NewMemoryLedger()
	assets := newMemAssets()
	if proc == nil {
		proc = pipeline.New(assets, t.TempDir())
	}
	env := &testEnv{
		jobs:   newFakeJobStore(ledger),
		ledger: ledger,
		assets: assets,
		locker: lock.NewLocker(client, lock.Config{TTL: time.Minute}),
		period: quota.PeriodKey(testNow),
	}
	env.svc = NewImportService(Dependencies{
		Jobs:     env.jobs,
		Quota:    quota.NewChecker(ledger, quota.DefaultPolicy(), func() time.Time { return testNow }),
		Locker:   env.locker,
		Pipeline: proc,
		Assets:   assets,
		Sources:  map[types.SourceType]source.Source{types.SourceDrive: src},
	}, DefaultConfig())
	env.svc.now = func() time.Time { return testNow }
	return env
}

func noTransform() *models.Settings {
	return &models.Settings{Dedupe: true, Transform: false, DeriveMetadata: true}
}

func (e *testEnv) start(t *testing.T, tier types.UserTier) *StartImportResult {
	t.Helper()
	res, err := e.svc.StartImport(context.Background(), &StartImportInput{
		OwnerID:    "owner-1",
		Tier:       tier,
		SourceType: types.SourceDrive,
		SourceRef:  "https://drive.google.com/drive/folders/abc123",
		Settings:   noTransform(),
	})
	require.NoError(t, err)
	return res
}

func TestStartImport_EmptyFolderCompletes(t *testing.T) {
	env := newTestEnv(t, &fakeSource{}, nil)

	res := env.start(t, types.TierFree)
	assert.True(t, res.Completed)
	assert.Equal(t, 0, res.TotalCount)
	assert.Equal(t, types.JobStatusCompleted, res.Status)

	status, err := env.svc.GetStatus(context.Background(), res.JobID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 100, status.Percentage)
	assert.True(t, status.Completed)
}

func TestStartImport_QuotaReached(t *testing.T) {
	env := newTestEnv(t, newImageSource(t, 3, false), nil)
	env.ledger.Set("owner-1", env.period, quota.DefaultFreeLimit)

	_, err := env.svc.StartImport(context.Background(), &StartImportInput{
		OwnerID: "owner-1", Tier: types.TierFree, SourceRef: "abc123",
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeQuotaReached))
	assert.Equal(t, 403, apperrors.GetHTTPStatusCode(err))
	assert.Empty(t, env.jobs.live)
}

func TestStartImport_SourceErrors(t *testing.T) {
	tests := []struct {
		name    string
		listErr error
		code    string
	}{
		{"bad reference", source.ErrInvalidFolderRef, apperrors.CodeInvalidSource},
		{"folder missing", source.ErrFileNotFound, apperrors.CodeInvalidSource},
		{"forbidden", &source.HTTPError{StatusCode: 403, Message: "forbidden"}, apperrors.CodeInvalidSource},
		{"provider down", &source.HTTPError{StatusCode: 503, Message: "unavailable"}, apperrors.CodeProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &fakeSource{listErr: tt.listErr}, nil)
			_, err := env.svc.StartImport(context.Background(), &StartImportInput{
				OwnerID: "owner-1", Tier: types.TierFree, SourceRef: "abc123",
			})
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestStartImport_Validation(t *testing.T) {
	env := newTestEnv(t, &fakeSource{}, nil)
	ctx := context.Background()

	_, err := env.svc.StartImport(ctx, &StartImportInput{SourceRef: "abc"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnauthorized))

	_, err = env.svc.StartImport(ctx, &StartImportInput{OwnerID: "o"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidSource))

	_, err = env.svc.StartImport(ctx, &StartImportInput{OwnerID: "o", SourceRef: "abc", SourceType: types.SourceLocal})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidParameter))
}

func TestStartImport_TruncateToQuota(t *testing.T) {
	env := newTestEnv(t, newImageSource(t, 10, false), nil)
	env.ledger.Set("owner-1", env.period, 20)

	res, err := env.svc.StartImport(context.Background(), &StartImportInput{
		OwnerID: "owner-1", Tier: types.TierFree, SourceRef: "abc123", TruncateToQuota: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalCount)
	assert.True(t, res.Partial)
	assert.Equal(t, 5, res.QuotaRemaining)
}

func TestRunBatchStep_ProcessesToCompletion(t *testing.T) {
	env := newTestEnv(t, newImageSource(t, 7, false), nil)
	ctx := context.Background()
	res := env.start(t, types.TierFree)
	require.Equal(t, 7, res.TotalCount)

	var cursors []int
	var step *models.StepResult
	for i := 0; i < 10; i++ {
		var err error
		step, err = env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 3)
		require.NoError(t, err)
		assert.True(t, step.Progress.Counters.Consistent())
		cursors = append(cursors, step.Progress.Current)
		if step.Completed {
			break
		}
	}

	assert.Equal(t, []int{3, 6, 7}, cursors)
	assert.True(t, step.Completed)
	assert.Equal(t, 7, step.Progress.Successful)
	assert.Equal(t, "Import completed! 7 successful, 0 failed, 0 skipped.", step.Message)
	assert.Len(t, env.assets.owners, 7)

	used, _ := env.ledger.Used(ctx, "owner-1", env.period)
	assert.Equal(t, 7, used)

	// a step on an archived job answers with the final state
	again, err := env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 3)
	require.NoError(t, err)
	assert.True(t, again.Completed)
	assert.Equal(t, 7, again.Progress.Current)
	assert.Equal(t, 3, env.jobs.commits)

	status, err := env.svc.GetStatus(ctx, res.JobID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, status.Status)
	assert.Len(t, status.AssetIDs, 7)
}

func TestRunBatchStep_StopsAtQuota(t *testing.T) {
	env := newTestEnv(t, newImageSource(t, 10, false), nil)
	ctx := context.Background()
	env.ledger.Set("owner-1", env.period, 20)
	res := env.start(t, types.TierFree)
	require.Equal(t, 10, res.TotalCount)

	step, err := env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 25)
	require.NoError(t, err)
	assert.Equal(t, 5, step.Batch.Successful)
	assert.Equal(t, 5, step.Progress.Current)
	assert.True(t, step.QuotaExhausted)
	assert.False(t, step.Completed)
	assert.Equal(t, 0, step.QuotaRemaining)

	// nothing more is processed once the quota is gone
	step, err = env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 25)
	require.NoError(t, err)
	assert.True(t, step.QuotaExhausted)
	assert.Equal(t, 0, step.Batch.Processed)
	assert.Equal(t, 5, step.Progress.Current)
	assert.Equal(t, 1, env.jobs.commits)

	status, err := env.svc.GetStatus(ctx, res.JobID, "owner-1")
	require.NoError(t, err)
	assert.True(t, status.QuotaExhausted)
	assert.Equal(t, types.JobStatusProcessing, status.Status)
}

func TestRunBatchStep_DuplicatesUseNoQuota(t *testing.T) {
	env := newTestEnv(t, newImageSource(t, 3, true), nil)
	ctx := context.Background()
	res := env.start(t, types.TierFree)

	step, err := env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 10)
	require.NoError(t, err)
	assert.True(t, step.Completed)
	assert.Equal(t, 1, step.Progress.Successful)
	assert.Equal(t, 2, step.Progress.Skipped)
	assert.Equal(t, types.ReasonDuplicate, step.Batch.Outcomes[1].Reason)

	used, _ := env.ledger.Used(ctx, "owner-1", env.period)
	assert.Equal(t, 1, used)
}

func TestRunBatchStep_CommitFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t, newImageSource(t, 4, false), nil)
	ctx := context.Background()
	res := env.start(t, types.TierFree)
	env.jobs.failCommit = 1

	_, err := env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 2)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDatabase))
	assert.Len(t, env.assets.discarded, 2)

	status, err := env.svc.GetStatus(ctx, res.JobID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Cursor)
	used, _ := env.ledger.Used(ctx, "owner-1", env.period)
	assert.Equal(t, 0, used)

	// the retry sees the same items as new, not as duplicates
	step, err := env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, step.Batch.Successful)
	assert.Equal(t, 0, step.Batch.Skipped)
	assert.Equal(t, 2, step.Progress.Current)
}

func TestRunBatchStep_LockContention(t *testing.T) {
	env := newTestEnv(t, newImageSource(t, 2, false), nil)
	ctx := context.Background()
	res := env.start(t, types.TierFree)

	unlock, err := env.locker.Acquire(ctx, res.JobID)
	require.NoError(t, err)

	_, err = env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 2)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeJobBusy))
	assert.True(t, apperrors.IsRetryable(err))

	require.NoError(t, unlock(ctx))
	step, err := env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 2)
	require.NoError(t, err)
	assert.True(t, step.Completed)
}

func TestRunBatchStep_UnknownJob(t *testing.T) {
	env := newTestEnv(t, &fakeSource{}, nil)

	_, err := env.svc.RunBatchStep(context.Background(), "missing", "owner-1", 5)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	_, err = env.svc.GetStatus(context.Background(), "missing", "owner-1")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCancelImport_PreservesProgress(t *testing.T) {
	env := newTestEnv(t, newImageSource(t, 6, false), nil)
	ctx := context.Background()
	res := env.start(t, types.TierFree)

	_, err := env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 2)
	require.NoError(t, err)

	view, err := env.svc.CancelImport(ctx, res.JobID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, view.Status)
	assert.Equal(t, 2, view.Cursor)
	assert.Equal(t, 2, view.Counters.Successful)

	_, err = env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 2)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeJobNotProcessing))

	_, err = env.svc.CancelImport(ctx, res.JobID, "owner-1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeJobNotProcessing))

	_, err = env.svc.CancelImport(ctx, "missing", "owner-1")
	assert.True(t, apperrors.IsNotFound(err))
}

// rendezvousProcessor holds items until steps of `parties` distinct jobs are
// inside their batch, so every step has planned against the same quota.
type rendezvousProcessor struct {
	parties int
	mu      sync.Mutex
	seen    map[string]bool
	ready   chan struct{}
}

func newRendezvousProcessor(parties int) *rendezvousProcessor {
	return &rendezvousProcessor{parties: parties, seen: map[string]bool{}, ready: make(chan struct{})}
}

func (p *rendezvousProcessor) Process(_ context.Context, _ pipeline.Fetcher, in pipeline.Input) models.ItemOutcome {
	p.mu.Lock()
	if !p.seen[in.JobID] {
		p.seen[in.JobID] = true
		if len(p.seen) == p.parties {
			close(p.ready)
		}
	}
	p.mu.Unlock()

	select {
	case <-p.ready:
	case <-time.After(5 * time.Second):
	}
	return models.ItemOutcome{
		Index:    in.Index,
		SourceID: in.File.SourceID,
		Name:     in.File.DisplayName,
		Status:   types.OutcomeSuccess,
		AssetID:  fmt.Sprintf("%s-%d", in.JobID, in.Index),
	}
}

func TestRunBatchStep_ConcurrentJobsOfOneOwnerStayWithinQuota(t *testing.T) {
	env := newTestEnv(t, newImageSource(t, 5, false), newRendezvousProcessor(2))
	ctx := context.Background()
	env.ledger.Set("owner-1", env.period, 20)

	jobIDs := []string{env.start(t, types.TierFree).JobID, env.start(t, types.TierFree).JobID}
	steps := make([]*models.StepResult, len(jobIDs))
	errs := make([]error, len(jobIDs))

	var wg sync.WaitGroup
	for i, id := range jobIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			steps[i], errs[i] = env.svc.RunBatchStep(ctx, id, "owner-1", 5)
		}(i, id)
	}
	wg.Wait()

	used, _ := env.ledger.Used(ctx, "owner-1", env.period)
	assert.Equal(t, quota.DefaultFreeLimit, used)

	winner, loser := -1, -1
	for i, err := range errs {
		if err == nil {
			winner = i
		} else {
			loser = i
		}
	}
	require.NotEqual(t, -1, winner, "one step must commit")
	require.NotEqual(t, -1, loser, "one step must be rejected")

	assert.Equal(t, 5, steps[winner].Batch.Successful)
	assert.True(t, steps[winner].Completed)

	err := errs[loser]
	assert.True(t, apperrors.HasCode(err, apperrors.CodeQuotaConflict), "got %v", err)
	assert.Equal(t, 409, apperrors.GetHTTPStatusCode(err))
	assert.True(t, apperrors.IsRetryable(err))
	assert.Len(t, env.assets.discarded, 5)
	assert.Equal(t, 1, env.jobs.commits)

	status, err := env.svc.GetStatus(ctx, jobIDs[loser], "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Cursor)
	assert.True(t, status.QuotaExhausted)

	retry, err := env.svc.RunBatchStep(ctx, jobIDs[loser], "owner-1", 5)
	require.NoError(t, err)
	assert.True(t, retry.QuotaExhausted)
	assert.Equal(t, 0, retry.Batch.Processed)
}

func TestJobsAreScopedToTheirOwner(t *testing.T) {
	env := newTestEnv(t, newImageSource(t, 4, false), nil)
	ctx := context.Background()
	res := env.start(t, types.TierFree)

	_, err := env.svc.RunBatchStep(ctx, res.JobID, "owner-2", 2)
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
	assert.Zero(t, env.jobs.commits)

	_, err = env.svc.GetStatus(ctx, res.JobID, "owner-2")
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)

	_, err = env.svc.CancelImport(ctx, res.JobID, "owner-2")
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)

	_, err = env.svc.GetStatus(ctx, res.JobID, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnauthorized))
	_, err = env.svc.RunBatchStep(ctx, res.JobID, "", 2)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnauthorized))

	status, err := env.svc.GetStatus(ctx, res.JobID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusProcessing, status.Status)
	assert.Equal(t, 0, status.Cursor)

	// archived jobs stay private too
	step, err := env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 10)
	require.NoError(t, err)
	require.True(t, step.Completed)

	_, err = env.svc.RunBatchStep(ctx, res.JobID, "owner-2", 2)
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
	_, err = env.svc.GetStatus(ctx, res.JobID, "owner-2")
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
	_, err = env.svc.CancelImport(ctx, res.JobID, "owner-2")
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
}

func TestRunBatchStep_CommitLogCarriesNewCursor(t *testing.T) {
	env := newTestEnv(t, newImageSource(t, 5, false), nil)
	res := env.start(t, types.TierFree)

	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), logging.NewLoggerWithOutput(logging.LevelInfo, logging.FormatJSON, &buf))

	_, err := env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 2)
	require.NoError(t, err)
	_, err = env.svc.RunBatchStep(ctx, res.JobID, "owner-1", 2)
	require.NoError(t, err)

	var cursors []float64
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var entry logging.LogEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		if entry.Message == "Batch committed" {
			cursors = append(cursors, entry.Fields["cursor"].(float64))
		}
	}
	assert.Equal(t, []float64{2, 4}, cursors)
}

func TestUsageStats(t *testing.T) {
	env := newTestEnv(t, &fakeSource{}, nil)
	env.ledger.Set("owner-1", env.period, 5)

	stats, err := env.svc.UsageStats(context.Background(), "owner-1", types.TierFree)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.MonthlyUsed)
	assert.Equal(t, 25, stats.MonthlyLimit)
	assert.Equal(t, 20, stats.MonthlyRemain)
	assert.Equal(t, 20.0, stats.UsagePercent)
	assert.Equal(t, env.period, stats.Period)

	logs, err := env.svc.ListImports(context.Background(), "owner-1", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestBatchSizeClamp(t *testing.T) {
	svc := NewImportService(Dependencies{}, DefaultConfig())
	assert.Equal(t, 25, svc.batchSize(0))
	assert.Equal(t, 25, svc.batchSize(-3))
	assert.Equal(t, 7, svc.batchSize(7))
	assert.Equal(t, 100, svc.batchSize(500))
}
