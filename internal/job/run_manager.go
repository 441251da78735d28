// Package job runs campaign distributions in the background and tracks them
// by run ID.
package job

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/token-distributor/internal/distribution"
	apperrors "github.com/token-distributor/internal/errors"
	"github.com/token-distributor/internal/logging"
	"github.com/token-distributor/internal/storage"
	"github.com/token-distributor/internal/types"
)

const defaultRetainedRuns = 500

// CampaignRunner is the synchronous/asynchronous split of a distribution run
type CampaignRunner interface {
	Prepare(ctx context.Context, campaignID string, opts ...distribution.PrepareOption) (*distribution.Plan, error)
	Execute(ctx context.Context, plan *distribution.Plan) error
}

// StartOptions customizes a run
type StartOptions struct {
	// ResumeStale takes over a campaign left IN_PROGRESS by a dead run.
	// Only honoured while the distributed run lock is held.
	ResumeStale bool
}

// RunManagerConfig configures the run manager
type RunManagerConfig struct {
	MaxConcurrentRuns int64
	RetainedRuns      int
}

// RunManager starts distributions detached from the caller and keeps a
// handle for each so they can be polled and cancelled
type RunManager struct {
	runner   CampaignRunner
	lock     *storage.RunLock
	sem      *semaphore.Weighted
	retained int

	baseCtx    context.Context
	cancelAll  context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	runs       map[string]*RunHandle
	byCampaign map[string]*RunHandle
	stopped    bool
}

// NewRunManager creates a run manager. lock may be nil for a single instance.
func NewRunManager(runner CampaignRunner, lock *storage.RunLock, cfg RunManagerConfig) *RunManager {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.RetainedRuns <= 0 {
		cfg.RetainedRuns = defaultRetainedRuns
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RunManager{
		runner:     runner,
		lock:       lock,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		retained:   cfg.RetainedRuns,
		baseCtx:    ctx,
		cancelAll:  cancel,
		runs:       make(map[string]*RunHandle),
		byCampaign: make(map[string]*RunHandle),
	}
}

// Start validates and claims the campaign synchronously, then executes it in
// the background. Precondition failures are returned and nothing is started.
func (m *RunManager) Start(ctx context.Context, campaignID string, opts StartOptions) (*RunHandle, error) {
	m.mu.RLock()
	stopped := m.stopped
	active := m.byCampaign[campaignID]
	m.mu.RUnlock()

	if stopped {
		return nil, apperrors.NewInternalError("run manager is shutting down", nil)
	}
	if active != nil {
		return nil, apperrors.NewAlreadyRunningError(campaignID)
	}

	runID := uuid.NewString()
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"campaignId": campaignID,
		"runId":      runID,
	})

	var lease *storage.Lease
	if m.lock != nil {
		var err error
		lease, err = m.lock.Acquire(ctx, campaignID)
		if errors.Is(err, storage.ErrLockHeld) {
			return nil, apperrors.NewAlreadyRunningError(campaignID)
		}
		if err != nil {
			return nil, apperrors.NewCacheError("acquire run lock", err)
		}
	}

	prepareOpts := []distribution.PrepareOption{distribution.WithRunID(runID)}
	if opts.ResumeStale && lease != nil {
		prepareOpts = append(prepareOpts, distribution.WithResumeStale())
	}

	plan, err := m.runner.Prepare(ctx, campaignID, prepareOpts...)
	if err != nil {
		if lease != nil {
			if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
				logger.WithError(relErr).Warn("Failed to release run lock")
			}
		}
		return nil, err
	}

	runCtx, cancel := context.WithCancel(logging.WithLogger(m.baseCtx, logger))
	handle := newRunHandle(runID, plan, cancel)

	m.mu.Lock()
	m.runs[runID] = handle
	m.byCampaign[campaignID] = handle
	m.pruneLocked()
	m.mu.Unlock()

	if lease != nil {
		lease.KeepAlive(runCtx, func(err error) {
			logger.WithError(err).Error("Run lock lost, cancelling run")
			cancel()
		})
	}

	m.wg.Add(1)
	go m.execute(runCtx, handle, plan, lease)

	logger.Info("Distribution run started")
	return handle, nil
}

func (m *RunManager) execute(ctx context.Context, handle *RunHandle, plan *distribution.Plan, lease *storage.Lease) {
	defer m.wg.Done()
	defer handle.cancel()
	logger := logging.FromContext(ctx)

	// a run cancelled while queued still goes through Execute so the claim is released as FAILED
	acquired := m.sem.Acquire(ctx, 1) == nil
	if acquired {
		handle.setRunning()
	}

	err := m.runner.Execute(ctx, plan)

	if acquired {
		m.sem.Release(1)
	}
	if lease != nil {
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			logger.WithError(relErr).Warn("Failed to release run lock")
		}
	}

	handle.finish(err)

	m.mu.Lock()
	if m.byCampaign[handle.CampaignID] == handle {
		delete(m.byCampaign, handle.CampaignID)
	}
	m.mu.Unlock()
	close(handle.done)

	snap := handle.Snapshot()
	logger.WithFields(map[string]interface{}{
		"state":     snap.State,
		"completed": snap.Progress.Completed,
		"failed":    snap.Progress.Failed,
	}).Info("Distribution run ended")
}

// Get returns the handle of a run
func (m *RunManager) Get(runID string) (*RunHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.runs[runID]
	if !ok {
		return nil, apperrors.NewRunNotFoundError(runID)
	}
	return h, nil
}

// List returns snapshots of every retained run, newest first
func (m *RunManager) List() []RunSnapshot {
	m.mu.RLock()
	handles := make([]*RunHandle, 0, len(m.runs))
	for _, h := range m.runs {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	snaps := make([]RunSnapshot, len(handles))
	for i, h := range handles {
		snaps[i] = h.Snapshot()
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps
}

// ActiveRuns returns the number of runs that have not finished
func (m *RunManager) ActiveRuns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byCampaign)
}

// Cancel asks a run to stop. The runner stops between chunks and the
// campaign ends FAILED, ready to be re-run.
func (m *RunManager) Cancel(runID string) (*RunHandle, error) {
	h, err := m.Get(runID)
	if err != nil {
		return nil, err
	}
	h.requestCancel()
	return h, nil
}

// Shutdown cancels every run and waits for them to record their outcome
func (m *RunManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.cancelAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pruneLocked drops the oldest finished runs beyond the retention limit
func (m *RunManager) pruneLocked() {
	if len(m.runs) <= m.retained {
		return
	}
	finished := make([]*RunHandle, 0, len(m.runs))
	for _, h := range m.runs {
		if h.State().Terminal() {
			finished = append(finished, h)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].createdAt.Before(finished[j].createdAt) })
	for _, h := range finished {
		if len(m.runs) <= m.retained {
			return
		}
		delete(m.runs, h.ID)
	}
}

// RunHandle tracks one background distribution run
type RunHandle struct {
	ID          string
	CampaignID  string
	Distributor string
	Network     string

	mu              sync.RWMutex
	state           types.RunState
	err             string
	createdAt       time.Time
	startedAt       *time.Time
	finishedAt      *time.Time
	cancelRequested bool
	progress        *distribution.Progress
	cancel          context.CancelFunc
	done            chan struct{}
}

// RunSnapshot is a point-in-time view of a run
type RunSnapshot struct {
	RunID       string                        `json:"runId"`
	CampaignID  string                        `json:"campaignId"`
	Distributor string                        `json:"distributor"`
	Network     string                        `json:"network"`
	State       types.RunState                `json:"state"`
	Error       string                        `json:"error,omitempty"`
	CreatedAt   time.Time                     `json:"createdAt"`
	StartedAt   *time.Time                    `json:"startedAt,omitempty"`
	FinishedAt  *time.Time                    `json:"finishedAt,omitempty"`
	Progress    distribution.ProgressSnapshot `json:"progress"`
}

func newRunHandle(runID string, plan *distribution.Plan, cancel context.CancelFunc) *RunHandle {
	return &RunHandle{
		ID:          runID,
		CampaignID:  plan.Campaign.ID,
		Distributor: plan.Distributor,
		Network:     plan.Network,
		state:       types.RunQueued,
		createdAt:   time.Now().UTC(),
		progress:    plan.Progress,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// State returns the run's current state
func (h *RunHandle) State() types.RunState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Done is closed when the run has finished
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run finishes or ctx is done
func (h *RunHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the run's state and progress
func (h *RunHandle) Snapshot() RunSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return RunSnapshot{
		RunID:       h.ID,
		CampaignID:  h.CampaignID,
		Distributor: h.Distributor,
		Network:     h.Network,
		State:       h.state,
		Error:       h.err,
		CreatedAt:   h.createdAt,
		StartedAt:   h.startedAt,
		FinishedAt:  h.finishedAt,
		Progress:    h.progress.Snapshot(),
	}
}

func (h *RunHandle) setRunning() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now().UTC()
	h.state = types.RunRunning
	h.startedAt = &now
}

func (h *RunHandle) requestCancel() {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.cancelRequested = true
	h.mu.Unlock()
	h.cancel()
}

func (h *RunHandle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now().UTC()
	h.finishedAt = &now
	switch {
	case h.cancelRequested:
		h.state = types.RunCancelled
	case err == nil && h.progress.Snapshot().Status == types.CampaignCompleted:
		h.state = types.RunSucceeded
	default:
		h.state = types.RunFailed
	}
	if err != nil {
		h.err = err.Error()
	} else if last := h.progress.Snapshot().LastError; last != "" && h.state == types.RunFailed {
		h.err = last
	}
}
