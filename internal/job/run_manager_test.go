package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-distributor/internal/distribution"
	apperrors "github.com/token-distributor/internal/errors"
	"github.com/token-distributor/internal/ledger"
	"github.com/token-distributor/internal/ledger/ledgertest"
	"github.com/token-distributor/internal/models"
	"github.com/token-distributor/internal/storage"
	"github.com/token-distributor/internal/types"
)

const (
	testToken      = "0x00000000000000000000000000000000000a55e7"
	testCampaignID = "campaign-1"
)

func seedStore(t *testing.T, campaignIDs ...string) *storage.MemoryStore {
	t.Helper()

	store := storage.NewMemoryStore()
	for _, id := range campaignIDs {
		store.AddCampaign(&models.Campaign{
			ID:                 id,
			Name:               "airdrop",
			Network:            types.NetworkSepolia,
			TokenID:            testToken,
			AmountPerRecipient: decimal.RequireFromString("2"),
		})
		recipients := make([]*models.Recipient, 4)
		for i := range recipients {
			recipients[i] = &models.Recipient{
				WalletAddress: fmt.Sprintf("0x%040x", i+1),
				Amount:        decimal.RequireFromString("2"),
			}
		}
		require.NoError(t, store.AddRecipients(id, recipients...))
	}
	return store
}

func newTestRunner(t *testing.T, store *storage.MemoryStore, gw *ledgertest.Gateway) *distribution.Runner {
	t.Helper()

	signer, err := ledger.NewKeySigner(ledgertest.PrivateKey)
	require.NoError(t, err)

	return distribution.NewRunner(store, gw, signer, distribution.RunnerConfig{
		Network:   string(types.NetworkSepolia),
		PageSize:  2,
		ChunkSize: 2,
	})
}

func newTestLock(t *testing.T) *storage.RunLock {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return storage.NewRunLock(client, time.Minute)
}

func waitRun(t *testing.T, h *RunHandle) RunSnapshot {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx), "run did not finish")
	return h.Snapshot()
}

func shutdown(t *testing.T, m *RunManager) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
}

func TestRunManager_RunsCampaignToCompletion(t *testing.T) {
	store := seedStore(t, testCampaignID)
	gw := ledgertest.NewGateway(testToken)
	lock := newTestLock(t)
	m := NewRunManager(newTestRunner(t, store, gw), lock, RunManagerConfig{MaxConcurrentRuns: 2})
	shutdown(t, m)

	h, err := m.Start(context.Background(), testCampaignID, StartOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, testCampaignID, h.CampaignID)
	assert.Equal(t, string(types.NetworkSepolia), h.Network)

	snap := waitRun(t, h)
	assert.Equal(t, types.RunSucceeded, snap.State)
	assert.Empty(t, snap.Error)
	assert.Equal(t, int64(4), snap.Progress.Completed)
	assert.Equal(t, types.CampaignCompleted, snap.Progress.Status)
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.FinishedAt)
	assert.Equal(t, 2, gw.Submits())

	campaign, err := store.GetCampaign(context.Background(), testCampaignID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignCompleted, campaign.Status)
	assert.Equal(t, int64(4), campaign.CompletedRecipients)

	_, held, err := lock.Holder(context.Background(), testCampaignID)
	require.NoError(t, err)
	assert.False(t, held, "lock is released when the run ends")
	assert.Equal(t, 0, m.ActiveRuns())

	got, err := m.Get(h.ID)
	require.NoError(t, err)
	assert.Same(t, h, got)
}

func TestRunManager_RejectsSecondStartWhileRunning(t *testing.T) {
	store := seedStore(t, testCampaignID)
	gw := ledgertest.NewGateway(testToken)
	gw.Hold()
	m := NewRunManager(newTestRunner(t, store, gw), newTestLock(t), RunManagerConfig{})
	shutdown(t, m)

	h, err := m.Start(context.Background(), testCampaignID, StartOptions{})
	require.NoError(t, err)

	_, err = m.Start(context.Background(), testCampaignID, StartOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyRunning))
	assert.Equal(t, 409, apperrors.GetHTTPStatusCode(err))

	gw.Release()
	assert.Equal(t, types.RunSucceeded, waitRun(t, h).State)

	_, err = m.Start(context.Background(), testCampaignID, StartOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCampaignCompleted), "a finished campaign cannot be re-run")
}

func TestRunManager_LockHeldElsewhere(t *testing.T) {
	store := seedStore(t, testCampaignID)
	lock := newTestLock(t)
	m := NewRunManager(newTestRunner(t, store, ledgertest.NewGateway(testToken)), lock, RunManagerConfig{})
	shutdown(t, m)

	lease, err := lock.Acquire(context.Background(), testCampaignID)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), testCampaignID, StartOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyRunning))

	campaign, err := store.GetCampaign(context.Background(), testCampaignID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignPending, campaign.Status, "campaign is untouched")

	require.NoError(t, lease.Release(context.Background()))
	h, err := m.Start(context.Background(), testCampaignID, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, waitRun(t, h).State)
}

func TestRunManager_PrepareFailureReleasesLock(t *testing.T) {
	store := seedStore(t)
	lock := newTestLock(t)
	m := NewRunManager(newTestRunner(t, store, ledgertest.NewGateway(testToken)), lock, RunManagerConfig{})
	shutdown(t, m)

	_, err := m.Start(context.Background(), "missing", StartOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCampaignNotFound))

	_, held, err := lock.Holder(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, held)
	assert.Empty(t, m.List())
}

func TestRunManager_CancelLeavesCampaignFailed(t *testing.T) {
	store := seedStore(t, testCampaignID)
	gw := ledgertest.NewGateway(testToken)
	gw.Hold()
	m := NewRunManager(newTestRunner(t, store, gw), newTestLock(t), RunManagerConfig{})
	shutdown(t, m)

	h, err := m.Start(context.Background(), testCampaignID, StartOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return gw.Submits() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = m.Cancel(h.ID)
	require.NoError(t, err)

	snap := waitRun(t, h)
	assert.Equal(t, types.RunCancelled, snap.State)
	assert.Equal(t, int64(0), snap.Progress.Completed)

	campaign, err := store.GetCampaign(context.Background(), testCampaignID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignFailed, campaign.Status)

	// a cancelled campaign can be run again
	gw.Release()

	again, err := m.Start(context.Background(), testCampaignID, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, waitRun(t, again).State)
}

func TestRunManager_ResumeStale(t *testing.T) {
	store := seedStore(t, testCampaignID)
	ok, err := store.ClaimCampaign(context.Background(), testCampaignID)
	require.NoError(t, err)
	require.True(t, ok)

	m := NewRunManager(newTestRunner(t, store, ledgertest.NewGateway(testToken)), newTestLock(t), RunManagerConfig{})
	shutdown(t, m)

	_, err = m.Start(context.Background(), testCampaignID, StartOptions{})
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyRunning))

	h, err := m.Start(context.Background(), testCampaignID, StartOptions{ResumeStale: true})
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, waitRun(t, h).State)
}

func TestRunManager_ResumeStaleNeedsLock(t *testing.T) {
	store := seedStore(t, testCampaignID)
	_, err := store.ClaimCampaign(context.Background(), testCampaignID)
	require.NoError(t, err)

	m := NewRunManager(newTestRunner(t, store, ledgertest.NewGateway(testToken)), nil, RunManagerConfig{})
	shutdown(t, m)

	_, err = m.Start(context.Background(), testCampaignID, StartOptions{ResumeStale: true})
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyRunning))
}

func TestRunManager_ConcurrencyLimitQueuesRuns(t *testing.T) {
	store := seedStore(t, "campaign-a", "campaign-b")
	gw := ledgertest.NewGateway(testToken)
	gw.Hold()
	m := NewRunManager(newTestRunner(t, store, gw), nil, RunManagerConfig{MaxConcurrentRuns: 1})
	shutdown(t, m)

	first, err := m.Start(context.Background(), "campaign-a", StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.State() == types.RunRunning }, 2*time.Second, 5*time.Millisecond)

	second, err := m.Start(context.Background(), "campaign-b", StartOptions{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.RunQueued, second.State())
	assert.Equal(t, 1, gw.Submits(), "queued run has not submitted")
	assert.Equal(t, 2, m.ActiveRuns())
	assert.Len(t, m.List(), 2)

	gw.Release()
	assert.Equal(t, types.RunSucceeded, waitRun(t, first).State)
	assert.Equal(t, types.RunSucceeded, waitRun(t, second).State)
}

func TestRunManager_GetUnknownRun(t *testing.T) {
	m := NewRunManager(newTestRunner(t, seedStore(t), ledgertest.NewGateway(testToken)), nil, RunManagerConfig{})
	shutdown(t, m)

	_, err := m.Get("nope")
	assert.True(t, errors.Is(err, apperrors.ErrRunNotFound))

	_, err = m.Cancel("nope")
	assert.True(t, errors.Is(err, apperrors.ErrRunNotFound))
}

func TestRunManager_ShutdownStopsRunsAndRefusesNew(t *testing.T) {
	store := seedStore(t, testCampaignID, "campaign-b")
	gw := ledgertest.NewGateway(testToken)
	gw.Hold()
	m := NewRunManager(newTestRunner(t, store, gw), nil, RunManagerConfig{})

	h, err := m.Start(context.Background(), testCampaignID, StartOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	select {
	case <-h.Done():
	default:
		t.Fatal("run still active after shutdown")
	}
	assert.Equal(t, types.RunFailed, h.State())

	_, err = m.Start(context.Background(), "campaign-b", StartOptions{})
	assert.Error(t, err)
}

func TestRunManager_PrunesFinishedRuns(t *testing.T) {
	store := seedStore(t, "campaign-a", "campaign-b", "campaign-c")
	m := NewRunManager(newTestRunner(t, store, ledgertest.NewGateway(testToken)), nil, RunManagerConfig{RetainedRuns: 2})
	shutdown(t, m)

	var ids []string
	for _, id := range []string{"campaign-a", "campaign-b", "campaign-c"} {
		h, err := m.Start(context.Background(), id, StartOptions{})
		require.NoError(t, err)
		waitRun(t, h)
		ids = append(ids, h.ID)
	}

	assert.Len(t, m.List(), 2)
	_, err := m.Get(ids[0])
	assert.True(t, errors.Is(err, apperrors.ErrRunNotFound), "oldest finished run is pruned")
	_, err = m.Get(ids[2])
	assert.NoError(t, err)
}
