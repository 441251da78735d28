package distribution_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/token-distributor/internal/distribution"
	apperrors "github.com/token-distributor/internal/errors"
	"github.com/token-distributor/internal/ledger"
	"github.com/token-distributor/internal/models"
	"github.com/token-distributor/internal/types"
)

func newTestRunner(t *testing.T, store distribution.ProgressStore, gw *fakeGateway, opts ...distribution.RunnerOption) *distribution.Runner {
	t.Helper()
	return distribution.NewRunner(store, gw, newTestSigner(t), testRunnerConfig(), opts...)
}

func campaignOf(t *testing.T, store distribution.ProgressStore) *models.Campaign {
	t.Helper()
	c, err := store.GetCampaign(context.Background(), testCampaignID)
	require.NoError(t, err)
	return c
}

func timeoutErr(signature string) error {
	return &ledger.SubmitError{Stage: ledger.StageConfirm, Signature: signature, Err: ledger.ErrConfirmationTimeout}
}

func TestRunner_PaysEveryRecipientInChunks(t *testing.T) {
	store := seedCampaign(t, 10)
	gw := newFakeGateway()
	audit := &memoryAudit{}
	runner := newTestRunner(t, store, gw, distribution.WithAuditSink(audit))

	plan, err := runner.Prepare(context.Background(), testCampaignID, distribution.WithRunID("run-1"))
	require.NoError(t, err)
	assert.Equal(t, types.CampaignInProgress, campaignOf(t, store).Status)
	assert.Equal(t, "15000000", plan.Required.String())

	require.NoError(t, runner.Execute(context.Background(), plan))

	c := campaignOf(t, store)
	assert.Equal(t, types.CampaignCompleted, c.Status)
	assert.Equal(t, int64(10), c.CompletedRecipients)
	assert.NotNil(t, c.FinishedAt)

	require.Len(t, gw.batches, 5)
	for _, b := range gw.batches {
		assert.Equal(t, 2, b.TransferCount())
		for _, ins := range b.Instructions {
			assert.Equal(t, "1500000", ins.Amount.String())
		}
	}
	assert.Equal(t, wallet(1), gw.paid[0])
	assert.Equal(t, wallet(10), gw.paid[9])
	assert.Equal(t, 1, gw.approvals)

	snap := plan.Progress.Snapshot()
	assert.Equal(t, 3, snap.Pages, "pages of 4, 4 and 2")
	assert.Equal(t, 5, snap.Chunks)
	assert.Equal(t, int64(10), snap.Completed)
	assert.Equal(t, types.CampaignCompleted, snap.Status)

	assert.Len(t, audit.outcomes(), 5)
	for _, o := range audit.outcomes() {
		assert.Equal(t, models.ChunkConfirmed, o)
	}

	rc := recipientStatus(t, store, 1)
	assert.Equal(t, types.RecipientCompleted, rc.Status)
	assert.Equal(t, "0xtx01", *rc.TxSignature)
}

func TestRunner_FailedChunkIsIsolatedAndRerunPaysOnlyIt(t *testing.T) {
	store := seedCampaign(t, 10)
	gw := newFakeGateway()
	gw.submitErrs = []error{nil, nil, timeoutErr("0xlost")}
	runner := newTestRunner(t, store, gw)

	require.NoError(t, runner.Run(context.Background(), testCampaignID))

	c := campaignOf(t, store)
	assert.Equal(t, types.CampaignFailed, c.Status)
	assert.Equal(t, int64(8), c.CompletedRecipients)
	assert.Equal(t, 5, gw.batchCount(), "a confirmation timeout is not retried in-process")

	for _, id := range []int64{5, 6} {
		rc := recipientStatus(t, store, id)
		assert.Equal(t, types.RecipientFailed, rc.Status)
		require.NotNil(t, rc.ErrorMessage)
		assert.Contains(t, *rc.ErrorMessage, "timed out")
	}
	assert.Equal(t, types.RecipientCompleted, recipientStatus(t, store, 7).Status)

	gw.resetPaid()
	require.NoError(t, runner.Run(context.Background(), testCampaignID))

	assert.Equal(t, []string{wallet(5), wallet(6)}, gw.paidWallets())
	c = campaignOf(t, store)
	assert.Equal(t, types.CampaignCompleted, c.Status)
	assert.Equal(t, int64(10), c.CompletedRecipients)
}

func TestRunner_ReconcilesConfirmedTimeoutWithoutResubmitting(t *testing.T) {
	store := seedCampaign(t, 4)
	gw := newFakeGateway()
	gw.submitErrs = []error{timeoutErr("0xlate")}
	audit := &memoryAudit{}
	runner := newTestRunner(t, store, gw, distribution.WithAuditSink(audit))

	require.NoError(t, runner.Run(context.Background(), testCampaignID))
	assert.Equal(t, types.CampaignFailed, campaignOf(t, store).Status)

	gw.statuses["0xlate"] = ledger.TxConfirmed
	gw.resetPaid()

	plan, err := runner.Prepare(context.Background(), testCampaignID)
	require.NoError(t, err)
	assert.Equal(t, "3000000", plan.Required.String(), "only outstanding recipients are funded")
	require.NoError(t, runner.Execute(context.Background(), plan))

	assert.Zero(t, gw.batchCount())
	c := campaignOf(t, store)
	assert.Equal(t, types.CampaignCompleted, c.Status)
	assert.Equal(t, int64(4), c.CompletedRecipients)

	rc := recipientStatus(t, store, 1)
	assert.Equal(t, types.RecipientCompleted, rc.Status)
	assert.Equal(t, "0xlate", *rc.TxSignature)
	assert.Equal(t, int64(2), plan.Progress.Snapshot().Reconciled)
	assert.Contains(t, audit.outcomes(), models.ChunkReconciled)
	assert.Contains(t, audit.outcomes(), models.ChunkUnconfirmed)
}

func TestRunner_SkipsRecipientsOfPendingTransaction(t *testing.T) {
	store := seedCampaign(t, 4)
	gw := newFakeGateway()
	gw.submitErrs = []error{timeoutErr("0xslow")}
	runner := newTestRunner(t, store, gw)

	require.NoError(t, runner.Run(context.Background(), testCampaignID))

	gw.statuses["0xslow"] = ledger.TxPending
	gw.resetPaid()

	plan, err := runner.Prepare(context.Background(), testCampaignID)
	require.NoError(t, err)
	require.NoError(t, runner.Execute(context.Background(), plan))

	assert.Zero(t, gw.batchCount(), "pending transfers must not be paid twice")
	assert.Equal(t, types.CampaignFailed, campaignOf(t, store).Status)
	assert.Equal(t, int64(2), plan.Progress.Snapshot().Skipped)

	sig, ok := recipientStatus(t, store, 1).UnconfirmedSignature()
	assert.True(t, ok)
	assert.Equal(t, "0xslow", sig)
}

func TestRunner_RetriesWhenNothingWasBroadcast(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"prepare", &ledger.SubmitError{Stage: ledger.StagePrepare, Err: errors.New("nonce unavailable")}},
		{"refused broadcast", &ledger.SubmitError{Stage: ledger.StageBroadcast, Signature: "0xdead", Refused: true, Err: errors.New("nonce too low")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seedCampaign(t, 2)
			gw := newFakeGateway()
			gw.submitErrs = []error{tt.err}
			runner := newTestRunner(t, store, gw)

			require.NoError(t, runner.Run(context.Background(), testCampaignID))

			assert.Equal(t, 2, gw.batchCount())
			assert.Equal(t, []string{wallet(1), wallet(2)}, gw.paidWallets())
			assert.Equal(t, types.CampaignCompleted, campaignOf(t, store).Status)
		})
	}
}

func TestRunner_RejectedChunkIsNotRetried(t *testing.T) {
	store := seedCampaign(t, 2)
	gw := newFakeGateway()
	gw.submitErrs = []error{&ledger.SubmitError{
		Stage:     ledger.StageConfirm,
		Signature: "0xreverted",
		Err:       ledger.ErrRejected,
	}}
	runner := newTestRunner(t, store, gw)

	require.NoError(t, runner.Run(context.Background(), testCampaignID))

	assert.Equal(t, 1, gw.batchCount())
	assert.Equal(t, types.CampaignFailed, campaignOf(t, store).Status)

	rc := recipientStatus(t, store, 1)
	assert.Equal(t, types.RecipientFailed, rc.Status)
	_, ok := rc.UnconfirmedSignature()
	assert.False(t, ok, "a rejected transaction cannot land later")
}

func TestRunner_PrepareValidationOrder(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeGateway)
		want  error
	}{
		{
			name: "asset missing wins over balances",
			setup: func(g *fakeGateway) {
				g.assetInfo, g.assetInfoErr = nil, ledger.ErrAccountNotFound
				g.assetBalance = big.NewInt(0)
				g.nativeBalance = big.NewInt(0)
			},
			want: apperrors.ErrInvalidAsset,
		},
		{
			name: "asset without code",
			setup: func(g *fakeGateway) {
				g.assetInfo = &ledger.AccountInfo{Address: testToken, Exists: true}
			},
			want: apperrors.ErrInvalidAsset,
		},
		{
			name: "asset without decimals",
			setup: func(g *fakeGateway) {
				g.decimalsErr = errors.New("execution reverted")
			},
			want: apperrors.ErrInvalidAsset,
		},
		{
			name: "balance wins over fee",
			setup: func(g *fakeGateway) {
				g.assetBalance = big.NewInt(14_999_999)
				g.nativeBalance = big.NewInt(0)
			},
			want: apperrors.ErrInsufficientBalance,
		},
		{
			name: "fee reserve",
			setup: func(g *fakeGateway) {
				g.assetBalance = big.NewInt(15_000_000)
				g.nativeBalance = big.NewInt(99)
			},
			want: apperrors.ErrInsufficientFee,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seedCampaign(t, 10)
			gw := newFakeGateway()
			tt.setup(gw)
			runner := newTestRunner(t, store, gw)

			_, err := runner.Prepare(context.Background(), testCampaignID)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, types.CampaignPending, campaignOf(t, store).Status)
			assert.Zero(t, gw.batchCount())
		})
	}
}

func TestRunner_PrepareExactBalanceIsEnough(t *testing.T) {
	store := seedCampaign(t, 10)
	gw := newFakeGateway()
	gw.assetBalance = big.NewInt(15_000_000)
	gw.nativeBalance = big.NewInt(100)
	runner := newTestRunner(t, store, gw)

	_, err := runner.Prepare(context.Background(), testCampaignID)
	assert.NoError(t, err)
}

func TestRunner_PrepareCampaignState(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		runner := newTestRunner(t, seedCampaign(t, 1), newFakeGateway())
		_, err := runner.Prepare(ctx, "missing")
		assert.ErrorIs(t, err, apperrors.ErrCampaignNotFound)
	})

	t.Run("completed", func(t *testing.T) {
		store := seedCampaign(t, 1)
		runner := newTestRunner(t, store, newFakeGateway())
		require.NoError(t, runner.Run(ctx, testCampaignID))

		_, err := runner.Prepare(ctx, testCampaignID)
		assert.ErrorIs(t, err, apperrors.ErrCampaignCompleted)
	})

	t.Run("already running", func(t *testing.T) {
		store := seedCampaign(t, 1)
		runner := newTestRunner(t, store, newFakeGateway())
		_, err := runner.Prepare(ctx, testCampaignID)
		require.NoError(t, err)

		_, err = runner.Prepare(ctx, testCampaignID)
		assert.ErrorIs(t, err, apperrors.ErrAlreadyRunning)
		assert.Equal(t, 409, apperrors.GetHTTPStatusCode(err))
	})

	t.Run("resume stale", func(t *testing.T) {
		store := seedCampaign(t, 1)
		runner := newTestRunner(t, store, newFakeGateway())
		_, err := runner.Prepare(ctx, testCampaignID)
		require.NoError(t, err)

		plan, err := runner.Prepare(ctx, testCampaignID, distribution.WithResumeStale())
		require.NoError(t, err)
		require.NoError(t, runner.Execute(ctx, plan))
		assert.Equal(t, types.CampaignCompleted, campaignOf(t, store).Status)
	})

	t.Run("wrong network", func(t *testing.T) {
		store := seedCampaign(t, 1)
		gw := newFakeGateway()
		cfg := testRunnerConfig()
		cfg.Network = string(types.NetworkPolygon)
		runner := distribution.NewRunner(store, gw, newTestSigner(t), cfg)

		_, err := runner.Prepare(ctx, testCampaignID)
		assert.ErrorIs(t, err, apperrors.ErrInvalidNetwork)
		assert.Equal(t, 400, apperrors.GetHTTPStatusCode(err))
	})
}

func TestRunner_CancellationStopsBetweenChunks(t *testing.T) {
	store := seedCampaign(t, 10)
	gw := newFakeGateway()
	runner := newTestRunner(t, store, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.onSubmit = func(call int) {
		if call == 1 {
			cancel()
		}
	}

	plan, err := runner.Prepare(ctx, testCampaignID)
	require.NoError(t, err)

	err = runner.Execute(ctx, plan)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, gw.batchCount())

	c := campaignOf(t, store)
	assert.Equal(t, types.CampaignFailed, c.Status)
	assert.Equal(t, int64(2), c.CompletedRecipients, "the in-flight chunk is still recorded")
	assert.Equal(t, types.CampaignFailed, plan.Progress.Snapshot().Status)

	gw.onSubmit = nil
	gw.resetPaid()
	require.NoError(t, runner.Run(context.Background(), testCampaignID))
	assert.Len(t, gw.paidWallets(), 8)
	assert.Equal(t, types.CampaignCompleted, campaignOf(t, store).Status)
}

func TestRunner_SpendApprovalFailureAbortsRun(t *testing.T) {
	store := seedCampaign(t, 2)
	gw := newFakeGateway()
	gw.approveErr = errors.New("approve reverted")
	runner := newTestRunner(t, store, gw)

	err := runner.Run(context.Background(), testCampaignID)
	require.Error(t, err)
	assert.Zero(t, gw.batchCount())
	assert.Equal(t, types.CampaignFailed, campaignOf(t, store).Status)
}

func TestRunner_RepairsDriftedCompletedCounter(t *testing.T) {
	store := seedCampaign(t, 4)
	gw := newFakeGateway()
	runner := newTestRunner(t, store, gw)

	// a crash between marking recipients and bumping the counter
	_, err := store.MarkRecipientsCompleted(context.Background(), []int64{1}, "0xearlier")
	require.NoError(t, err)

	require.NoError(t, runner.Run(context.Background(), testCampaignID))

	c := campaignOf(t, store)
	assert.Equal(t, int64(4), c.CompletedRecipients)
	assert.Equal(t, types.CampaignCompleted, c.Status)
	assert.Len(t, gw.paidWallets(), 3)
}

func TestRunner_TruncatesFractionalAmounts(t *testing.T) {
	store := seedCampaign(t, 1)
	gw := newFakeGateway()
	gw.decimals = 0
	runner := newTestRunner(t, store, gw)

	require.NoError(t, runner.Run(context.Background(), testCampaignID))

	require.Len(t, gw.batches, 1)
	assert.Equal(t, "1", gw.batches[0].Instructions[0].Amount.String(), "1.5 with 0 decimals never rounds up")
}

func TestRunner_PreconditionsFollowRecipientAmounts(t *testing.T) {
	ctx := context.Background()

	t.Run("rows above the campaign amount", func(t *testing.T) {
		store := seedCampaignRows(t, 10, "100")
		gw := newFakeGateway()
		gw.assetBalance = big.NewInt(15_000_000) // enough for 10 × 1.5, not 10 × 100
		runner := newTestRunner(t, store, gw)

		_, err := runner.Prepare(ctx, testCampaignID)
		assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
		assert.Equal(t, types.CampaignPending, campaignOf(t, store).Status)
		assert.Zero(t, gw.batchCount())
	})

	t.Run("approval and balance cover what is transferred", func(t *testing.T) {
		store := seedCampaignRows(t, 10, "100")
		gw := newFakeGateway()
		gw.assetBalance = big.NewInt(1_000_000_000)
		runner := newTestRunner(t, store, gw)

		plan, err := runner.Prepare(ctx, testCampaignID)
		require.NoError(t, err)
		assert.Equal(t, "1000000000", plan.Required.String())

		require.NoError(t, runner.Execute(ctx, plan))
		assert.Equal(t, types.CampaignCompleted, campaignOf(t, store).Status)
		assert.Equal(t, plan.Required.String(), gw.approved.String())
		assert.Equal(t, plan.Required.String(), gw.transferred().String())
	})

	t.Run("truncated rows never exceed the requirement", func(t *testing.T) {
		store := seedCampaignRows(t, 10, "0.0000015")
		gw := newFakeGateway()
		runner := newTestRunner(t, store, gw)

		plan, err := runner.Prepare(ctx, testCampaignID)
		require.NoError(t, err)
		require.NoError(t, runner.Execute(ctx, plan))

		assert.Equal(t, "15", plan.Required.String())
		assert.Equal(t, "10", gw.transferred().String(), "each row truncates to 1 base unit")
	})

	t.Run("paid rows are not required again", func(t *testing.T) {
		store := seedCampaignRows(t, 4, "100")
		_, err := store.MarkRecipientsCompleted(ctx, []int64{1, 2}, "0xearlier")
		require.NoError(t, err)
		gw := newFakeGateway()
		gw.assetBalance = big.NewInt(200_000_000)
		runner := newTestRunner(t, store, gw)

		plan, err := runner.Prepare(ctx, testCampaignID)
		require.NoError(t, err)
		assert.Equal(t, "200000000", plan.Required.String())
	})
}

func TestRunner_ResumesAfterCrashWithoutRepaying(t *testing.T) {
	ctx := context.Background()
	store := seedCampaign(t, 10)

	// a previous process claimed the campaign, confirmed chunks covering
	// recipients 1-4 and died before finalizing
	won, err := store.ClaimCampaign(ctx, testCampaignID)
	require.NoError(t, err)
	require.True(t, won)
	n, err := store.MarkRecipientsCompleted(ctx, []int64{1, 2, 3, 4}, "0xbefore")
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	require.NoError(t, store.IncrementCompleted(ctx, testCampaignID, 4))

	gw := newFakeGateway()
	runner := newTestRunner(t, store, gw)

	_, err = runner.Prepare(ctx, testCampaignID)
	require.ErrorIs(t, err, apperrors.ErrAlreadyRunning, "an IN_PROGRESS campaign needs an explicit takeover")

	plan, err := runner.Prepare(ctx, testCampaignID, distribution.WithResumeStale())
	require.NoError(t, err)
	assert.Equal(t, "9000000", plan.Required.String())
	require.NoError(t, runner.Execute(ctx, plan))

	var want []string
	for i := 5; i <= 10; i++ {
		want = append(want, wallet(i))
	}
	assert.Equal(t, want, gw.paidWallets())

	c := campaignOf(t, store)
	assert.Equal(t, types.CampaignCompleted, c.Status)
	assert.Equal(t, int64(10), c.CompletedRecipients)

	for id := int64(1); id <= 4; id++ {
		rc := recipientStatus(t, store, id)
		assert.Equal(t, types.RecipientCompleted, rc.Status)
		assert.Equal(t, "0xbefore", *rc.TxSignature, "recipient %d keeps its original payment", id)
	}
	for id := int64(5); id <= 10; id++ {
		assert.Equal(t, types.RecipientCompleted, recipientStatus(t, store, id).Status)
	}
}
