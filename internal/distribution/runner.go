package distribution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	apperrors "github.com/token-distributor/internal/errors"
	"github.com/token-distributor/internal/ledger"
	"github.com/token-distributor/internal/logging"
	"github.com/token-distributor/internal/models"
	"github.com/token-distributor/internal/retry"
	"github.com/token-distributor/internal/types"
)

const (
	DefaultPageSize  = 200
	DefaultChunkSize = 8
	DefaultThrottle  = 2 * time.Second
)

// RunnerConfig tunes a Runner. Zero values fall back to the defaults.
type RunnerConfig struct {
	// Network, when set, must match the campaign's network
	Network   string
	PageSize  int
	ChunkSize int
	Throttle  time.Duration
	// FeeReservePerRecipient is the native balance, in base units, kept
	// available per outstanding recipient to pay transaction fees
	FeeReservePerRecipient *big.Int
	Retry                  *retry.RetryConfig
}

// DefaultRunnerConfig returns the standard tuning
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PageSize:               DefaultPageSize,
		ChunkSize:              DefaultChunkSize,
		Throttle:               DefaultThrottle,
		FeeReservePerRecipient: big.NewInt(0),
		Retry:                  retry.DefaultRetryConfig(),
	}
}

// Plan is a validated, claimed campaign ready to execute
type Plan struct {
	Campaign    *models.Campaign
	RunID       string
	Distributor string
	Network     string
	Decimals    uint8
	// Required is the base-unit total of the recipients not yet paid, not of
	// every recipient, so a resumed campaign is not charged for finished work.
	// It bounds both the balance check and the spend approval.
	Required *big.Int
	Progress *Progress
}

// PrepareOption customizes Prepare
type PrepareOption func(*prepareOptions)

type prepareOptions struct {
	runID       string
	resumeStale bool
}

// WithRunID tags the run's logs and audit records
func WithRunID(runID string) PrepareOption {
	return func(o *prepareOptions) { o.runID = runID }
}

// WithResumeStale lets Prepare take over a campaign left IN_PROGRESS by a dead run.
// Callers must hold the campaign's run lock.
func WithResumeStale() PrepareOption {
	return func(o *prepareOptions) { o.resumeStale = true }
}

// RunnerOption customizes a Runner
type RunnerOption func(*Runner)

// WithAuditSink records every chunk outcome to sink
func WithAuditSink(sink AuditSink) RunnerOption {
	return func(r *Runner) { r.audit = sink }
}

// Runner drives a campaign from precondition checks to finalization
type Runner struct {
	store       ProgressStore
	gateway     ledger.Gateway
	signer      ledger.Signer
	pager       *Pager
	provisioner *Provisioner
	builder     *ChunkBuilder
	throttle    *Throttle
	audit       AuditSink
	config      RunnerConfig
}

// NewRunner creates a runner paying out of signer's balances
func NewRunner(store ProgressStore, gateway ledger.Gateway, signer ledger.Signer, config RunnerConfig, opts ...RunnerOption) *Runner {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.Throttle < 0 {
		config.Throttle = 0
	}
	if config.FeeReservePerRecipient == nil {
		config.FeeReservePerRecipient = big.NewInt(0)
	}

	provisioner := NewProvisioner(gateway, signer)
	r := &Runner{
		store:       store,
		gateway:     gateway,
		signer:      signer,
		pager:       NewPager(store),
		provisioner: provisioner,
		builder:     NewChunkBuilder(gateway, signer, provisioner, config.Retry),
		throttle:    NewThrottle(config.Throttle),
		config:      config,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Distributor returns the address paying out
func (r *Runner) Distributor() string {
	return r.signer.Address()
}

// Run validates, claims and executes a campaign in the foreground
func (r *Runner) Run(ctx context.Context, campaignID string, opts ...PrepareOption) error {
	plan, err := r.Prepare(ctx, campaignID, opts...)
	if err != nil {
		return err
	}
	return r.Execute(ctx, plan)
}

// Prepare checks every precondition and claims the campaign. Failures are
// *errors.CategorizedError and leave the campaign untouched.
func (r *Runner) Prepare(ctx context.Context, campaignID string, opts ...PrepareOption) (*Plan, error) {
	var o prepareOptions
	for _, opt := range opts {
		opt(&o)
	}

	campaign, err := r.store.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, apperrors.ErrCampaignNotFound) {
			return nil, err
		}
		return nil, apperrors.NewDatabaseError("get campaign", err)
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"campaignId": campaign.ID,
		"runId":      o.runID,
	})

	if r.config.Network != "" && string(campaign.Network) != r.config.Network {
		return nil, apperrors.NewInvalidNetworkError(string(campaign.Network),
			fmt.Sprintf("engine is configured for %s", r.config.Network))
	}

	switch campaign.Status {
	case types.CampaignCompleted:
		return nil, apperrors.NewCampaignCompletedError(campaign.ID)
	case types.CampaignInProgress:
		if !o.resumeStale {
			return nil, apperrors.NewAlreadyRunningError(campaign.ID)
		}
	}

	decimals, err := r.validateAsset(ctx, campaign.TokenID)
	if err != nil {
		return nil, err
	}

	distributor := r.signer.Address()
	if _, created, err := r.provisioner.EnsureAccount(ctx, distributor, campaign.TokenID); err != nil {
		return nil, apperrors.NewLedgerError("ensure distributor account", err)
	} else if created {
		logger.WithField("distributor", distributor).Info("Created distributor receiving account")
	}

	// truncating the total never undercounts the sum of per-row truncations
	owed, err := r.store.SumOutstandingAmount(ctx, campaign.ID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("sum outstanding amounts", err)
	}
	required, err := ledger.ToBaseUnits(owed, decimals)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("amount", err.Error())
	}
	outstanding := campaign.Outstanding()

	balance, err := r.gateway.GetAssetBalance(ctx, distributor, campaign.TokenID)
	if err != nil {
		return nil, apperrors.NewLedgerError("get asset balance", err)
	}
	if balance.Cmp(required) < 0 {
		return nil, apperrors.NewInsufficientBalanceError(
			ledger.FromBaseUnits(required, decimals).String(),
			ledger.FromBaseUnits(balance, decimals).String())
	}

	feeRequired := ledger.MulCount(r.config.FeeReservePerRecipient, outstanding)
	native, err := r.gateway.GetNativeBalance(ctx, distributor)
	if err != nil {
		return nil, apperrors.NewLedgerError("get native balance", err)
	}
	if native.Cmp(feeRequired) < 0 {
		return nil, apperrors.NewInsufficientFeeError(feeRequired.String(), native.String())
	}

	won, err := r.store.ClaimCampaign(ctx, campaign.ID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("claim campaign", err)
	}
	if !won && o.resumeStale {
		won, err = r.store.ReclaimStale(ctx, campaign.ID)
		if err != nil {
			return nil, apperrors.NewDatabaseError("reclaim campaign", err)
		}
		if won {
			logger.Warn("Reclaimed stale in-progress campaign")
		}
	}
	if !won {
		return nil, apperrors.NewAlreadyRunningError(campaign.ID)
	}

	logger.WithFields(map[string]interface{}{
		"distributor": distributor,
		"outstanding": outstanding,
		"required":    required.String(),
	}).Info("Campaign claimed for distribution")

	return &Plan{
		Campaign:    campaign,
		RunID:       o.runID,
		Distributor: distributor,
		Network:     string(campaign.Network),
		Decimals:    decimals,
		Required:    required,
		Progress:    NewProgress(),
	}, nil
}

// validateAsset confirms the asset is a live token contract and returns its decimals
func (r *Runner) validateAsset(ctx context.Context, assetID string) (uint8, error) {
	info, err := r.gateway.GetAccountInfo(ctx, assetID)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return 0, apperrors.NewInvalidAssetError(assetID, err)
	case err != nil:
		return 0, apperrors.NewLedgerError("get asset account", err)
	case !info.Exists || !info.IsContract:
		return 0, apperrors.NewInvalidAssetError(assetID, nil)
	}

	decimals, err := r.gateway.AssetDecimals(ctx, assetID)
	if err != nil {
		if errors.Is(err, ledger.ErrNoHealthyEndpoint) {
			return 0, apperrors.NewLedgerError("get asset decimals", err)
		}
		return 0, apperrors.NewInvalidAssetError(assetID, err)
	}
	return decimals, nil
}

// Execute pays every outstanding recipient of a prepared campaign and
// finalizes its status. Any error that stops the run leaves the campaign FAILED.
func (r *Runner) Execute(ctx context.Context, plan *Plan) (err error) {
	campaignID := plan.Campaign.ID
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"campaignId": campaignID,
		"runId":      plan.RunID,
	})
	ctx = logging.WithLogger(ctx, logger)
	started := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("distribution panicked: %v", rec)
		}
		if err != nil {
			r.abort(context.WithoutCancel(ctx), plan, err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.provisioner.EnsureDistributorReady(ctx, plan.Campaign.TokenID, plan.Required); err != nil {
		return apperrors.NewLedgerError("prepare distributor", err)
	}

	var (
		cursor    int64
		page      int
		submitted int
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		recipients, err := r.pager.NextPage(ctx, campaignID, cursor, r.config.PageSize)
		if err != nil {
			return apperrors.NewDatabaseError("next recipient page", err)
		}
		if len(recipients) == 0 {
			break
		}
		page++
		cursor = models.MaxRecipientID(recipients)
		plan.Progress.pageStarted()

		pending, err := r.reconcile(ctx, plan, page, recipients)
		if err != nil {
			return err
		}

		for i, chunk := range SplitChunks(pending, r.config.ChunkSize) {
			if submitted > 0 {
				if err := r.throttle.Wait(ctx); err != nil {
					return err
				}
			}
			submitted++
			if err := r.processChunk(ctx, plan, page, i+1, chunk); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}

	status, err := r.finalize(ctx, plan)
	if err != nil {
		return err
	}

	snap := plan.Progress.Snapshot()
	logger.WithFields(map[string]interface{}{
		"status":     status,
		"pages":      snap.Pages,
		"chunks":     snap.Chunks,
		"completed":  snap.Completed,
		"failed":     snap.Failed,
		"reconciled": snap.Reconciled,
		"duration":   time.Since(started).String(),
	}).Info("Distribution finished")
	return nil
}

// processChunk submits one chunk and records its outcome for every member.
// Only store failures abort the run.
func (r *Runner) processChunk(ctx context.Context, plan *Plan, page, index int, chunk []*models.Recipient) error {
	ids := models.RecipientIDs(chunk)
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"page":       page,
		"chunk":      index,
		"recipients": len(chunk),
	})

	res := r.builder.Submit(ctx, plan.Campaign, chunk)

	// the ledger outcome must be recorded even if the run was cancelled
	storeCtx := context.WithoutCancel(ctx)
	record := &models.ChunkAuditRecord{
		CampaignID:   plan.Campaign.ID,
		RunID:        plan.RunID,
		Page:         page,
		Chunk:        index,
		RecipientIDs: ids,
		Signature:    res.Signature,
		Attempts:     res.Attempts,
		Duration:     res.Duration,
	}

	if res.Err == nil {
		n, err := r.store.MarkRecipientsCompleted(storeCtx, ids, res.Signature)
		if err != nil {
			return apperrors.NewDatabaseError("mark recipients completed", err)
		}
		if n > 0 {
			if err := r.store.IncrementCompleted(storeCtx, plan.Campaign.ID, n); err != nil {
				return apperrors.NewDatabaseError("increment completed", err)
			}
		}
		plan.Progress.chunkCompleted(n)
		record.Outcome = models.ChunkConfirmed
		logger.WithField("signature", res.Signature).Info("Chunk confirmed")
		r.recordAudit(storeCtx, record)
		return nil
	}

	message := res.Err.Error()
	record.Error = message
	if signature, ok := ledger.Unconfirmed(res.Err); ok {
		if err := r.store.MarkRecipientsUnconfirmed(storeCtx, ids, signature, message); err != nil {
			return apperrors.NewDatabaseError("mark recipients unconfirmed", err)
		}
		record.Outcome = models.ChunkUnconfirmed
		logger.WithError(res.Err).WithField("signature", signature).Warn("Chunk outcome unknown, will reconcile on next run")
	} else {
		if err := r.store.MarkRecipientsFailed(storeCtx, ids, message); err != nil {
			return apperrors.NewDatabaseError("mark recipients failed", err)
		}
		record.Outcome = models.ChunkFailed
		logger.WithError(res.Err).Warn("Chunk failed")
	}
	plan.Progress.chunkFailed(int64(len(chunk)), res.Err)
	r.recordAudit(storeCtx, record)
	return nil
}

// reconcile resolves FAILED recipients still carrying the signature of an
// unconfirmed broadcast and returns the recipients that need a transfer.
func (r *Runner) reconcile(ctx context.Context, plan *Plan, page int, recipients []*models.Recipient) ([]*models.Recipient, error) {
	groups := make(map[string][]*models.Recipient)
	var order []string
	for _, rc := range recipients {
		signature, ok := rc.UnconfirmedSignature()
		if !ok {
			continue
		}
		if _, seen := groups[signature]; !seen {
			order = append(order, signature)
		}
		groups[signature] = append(groups[signature], rc)
	}
	if len(order) == 0 {
		return recipients, nil
	}

	logger := logging.FromContext(ctx).WithField("page", page)
	storeCtx := context.WithoutCancel(ctx)
	settled := make(map[int64]bool)

	for _, signature := range order {
		group := groups[signature]
		ids := models.RecipientIDs(group)
		sigLogger := logger.WithFields(map[string]interface{}{
			"signature":  signature,
			"recipients": len(group),
		})

		status, err := r.gateway.TransactionStatus(ctx, signature)
		if err != nil {
			sigLogger.WithError(err).Warn("Could not check unconfirmed transaction, skipping its recipients")
			markSettled(settled, ids)
			plan.Progress.skippedPending(int64(len(ids)))
			continue
		}

		switch status {
		case ledger.TxConfirmed:
			n, err := r.store.MarkRecipientsCompleted(storeCtx, ids, signature)
			if err != nil {
				return nil, apperrors.NewDatabaseError("mark reconciled recipients completed", err)
			}
			if n > 0 {
				if err := r.store.IncrementCompleted(storeCtx, plan.Campaign.ID, n); err != nil {
					return nil, apperrors.NewDatabaseError("increment completed", err)
				}
			}
			markSettled(settled, ids)
			plan.Progress.reconciledCompleted(n)
			r.recordAudit(storeCtx, &models.ChunkAuditRecord{
				CampaignID:   plan.Campaign.ID,
				RunID:        plan.RunID,
				Page:         page,
				RecipientIDs: ids,
				Outcome:      models.ChunkReconciled,
				Signature:    signature,
			})
			sigLogger.Info("Unconfirmed transaction landed, recipients completed")
		case ledger.TxPending:
			markSettled(settled, ids)
			plan.Progress.skippedPending(int64(len(ids)))
			sigLogger.Info("Unconfirmed transaction still pending, skipping its recipients")
		default:
			sigLogger.WithField("status", status).Info("Unconfirmed transaction did not land, resubmitting")
		}
	}

	pending := make([]*models.Recipient, 0, len(recipients))
	for _, rc := range recipients {
		if !settled[rc.ID] {
			pending = append(pending, rc)
		}
	}
	return pending, nil
}

func markSettled(settled map[int64]bool, ids []int64) {
	for _, id := range ids {
		settled[id] = true
	}
}

// finalize compares the persisted COMPLETED count with the campaign total.
// The completed counter is rewritten from the count when they disagree.
func (r *Runner) finalize(ctx context.Context, plan *Plan) (types.CampaignStatus, error) {
	storeCtx := context.WithoutCancel(ctx)
	campaignID := plan.Campaign.ID

	completed, err := r.store.CountRecipients(storeCtx, campaignID, types.RecipientCompleted)
	if err != nil {
		return "", apperrors.NewDatabaseError("count completed recipients", err)
	}
	campaign, err := r.store.GetCampaign(storeCtx, campaignID)
	if err != nil {
		return "", apperrors.NewDatabaseError("get campaign", err)
	}
	if campaign.CompletedRecipients != completed {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"counter": campaign.CompletedRecipients,
			"counted": completed,
		}).Warn("Completed counter drifted, repairing")
		if err := r.store.SetCompletedCount(storeCtx, campaignID, completed); err != nil {
			return "", apperrors.NewDatabaseError("set completed count", err)
		}
	}

	status := types.CampaignFailed
	if completed == campaign.TotalRecipients {
		status = types.CampaignCompleted
	}
	if err := r.store.UpdateCampaignStatus(storeCtx, campaignID, status); err != nil {
		return "", apperrors.NewDatabaseError("update campaign status", err)
	}
	plan.Progress.finish(status, nil)
	return status, nil
}

// abort forces the campaign to FAILED after an error stopped the run
func (r *Runner) abort(ctx context.Context, plan *Plan, cause error) {
	logger := logging.FromContext(ctx).WithError(cause)
	plan.Progress.finish(types.CampaignFailed, cause)

	if err := r.store.UpdateCampaignStatus(ctx, plan.Campaign.ID, types.CampaignFailed); err != nil {
		logger.WithField("statusError", err.Error()).Error("Distribution aborted and campaign could not be marked FAILED")
		return
	}
	logger.Error("Distribution aborted, campaign marked FAILED")
}

func (r *Runner) recordAudit(ctx context.Context, record *models.ChunkAuditRecord) {
	if r.audit == nil {
		return
	}
	record.RecordedAt = time.Now().UTC()
	if err := r.audit.RecordChunk(ctx, record); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to record chunk audit")
	}
}
