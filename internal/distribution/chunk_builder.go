package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/token-distributor/internal/ledger"
	"github.com/token-distributor/internal/logging"
	"github.com/token-distributor/internal/models"
	"github.com/token-distributor/internal/retry"
)

// ChunkResult is the outcome of submitting one chunk
type ChunkResult struct {
	Signature string
	Attempts  int
	Duration  time.Duration
	Err       error
}

// ChunkBuilder turns a chunk of recipients into one atomic batch and submits it
type ChunkBuilder struct {
	gateway     ledger.Gateway
	signer      ledger.Signer
	provisioner *Provisioner
	retry       *retry.RetryConfig
}

// NewChunkBuilder creates a chunk builder. A nil retry config submits once.
func NewChunkBuilder(gateway ledger.Gateway, signer ledger.Signer, provisioner *Provisioner, retryConfig *retry.RetryConfig) *ChunkBuilder {
	cfg := retry.RetryConfig{MaxAttempts: 1}
	if retryConfig != nil {
		cfg = *retryConfig
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	cfg.Retryable = ledger.IsRetryableSubmit
	return &ChunkBuilder{
		gateway:     gateway,
		signer:      signer,
		provisioner: provisioner,
		retry:       &cfg,
	}
}

// BuildAndSubmit submits the chunk and returns the confirmed signature
func (b *ChunkBuilder) BuildAndSubmit(ctx context.Context, campaign *models.Campaign, chunk []*models.Recipient) (string, error) {
	res := b.Submit(ctx, campaign, chunk)
	return res.Signature, res.Err
}

// Submit builds and submits the chunk, retrying only failures that prove
// nothing reached the ledger. Each attempt rebuilds the batch against a
// fresh commit handle.
func (b *ChunkBuilder) Submit(ctx context.Context, campaign *models.Campaign, chunk []*models.Recipient) *ChunkResult {
	if len(chunk) == 0 {
		return &ChunkResult{Err: fmt.Errorf("empty chunk")}
	}

	var signature string
	result := retry.WithExponentialBackoff(ctx, b.retry, func(ctx context.Context, attempt int) error {
		batch, err := b.build(ctx, campaign, chunk)
		if err != nil {
			return err
		}
		signature, err = b.gateway.SubmitAndConfirm(ctx, batch, b.signer)
		return err
	})

	res := &ChunkResult{Attempts: result.Attempts, Duration: result.TotalDuration}
	if result.Success {
		res.Signature = signature
		return res
	}
	res.Err = result.LastError
	if sig, ok := ledger.Unconfirmed(result.LastError); ok {
		res.Signature = sig
	}
	return res
}

// build assembles create-account and transfer instructions for every recipient.
// Ledger reads that fail are reported as prepare-stage submit errors so
// they are retried. Bad recipient data is not.
func (b *ChunkBuilder) build(ctx context.Context, campaign *models.Campaign, chunk []*models.Recipient) (*ledger.Batch, error) {
	decimals, err := b.gateway.AssetDecimals(ctx, campaign.TokenID)
	if err != nil {
		return nil, prepareError(err)
	}
	commit, err := b.gateway.GetRecentCommitHandle(ctx)
	if err != nil {
		return nil, prepareError(err)
	}

	batch := &ledger.Batch{
		AssetID:      campaign.TokenID,
		Instructions: make([]ledger.Instruction, 0, len(chunk)),
		Commit:       commit,
	}
	for _, r := range chunk {
		amount, err := ledger.ToBaseUnits(r.Amount, decimals)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", r.ID, err)
		}
		account, create, err := b.provisioner.PlanAccount(ctx, r.WalletAddress, campaign.TokenID)
		if err != nil {
			if errors.Is(err, ErrInvalidRecipient) {
				return nil, fmt.Errorf("recipient %d: %w", r.ID, err)
			}
			return nil, prepareError(err)
		}
		if create != nil {
			batch.Instructions = append(batch.Instructions, *create)
		}
		batch.Instructions = append(batch.Instructions, ledger.TransferInstruction(r.WalletAddress, account, campaign.TokenID, amount))
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"transfers":    batch.TransferCount(),
		"instructions": len(batch.Instructions),
	}).Debug("Built chunk batch")
	return batch, nil
}

func prepareError(err error) error {
	var se *ledger.SubmitError
	if errors.As(err, &se) {
		return err
	}
	return &ledger.SubmitError{Stage: ledger.StagePrepare, Err: err}
}
