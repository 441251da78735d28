// Package distribution drives a campaign's payouts: precondition checks,
// paging outstanding recipients, chunked batch submission and finalization.
package distribution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/token-distributor/internal/models"
	"github.com/token-distributor/internal/types"
)

// ProgressStore persists campaign and recipient progress.
// GetCampaign returns an error matching errors.ErrCampaignNotFound for unknown IDs.
type ProgressStore interface {
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	// UpdateCampaignStatus only moves along allowed transitions
	UpdateCampaignStatus(ctx context.Context, id string, status types.CampaignStatus) error
	IncrementCompleted(ctx context.Context, id string, n int64) error
	CountRecipients(ctx context.Context, campaignID string, status types.RecipientStatus) (int64, error)
	// SumOutstandingAmount totals Amount over PENDING and FAILED recipients
	SumOutstandingAmount(ctx context.Context, campaignID string) (decimal.Decimal, error)
	// NextRecipientPage returns PENDING and FAILED recipients with ID > afterID, ascending, at most limit
	NextRecipientPage(ctx context.Context, campaignID string, afterID int64, limit int) ([]*models.Recipient, error)
	// MarkRecipientsCompleted returns how many recipients changed to COMPLETED
	MarkRecipientsCompleted(ctx context.Context, ids []int64, signature string) (int64, error)
	MarkRecipientsFailed(ctx context.Context, ids []int64, errorMessage string) error

	// ClaimCampaign moves PENDING or FAILED to IN_PROGRESS in one conditional
	// write and reports whether this caller won.
	ClaimCampaign(ctx context.Context, id string) (bool, error)
	// ReclaimStale takes over a campaign left IN_PROGRESS by a dead run
	ReclaimStale(ctx context.Context, id string) (bool, error)
	// MarkRecipientsUnconfirmed marks recipients FAILED but keeps the signature
	// of the broadcast whose outcome is unknown, for reconciliation.
	MarkRecipientsUnconfirmed(ctx context.Context, ids []int64, signature, errorMessage string) error
	SetCompletedCount(ctx context.Context, id string, n int64) error
}

// AuditSink receives one record per chunk outcome
type AuditSink interface {
	RecordChunk(ctx context.Context, record *models.ChunkAuditRecord) error
}
