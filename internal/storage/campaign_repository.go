package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	apperrors "github.com/token-distributor/internal/errors"
	"github.com/token-distributor/internal/models"
	"github.com/token-distributor/internal/types"
)

// ErrInvalidTransition is returned when a campaign status update would skip
// or reverse the lifecycle
var ErrInvalidTransition = errors.New("invalid campaign status transition")

// RecipientFilter selects a page of recipients for listing
type RecipientFilter struct {
	// Status filters by status when non-empty
	Status  types.RecipientStatus
	AfterID int64
	Limit   int
}

// CampaignRepository persists campaigns and recipients in Postgres
type CampaignRepository struct {
	db *PostgresDB
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *PostgresDB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `
	id::text, name, network, token_id, amount_per_recipient::text,
	total_recipients, completed_recipients, status,
	created_at, updated_at, started_at, finished_at
`

const recipientColumns = `
	id, campaign_id::text, wallet_address, amount::text, status,
	tx_signature, error_message, attempts, updated_at
`

// GetCampaign retrieves a campaign by ID
func (r *CampaignRepository) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	var (
		c      models.Campaign
		amount string
	)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.Name,
		&c.Network,
		&c.TokenID,
		&amount,
		&c.TotalRecipients,
		&c.CompletedRecipients,
		&c.Status,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.StartedAt,
		&c.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewCampaignNotFoundError(id)
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	c.AmountPerRecipient, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount_per_recipient for campaign %s: %w", id, err)
	}
	return &c, nil
}

// UpdateCampaignStatus moves a campaign to status if its current status is
// an allowed predecessor
func (r *CampaignRepository) UpdateCampaignStatus(ctx context.Context, id string, status types.CampaignStatus) error {
	from := status.Predecessors()
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing may enter %s", ErrInvalidTransition, status)
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	query := `
		UPDATE campaigns
		SET status = $2::text,
			updated_at = NOW(),
			started_at = CASE WHEN $2::text = 'IN_PROGRESS' THEN NOW() ELSE started_at END,
			finished_at = CASE WHEN $2::text IN ('COMPLETED', 'FAILED') THEN NOW() ELSE NULL END
		WHERE id = $1 AND status = ANY($3)
	`
	result, err := r.db.Pool().Exec(ctx, query, id, string(status), allowed)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	if result.RowsAffected() == 0 {
		current, err := r.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, status)
	}
	return nil
}

// ClaimCampaign moves a PENDING or FAILED campaign to IN_PROGRESS and reports
// whether this call made the change
func (r *CampaignRepository) ClaimCampaign(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = 'IN_PROGRESS', started_at = NOW(), finished_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'FAILED')
	`
	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim campaign: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ReclaimStale restarts the clock on a campaign left IN_PROGRESS
func (r *CampaignRepository) ReclaimStale(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE campaigns
		SET started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'IN_PROGRESS'
	`
	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim campaign: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// IncrementCompleted adds n to the campaign's completed counter
func (r *CampaignRepository) IncrementCompleted(ctx context.Context, id string, n int64) error {
	query := `
		UPDATE campaigns
		SET completed_recipients = completed_recipients + $2, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool().Exec(ctx, query, id, n)
	if err != nil {
		return fmt.Errorf("failed to increment completed recipients: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.NewCampaignNotFoundError(id)
	}
	return nil
}

// SetCompletedCount overwrites the campaign's completed counter
func (r *CampaignRepository) SetCompletedCount(ctx context.Context, id string, n int64) error {
	query := `UPDATE campaigns SET completed_recipients = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id, n)
	if err != nil {
		return fmt.Errorf("failed to set completed recipients: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.NewCampaignNotFoundError(id)
	}
	return nil
}

// CountRecipients counts a campaign's recipients in status
func (r *CampaignRepository) CountRecipients(ctx context.Context, campaignID string, status types.RecipientStatus) (int64, error) {
	query := `SELECT COUNT(*) FROM recipients WHERE campaign_id = $1 AND status = $2`

	var count int64
	if err := r.db.Pool().QueryRow(ctx, query, campaignID, string(status)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recipients: %w", err)
	}
	return count, nil
}

// SumOutstandingAmount totals the amounts still owed to PENDING and FAILED recipients
func (r *CampaignRepository) SumOutstandingAmount(ctx context.Context, campaignID string) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)::text
		FROM recipients
		WHERE campaign_id = $1 AND status IN ('PENDING', 'FAILED')
	`

	var total string
	if err := r.db.Pool().QueryRow(ctx, query, campaignID).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum outstanding amounts: %w", err)
	}
	return decimal.NewFromString(total)
}

// NextRecipientPage returns outstanding recipients after afterID in ID order
func (r *CampaignRepository) NextRecipientPage(ctx context.Context, campaignID string, afterID int64, limit int) ([]*models.Recipient, error) {
	query := `SELECT ` + recipientColumns + `
		FROM recipients
		WHERE campaign_id = $1 AND id > $2 AND status IN ('PENDING', 'FAILED')
		ORDER BY id ASC
		LIMIT $3
	`
	return r.queryRecipients(ctx, query, campaignID, afterID, limit)
}

// ListRecipients returns recipients after filter.AfterID in ID order
func (r *CampaignRepository) ListRecipients(ctx context.Context, campaignID string, filter RecipientFilter) ([]*models.Recipient, error) {
	if filter.Status == "" {
		query := `SELECT ` + recipientColumns + `
			FROM recipients
			WHERE campaign_id = $1 AND id > $2
			ORDER BY id ASC
			LIMIT $3
		`
		return r.queryRecipients(ctx, query, campaignID, filter.AfterID, filter.Limit)
	}

	query := `SELECT ` + recipientColumns + `
		FROM recipients
		WHERE campaign_id = $1 AND id > $2 AND status = $4
		ORDER BY id ASC
		LIMIT $3
	`
	return r.queryRecipients(ctx, query, campaignID, filter.AfterID, filter.Limit, string(filter.Status))
}

func (r *CampaignRepository) queryRecipients(ctx context.Context, query string, args ...any) ([]*models.Recipient, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*models.Recipient
	for rows.Next() {
		var (
			rc     models.Recipient
			amount string
		)
		err := rows.Scan(
			&rc.ID,
			&rc.CampaignID,
			&rc.WalletAddress,
			&amount,
			&rc.Status,
			&rc.TxSignature,
			&rc.ErrorMessage,
			&rc.Attempts,
			&rc.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		rc.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount for recipient %d: %w", rc.ID, err)
		}
		recipients = append(recipients, &rc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recipients: %w", err)
	}
	return recipients, nil
}

// MarkRecipientsCompleted records a confirmed transfer. Recipients already
// COMPLETED are left alone and not counted.
func (r *CampaignRepository) MarkRecipientsCompleted(ctx context.Context, ids []int64, signature string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `
		UPDATE recipients
		SET status = 'COMPLETED', tx_signature = $2, error_message = NULL,
			attempts = attempts + 1, updated_at = NOW()
		WHERE id = ANY($1) AND status <> 'COMPLETED'
	`
	result, err := r.db.Pool().Exec(ctx, query, ids, signature)
	if err != nil {
		return 0, fmt.Errorf("failed to mark recipients completed: %w", err)
	}
	return result.RowsAffected(), nil
}

// MarkRecipientsFailed records a chunk failure that left nothing in flight
func (r *CampaignRepository) MarkRecipientsFailed(ctx context.Context, ids []int64, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE recipients
		SET status = 'FAILED', tx_signature = NULL, error_message = $2,
			attempts = attempts + 1, updated_at = NOW()
		WHERE id = ANY($1) AND status <> 'COMPLETED'
	`
	if _, err := r.db.Pool().Exec(ctx, query, ids, errorMessage); err != nil {
		return fmt.Errorf("failed to mark recipients failed: %w", err)
	}
	return nil
}

// MarkRecipientsUnconfirmed records a chunk failure whose broadcast may still land
func (r *CampaignRepository) MarkRecipientsUnconfirmed(ctx context.Context, ids []int64, signature, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE recipients
		SET status = 'FAILED', tx_signature = $2, error_message = $3,
			attempts = attempts + 1, updated_at = NOW()
		WHERE id = ANY($1) AND status <> 'COMPLETED'
	`
	if _, err := r.db.Pool().Exec(ctx, query, ids, signature, errorMessage); err != nil {
		return fmt.Errorf("failed to mark recipients unconfirmed: %w", err)
	}
	return nil
}
