package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/token-distributor/internal/types"
)

// Campaign represents a bulk distribution job in the database
type Campaign struct {
	ID                  string               `json:"id" db:"id"`
	Name                string               `json:"name" db:"name"`
	Network             types.NetworkID      `json:"network" db:"network"`
	TokenID             string               `json:"tokenId" db:"token_id"`
	AmountPerRecipient  decimal.Decimal      `json:"amountPerRecipient" db:"amount_per_recipient"`
	TotalRecipients     int64                `json:"totalRecipients" db:"total_recipients"`
	CompletedRecipients int64                `json:"completedRecipients" db:"completed_recipients"`
	Status              types.CampaignStatus `json:"status" db:"status"`
	CreatedAt           time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time            `json:"updatedAt" db:"updated_at"`
	StartedAt           *time.Time           `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt          *time.Time           `json:"finishedAt,omitempty" db:"finished_at"`
}

// Outstanding returns the number of recipients not yet paid
func (c *Campaign) Outstanding() int64 {
	n := c.TotalRecipients - c.CompletedRecipients
	if n < 0 {
		return 0
	}
	return n
}

// RequiredAmount returns AmountPerRecipient × outstanding recipients
func (c *Campaign) RequiredAmount() decimal.Decimal {
	return c.AmountPerRecipient.Mul(decimal.NewFromInt(c.Outstanding()))
}
