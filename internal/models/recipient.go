package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/token-distributor/internal/types"
)

// Recipient represents one (wallet, amount) pair of a campaign.
// ID is assigned in ascending order at creation and doubles as the pagination cursor.
type Recipient struct {
	ID            int64                 `json:"id" db:"id"`
	CampaignID    string                `json:"campaignId" db:"campaign_id"`
	WalletAddress string                `json:"walletAddress" db:"wallet_address"`
	Amount        decimal.Decimal       `json:"amount" db:"amount"`
	Status        types.RecipientStatus `json:"status" db:"status"`
	TxSignature   *string               `json:"txSignature,omitempty" db:"tx_signature"`
	ErrorMessage  *string               `json:"errorMessage,omitempty" db:"error_message"`
	Attempts      int                   `json:"attempts" db:"attempts"`
	UpdatedAt     time.Time             `json:"updatedAt" db:"updated_at"`
}

// UnconfirmedSignature returns the signature of a broadcast whose outcome was never
// observed. Only FAILED recipients carry one.
func (r *Recipient) UnconfirmedSignature() (string, bool) {
	if r.Status != types.RecipientFailed || r.TxSignature == nil || *r.TxSignature == "" {
		return "", false
	}
	return *r.TxSignature, true
}

// RecipientIDs returns the IDs of recipients in order
func RecipientIDs(recipients []*Recipient) []int64 {
	ids := make([]int64, len(recipients))
	for i, r := range recipients {
		ids[i] = r.ID
	}
	return ids
}

// MaxRecipientID returns the highest ID in recipients, or 0 for an empty slice
func MaxRecipientID(recipients []*Recipient) int64 {
	var max int64
	for _, r := range recipients {
		if r.ID > max {
			max = r.ID
		}
	}
	return max
}
