package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/token-distributor/internal/errors"
	"github.com/token-distributor/internal/models"
	"github.com/token-distributor/internal/types"
)

// MemoryStore is an in-process campaign store with the same semantics as
// CampaignRepository. It backs dry runs and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	campaigns  map[string]*models.Campaign
	recipients map[string][]*models.Recipient // by campaign, ascending ID
	byID       map[int64]*models.Recipient
	nextID     int64
	now        func() time.Time
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:  make(map[string]*models.Campaign),
		recipients: make(map[string][]*models.Recipient),
		byID:       make(map[int64]*models.Recipient),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// AddCampaign stores a copy of campaign. Status defaults to PENDING.
func (s *MemoryStore) AddCampaign(campaign *models.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *campaign
	if c.Status == "" {
		c.Status = types.CampaignPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = c.CreatedAt
	s.campaigns[c.ID] = &c
}

// AddRecipients appends recipients to a campaign, assigning ascending IDs to
// those without one, and sets the campaign's total to the recipient count
func (s *MemoryStore) AddRecipients(campaignID string, recipients ...*models.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[campaignID]
	if !ok {
		return apperrors.NewCampaignNotFoundError(campaignID)
	}

	for _, in := range recipients {
		rc := *in
		rc.CampaignID = campaignID
		if rc.ID == 0 {
			s.nextID++
			rc.ID = s.nextID
		} else if rc.ID > s.nextID {
			s.nextID = rc.ID
		}
		if _, dup := s.byID[rc.ID]; dup {
			return fmt.Errorf("duplicate recipient id %d", rc.ID)
		}
		if rc.Status == "" {
			rc.Status = types.RecipientPending
		}
		rc.UpdatedAt = s.now()
		s.byID[rc.ID] = &rc
		s.recipients[campaignID] = append(s.recipients[campaignID], &rc)
	}

	list := s.recipients[campaignID]
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	c.TotalRecipients = int64(len(list))
	return nil
}

// Recipient returns a copy of a recipient by ID
func (s *MemoryStore) Recipient(id int64) (*models.Recipient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rc, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	cp := *rc
	return &cp, true
}

// GetCampaign returns a copy of the campaign
func (s *MemoryStore) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, apperrors.NewCampaignNotFoundError(id)
	}
	cp := *c
	return &cp, nil
}

// UpdateCampaignStatus moves the campaign along an allowed transition
func (s *MemoryStore) UpdateCampaignStatus(_ context.Context, id string, status types.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return apperrors.NewCampaignNotFoundError(id)
	}
	if !c.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.Status, status)
	}
	s.setStatus(c, status)
	return nil
}

func (s *MemoryStore) setStatus(c *models.Campaign, status types.CampaignStatus) {
	now := s.now()
	c.Status = status
	c.UpdatedAt = now
	switch status {
	case types.CampaignInProgress:
		c.StartedAt = &now
		c.FinishedAt = nil
	case types.CampaignCompleted, types.CampaignFailed:
		c.FinishedAt = &now
	}
}

// ClaimCampaign moves a PENDING or FAILED campaign to IN_PROGRESS
func (s *MemoryStore) ClaimCampaign(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return false, apperrors.NewCampaignNotFoundError(id)
	}
	if !c.Status.Claimable() {
		return false, nil
	}
	s.setStatus(c, types.CampaignInProgress)
	return true, nil
}

// ReclaimStale restarts an IN_PROGRESS campaign
func (s *MemoryStore) ReclaimStale(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return false, apperrors.NewCampaignNotFoundError(id)
	}
	if c.Status != types.CampaignInProgress {
		return false, nil
	}
	s.setStatus(c, types.CampaignInProgress)
	return true, nil
}

// IncrementCompleted adds n to the completed counter
func (s *MemoryStore) IncrementCompleted(_ context.Context, id string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return apperrors.NewCampaignNotFoundError(id)
	}
	c.CompletedRecipients += n
	c.UpdatedAt = s.now()
	return nil
}

// SetCompletedCount overwrites the completed counter
func (s *MemoryStore) SetCompletedCount(_ context.Context, id string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return apperrors.NewCampaignNotFoundError(id)
	}
	c.CompletedRecipients = n
	c.UpdatedAt = s.now()
	return nil
}

// CountRecipients counts a campaign's recipients in status
func (s *MemoryStore) CountRecipients(_ context.Context, campaignID string, status types.RecipientStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, rc := range s.recipients[campaignID] {
		if rc.Status == status {
			n++
		}
	}
	return n, nil
}

// SumOutstandingAmount totals the amounts still owed to PENDING and FAILED recipients
func (s *MemoryStore) SumOutstandingAmount(_ context.Context, campaignID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, rc := range s.recipients[campaignID] {
		if rc.Status.Outstanding() {
			total = total.Add(rc.Amount)
		}
	}
	return total, nil
}

// NextRecipientPage returns outstanding recipients after afterID in ID order
func (s *MemoryStore) NextRecipientPage(_ context.Context, campaignID string, afterID int64, limit int) ([]*models.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(campaignID, afterID, limit, func(rc *models.Recipient) bool {
		return rc.Status.Outstanding()
	}), nil
}

// ListRecipients returns recipients after filter.AfterID in ID order
func (s *MemoryStore) ListRecipients(_ context.Context, campaignID string, filter RecipientFilter) ([]*models.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(campaignID, filter.AfterID, filter.Limit, func(rc *models.Recipient) bool {
		return filter.Status == "" || rc.Status == filter.Status
	}), nil
}

func (s *MemoryStore) collect(campaignID string, afterID int64, limit int, match func(*models.Recipient) bool) []*models.Recipient {
	var out []*models.Recipient
	for _, rc := range s.recipients[campaignID] {
		if len(out) >= limit {
			break
		}
		if rc.ID <= afterID || !match(rc) {
			continue
		}
		cp := *rc
		out = append(out, &cp)
	}
	return out
}

// MarkRecipientsCompleted marks recipients COMPLETED and returns how many changed
func (s *MemoryStore) MarkRecipientsCompleted(_ context.Context, ids []int64, signature string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range ids {
		rc, ok := s.byID[id]
		if !ok || rc.Status == types.RecipientCompleted {
			continue
		}
		sig := signature
		rc.Status = types.RecipientCompleted
		rc.TxSignature = &sig
		rc.ErrorMessage = nil
		rc.Attempts++
		rc.UpdatedAt = s.now()
		n++
	}
	return n, nil
}

// MarkRecipientsFailed marks recipients FAILED and clears any signature
func (s *MemoryStore) MarkRecipientsFailed(_ context.Context, ids []int64, errorMessage string) error {
	s.markFailed(ids, nil, errorMessage)
	return nil
}

// MarkRecipientsUnconfirmed marks recipients FAILED and keeps signature for reconciliation
func (s *MemoryStore) MarkRecipientsUnconfirmed(_ context.Context, ids []int64, signature, errorMessage string) error {
	s.markFailed(ids, &signature, errorMessage)
	return nil
}

func (s *MemoryStore) markFailed(ids []int64, signature *string, errorMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		rc, ok := s.byID[id]
		if !ok || rc.Status == types.RecipientCompleted {
			continue
		}
		msg := errorMessage
		rc.Status = types.RecipientFailed
		rc.ErrorMessage = &msg
		rc.TxSignature = nil
		if signature != nil {
			sig := *signature
			rc.TxSignature = &sig
		}
		rc.Attempts++
		rc.UpdatedAt = s.now()
	}
}
