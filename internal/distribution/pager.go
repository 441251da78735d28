package distribution

import (
	"context"
	"fmt"

	"github.com/token-distributor/internal/models"
)

// Pager reads outstanding recipients in ascending ID order
type Pager struct {
	store ProgressStore
}

// NewPager creates a pager over store
func NewPager(store ProgressStore) *Pager {
	return &Pager{store: store}
}

// NextPage returns up to limit PENDING or FAILED recipients with ID > afterID.
// A store that breaks ordering would make the cursor skip recipients, so the
// page is checked before it is handed out.
func (p *Pager) NextPage(ctx context.Context, campaignID string, afterID int64, limit int) ([]*models.Recipient, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("page limit must be positive, got %d", limit)
	}

	page, err := p.store.NextRecipientPage(ctx, campaignID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recipient page after %d: %w", afterID, err)
	}
	if len(page) > limit {
		return nil, fmt.Errorf("store returned %d recipients for limit %d", len(page), limit)
	}

	prev := afterID
	for _, r := range page {
		if r.ID <= prev {
			return nil, fmt.Errorf("recipient page out of order: id %d after %d", r.ID, prev)
		}
		if !r.Status.Outstanding() {
			return nil, fmt.Errorf("recipient %d is %s and cannot be paged", r.ID, r.Status)
		}
		prev = r.ID
	}
	return page, nil
}

// SplitChunks splits page into consecutive chunks of at most size recipients
func SplitChunks(page []*models.Recipient, size int) [][]*models.Recipient {
	if size <= 0 || len(page) == 0 {
		return nil
	}
	chunks := make([][]*models.Recipient, 0, (len(page)+size-1)/size)
	for start := 0; start < len(page); start += size {
		end := start + size
		if end > len(page) {
			end = len(page)
		}
		chunks = append(chunks, page[start:end])
	}
	return chunks
}
