package distribution

import (
	"sync"

	"github.com/token-distributor/internal/types"
)

// Progress tracks a single run. It is safe for concurrent readers.
type Progress struct {
	mu           sync.RWMutex
	pages        int
	chunks       int
	chunksFailed int
	completed    int64
	failed       int64
	reconciled   int64
	skipped      int64
	status       types.CampaignStatus
	lastError    string
}

// ProgressSnapshot is a point-in-time copy of Progress
type ProgressSnapshot struct {
	Pages        int                  `json:"pages"`
	Chunks       int                  `json:"chunks"`
	ChunksFailed int                  `json:"chunksFailed"`
	Completed    int64                `json:"completed"`
	Failed       int64                `json:"failed"`
	Reconciled   int64                `json:"reconciled"`
	Skipped      int64                `json:"skipped"`
	Status       types.CampaignStatus `json:"status"`
	LastError    string               `json:"lastError,omitempty"`
}

// NewProgress creates progress for a run that has claimed its campaign
func NewProgress() *Progress {
	return &Progress{status: types.CampaignInProgress}
}

func (p *Progress) pageStarted() {
	p.mu.Lock()
	p.pages++
	p.mu.Unlock()
}

func (p *Progress) chunkCompleted(n int64) {
	p.mu.Lock()
	p.chunks++
	p.completed += n
	p.mu.Unlock()
}

func (p *Progress) chunkFailed(n int64, err error) {
	p.mu.Lock()
	p.chunks++
	p.chunksFailed++
	p.failed += n
	p.lastError = err.Error()
	p.mu.Unlock()
}

func (p *Progress) reconciledCompleted(n int64) {
	p.mu.Lock()
	p.reconciled += n
	p.completed += n
	p.mu.Unlock()
}

func (p *Progress) skippedPending(n int64) {
	p.mu.Lock()
	p.skipped += n
	p.mu.Unlock()
}

func (p *Progress) finish(status types.CampaignStatus, err error) {
	p.mu.Lock()
	p.status = status
	if err != nil {
		p.lastError = err.Error()
	}
	p.mu.Unlock()
}

// Snapshot returns a copy of the current counters
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ProgressSnapshot{
		Pages:        p.pages,
		Chunks:       p.chunks,
		ChunksFailed: p.chunksFailed,
		Completed:    p.completed,
		Failed:       p.failed,
		Reconciled:   p.reconciled,
		Skipped:      p.skipped,
		Status:       p.status,
		LastError:    p.lastError,
	}
}
