package models

import "time"

// ChunkOutcome is the result recorded for a submitted chunk
type ChunkOutcome string

const (
	ChunkConfirmed   ChunkOutcome = "confirmed"
	ChunkFailed      ChunkOutcome = "failed"
	ChunkUnconfirmed ChunkOutcome = "unconfirmed"
	ChunkReconciled  ChunkOutcome = "reconciled"
)

// ChunkAuditRecord is one append-only entry of the chunk audit log (ClickHouse)
type ChunkAuditRecord struct {
	CampaignID   string        `json:"campaignId" ch:"campaign_id"`
	RunID        string        `json:"runId" ch:"run_id"`
	Page         int           `json:"page" ch:"page"`
	Chunk        int           `json:"chunk" ch:"chunk"`
	RecipientIDs []int64       `json:"recipientIds" ch:"recipient_ids"`
	Outcome      ChunkOutcome  `json:"outcome" ch:"outcome"`
	Signature    string        `json:"signature" ch:"signature"`
	Error        string        `json:"error" ch:"error"`
	Attempts     int           `json:"attempts" ch:"attempts"`
	Duration     time.Duration `json:"duration" ch:"duration_ms"`
	RecordedAt   time.Time     `json:"recordedAt" ch:"recorded_at"`
}
