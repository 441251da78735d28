package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/token-distributor/internal/models"
)

// ChunkAuditRepository appends chunk outcomes to ClickHouse
type ChunkAuditRepository struct {
	db *ClickHouseDB
}

// NewChunkAuditRepository creates a new chunk audit repository
func NewChunkAuditRepository(db *ClickHouseDB) *ChunkAuditRepository {
	return &ChunkAuditRepository{db: db}
}

// RecordChunk appends one chunk outcome
func (r *ChunkAuditRepository) RecordChunk(ctx context.Context, record *models.ChunkAuditRecord) error {
	return r.InsertRecords(ctx, []*models.ChunkAuditRecord{record})
}

// InsertRecords appends chunk outcomes in one batch
func (r *ChunkAuditRepository) InsertRecords(ctx context.Context, records []*models.ChunkAuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO chunk_audit (
			campaign_id, run_id, page, chunk, recipient_ids, outcome,
			signature, error, attempts, duration_ms, recorded_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		recordedAt := rec.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = time.Now().UTC()
		}
		err := batch.Append(
			rec.CampaignID,
			rec.RunID,
			uint32(rec.Page),  // #nosec G115 - page numbers are positive
			uint32(rec.Chunk), // #nosec G115 - chunk numbers are positive
			rec.RecipientIDs,
			string(rec.Outcome),
			rec.Signature,
			rec.Error,
			uint32(rec.Attempts), // #nosec G115 - bounded by retry config
			uint64(rec.Duration.Milliseconds()),
			recordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append chunk audit: %w", err)
		}
	}

	return batch.Send()
}

// ListByCampaign returns a campaign's most recent chunk outcomes, newest first
func (r *ChunkAuditRepository) ListByCampaign(ctx context.Context, campaignID string, limit int) ([]*models.ChunkAuditRecord, error) {
	query := `
		SELECT campaign_id, run_id, page, chunk, recipient_ids, outcome,
			   signature, error, attempts, duration_ms, recorded_at
		FROM chunk_audit
		WHERE campaign_id = ?
		ORDER BY recorded_at DESC
		LIMIT ?
	`

	rows, err := r.db.Conn().Query(ctx, query, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk audit: %w", err)
	}
	defer rows.Close()

	var records []*models.ChunkAuditRecord
	for rows.Next() {
		var (
			rec                   models.ChunkAuditRecord
			page, chunk, attempts uint32
			outcome               string
			durationMs            uint64
		)
		if err := rows.Scan(
			&rec.CampaignID, &rec.RunID, &page, &chunk, &rec.RecipientIDs, &outcome,
			&rec.Signature, &rec.Error, &attempts, &durationMs, &rec.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk audit: %w", err)
		}
		rec.Page = int(page)
		rec.Chunk = int(chunk)
		rec.Attempts = int(attempts)
		rec.Outcome = models.ChunkOutcome(outcome)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunk audit: %w", err)
	}
	return records, nil
}
