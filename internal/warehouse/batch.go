package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/opsdeck/feature-governor/internal/observ"
)

// resourceBatchSize bounds each transaction; small batches keep write
// amplification under the store's statement budget.
const resourceBatchSize = 25

// ResourceRow is one resource-level usage snapshot.
type ResourceRow struct {
	TimeBucket      string
	ResourceType    string
	ResourceID      string
	Project         string
	Count           int64
	CostUSD         float64
	Source          string
	Confidence      float64
	AllocationBasis string
	CreatedAt       time.Time
}

// InsertResourceRows writes rows in batches of 25 inside a transaction.
// When a batch fails it falls back to individual inserts so one bad row
// cannot sink its neighbours.
func (d *DB) InsertResourceRows(ctx context.Context, rows []ResourceRow) error {
	for start := 0; start < len(rows); start += resourceBatchSize {
		end := start + resourceBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		if err := d.insertResourceBatch(ctx, batch); err != nil {
			observ.Log("warehouse_batch_fallback", map[string]any{
				"batch_size": len(batch),
				"error":      err.Error(),
			})
			for _, r := range batch {
				if err := d.insertResourceRow(ctx, r); err != nil {
					observ.IncCounter("warehouse_resource_row_errors_total", nil)
					observ.Log("warehouse_resource_row_error", map[string]any{
						"resource_id": r.ResourceID,
						"error":       err.Error(),
					})
				}
			}
		}
	}
	return nil
}

func (d *DB) insertResourceBatch(ctx context.Context, rows []ResourceRow) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("warehouse: begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, resourceInsertSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("warehouse: prepare batch: %w", err)
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, resourceArgs(r)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("warehouse: batch row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("warehouse: commit batch: %w", err)
	}
	return nil
}

func (d *DB) insertResourceRow(ctx context.Context, r ResourceRow) error {
	_, err := d.sql.ExecContext(ctx, resourceInsertSQL, resourceArgs(r)...)
	return err
}

const resourceInsertSQL = `
	INSERT INTO resource_usage_snapshots
		(time_bucket, resource_type, resource_id, project, count, cost_usd,
		 source, confidence, allocation_basis, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(time_bucket, resource_type, resource_id) DO UPDATE SET
		project = excluded.project,
		count = excluded.count,
		cost_usd = excluded.cost_usd,
		source = excluded.source,
		confidence = excluded.confidence,
		allocation_basis = excluded.allocation_basis,
		created_at = excluded.created_at`

func resourceArgs(r ResourceRow) []any {
	return []any{
		r.TimeBucket, r.ResourceType, r.ResourceID, r.Project, r.Count,
		r.CostUSD, r.Source, r.Confidence, r.AllocationBasis, r.CreatedAt.UnixMilli(),
	}
}
