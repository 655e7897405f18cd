package storage

import (
	"context"
	"fmt"

	"github.com/onboarding-workflow/internal/models"
)

// JobEventRepository appends job transitions to ClickHouse for auditing
type JobEventRepository struct {
	db *ClickHouseDB
}

// NewJobEventRepository creates a new job event repository
func NewJobEventRepository(db *ClickHouseDB) *JobEventRepository {
	return &JobEventRepository{db: db}
}

// Record inserts a single event
func (r *JobEventRepository) Record(ctx context.Context, event models.JobEvent) error {
	return r.RecordBatch(ctx, []models.JobEvent{event})
}

// RecordBatch inserts events in one batch
func (r *JobEventRepository) RecordBatch(ctx context.Context, events []models.JobEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO job_events (queue, job_id, instance_id, state, attempt, error, at)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range events {
		if err := batch.Append(
			e.Queue,
			e.JobID,
			e.InstanceID,
			e.State,
			uint32(e.Attempt), // #nosec G115 - attempts are small and non-negative
			e.Error,
			e.At,
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// Recent returns the latest events of a queue, newest first
func (r *JobEventRepository) Recent(ctx context.Context, queue string, limit int) ([]models.JobEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Conn().Query(ctx, `
		SELECT queue, job_id, instance_id, state, attempt, error, at
		FROM job_events
		WHERE queue = ?
		ORDER BY at DESC
		LIMIT ?
	`, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var (
			e       models.JobEvent
			attempt uint32
		)
		if err := rows.Scan(&e.Queue, &e.JobID, &e.InstanceID, &e.State, &attempt, &e.Error, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan job event: %w", err)
		}
		e.Attempt = int(attempt)
		events = append(events, e)
	}
	return events, rows.Err()
}
