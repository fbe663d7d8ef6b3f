package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxRepository stores notifications until a dispatcher has accepted
// them. Rows are inserted inside the caller's transaction, so a
// notification exists if and only if the change it announces committed.
type OutboxRepository struct {
	db *pgxpool.Pool
}

// NewOutboxRepository constructs an OutboxRepository.
func NewOutboxRepository(db *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Enqueue inserts a pending record.
func (r *OutboxRepository) Enqueue(ctx context.Context, rec *model.OutboxRecord) error {
	_, err := conn(ctx, r.db).Exec(ctx,
		`INSERT INTO notification_outbox (id, order_id, type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.OrderID, rec.Type, rec.Payload, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox record: %w", err)
	}
	return nil
}

// FetchPending returns undelivered records created before cutoff, oldest
// first.
func (r *OutboxRepository) FetchPending(ctx context.Context, cutoff time.Time, limit int) ([]model.OutboxRecord, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT id, order_id, type, payload, attempts, last_error, created_at, sent_at
		 FROM notification_outbox
		 WHERE sent_at IS NULL AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch pending outbox: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.OutboxRecord, error) {
		var rec model.OutboxRecord
		err := row.Scan(&rec.ID, &rec.OrderID, &rec.Type, &rec.Payload, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.SentAt)
		return rec, err
	})
}

// MarkSent records a delivery. Marking an already sent record is a no-op.
func (r *OutboxRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE notification_outbox
		 SET sent_at = $2, attempts = attempts + 1, last_error = ''
		 WHERE id = $1 AND sent_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("mark outbox record sent: %w", err)
	}
	return nil
}

// MarkFailed counts a failed delivery; the record stays pending.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE notification_outbox
		 SET attempts = attempts + 1, last_error = $2
		 WHERE id = $1 AND sent_at IS NULL`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("mark outbox record failed: %w", err)
	}
	return nil
}
