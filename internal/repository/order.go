package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OrderRepository handles persistence for orders. Orders are never
// deleted; every status change is appended to order_status_history.
type OrderRepository struct {
	db *pgxpool.Pool
}

// NewOrderRepository constructs an OrderRepository.
func NewOrderRepository(db *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts the order, its items and the initial history entry.
func (r *OrderRepository) Create(ctx context.Context, order *model.Order) error {
	return withTx(ctx, r.db, func(ctx context.Context) error {
		q := conn(ctx, r.db)
		_, err := q.Exec(ctx,
			`INSERT INTO orders (id, user_id, status, total_amount, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			order.ID, order.UserID, order.Status, order.TotalAmount, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for i, it := range order.Items {
			_, err := q.Exec(ctx,
				`INSERT INTO order_items (order_id, position, event_id, quantity, price_per_ticket)
				 VALUES ($1, $2, $3, $4, $5)`,
				order.ID, i, it.EventID, it.Quantity, it.PricePerTicket,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		return r.appendHistory(ctx, order.ID, nil, order.Status, "created", order.CreatedAt)
	})
}

// GetByID returns an order with its items, or ErrNotFound.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*model.Order, error) {
	return r.get(ctx, id, false)
}

// GetForUpdate returns an order and holds its row lock until the
// surrounding transaction ends. It must be called inside WithTx.
func (r *OrderRepository) GetForUpdate(ctx context.Context, id string) (*model.Order, error) {
	if txFromContext(ctx) == nil {
		return nil, errors.New("get order for update: no transaction in context")
	}
	return r.get(ctx, id, true)
}

func (r *OrderRepository) get(ctx context.Context, id string, lock bool) (*model.Order, error) {
	query := `SELECT id, user_id, status, total_amount, created_at, updated_at FROM orders WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	q := conn(ctx, r.db)
	var o model.Order
	err := q.QueryRow(ctx, query, id).
		Scan(&o.ID, &o.UserID, &o.Status, &o.TotalAmount, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT event_id, quantity, price_per_ticket
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY position ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.EventID, &it.Quantity, &it.PricePerTicket); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return &o, nil
}

// Transition moves an order from one status to another. It fails with
// ErrInvalidTransition if the order is not currently in from.
func (r *OrderRepository) Transition(ctx context.Context, id string, from, to model.OrderStatus, reason string, at time.Time) error {
	return withTx(ctx, r.db, func(ctx context.Context) error {
		tag, err := conn(ctx, r.db).Exec(ctx,
			`UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
			id, from, to, at,
		)
		if err != nil {
			if isInvalidUUID(err) {
				return ErrNotFound
			}
			return fmt.Errorf("update order status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := r.GetByID(ctx, id); err != nil {
				return err
			}
			return ErrInvalidTransition
		}
		return r.appendHistory(ctx, id, &from, to, reason, at)
	})
}

// ListStaleReserved returns ids of RESERVED orders created before cutoff
// that have no PENDING or COMPLETED payment.
func (r *OrderRepository) ListStaleReserved(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT o.id
		 FROM orders o
		 WHERE o.status = 'RESERVED'
		   AND o.created_at < $1
		   AND NOT EXISTS (
		     SELECT 1 FROM payment_transactions p
		     WHERE p.order_id = o.id AND p.status IN ('PENDING', 'COMPLETED')
		   )
		 ORDER BY o.created_at ASC
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale orders: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *OrderRepository) appendHistory(ctx context.Context, orderID string, from *model.OrderStatus, to model.OrderStatus, reason string, at time.Time) error {
	_, err := conn(ctx, r.db).Exec(ctx,
		`INSERT INTO order_status_history (order_id, from_status, to_status, reason, changed_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		orderID, from, to, reason, at,
	)
	if err != nil {
		return fmt.Errorf("append order history: %w", err)
	}
	return nil
}
