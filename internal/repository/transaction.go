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

const transactionColumns = `id, checkout_request_id, merchant_request_id, order_id, amount, phone_number,
	status, result_code, result_description, receipt_number, created_at, updated_at`

const pendingIndex = "payment_transactions_one_pending"

// TransactionRepository is the payment ledger: one row per payment
// attempt, found by the gateway's CheckoutRequestID once it is known.
type TransactionRepository struct {
	db *pgxpool.Pool
}

// NewTransactionRepository constructs a TransactionRepository.
func NewTransactionRepository(db *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// CreatePending inserts a PENDING attempt. A partial unique index allows
// only one PENDING row per order; a second insert returns
// ErrDuplicatePending.
func (r *TransactionRepository) CreatePending(ctx context.Context, t *model.PaymentTransaction) error {
	_, err := conn(ctx, r.db).Exec(ctx,
		`INSERT INTO payment_transactions
		   (id, order_id, amount, phone_number, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'PENDING', $5, $6)`,
		t.ID, t.OrderID, t.Amount, t.PhoneNumber, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, pendingIndex) {
			return ErrDuplicatePending
		}
		return fmt.Errorf("insert payment transaction: %w", err)
	}
	return nil
}

// AttachCheckout stores the identifiers the gateway returned for a
// PENDING attempt.
func (r *TransactionRepository) AttachCheckout(ctx context.Context, id, checkoutRequestID, merchantRequestID string, at time.Time) error {
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE payment_transactions
		 SET checkout_request_id = $2, merchant_request_id = $3, updated_at = $4
		 WHERE id = $1 AND status = 'PENDING'`,
		id, checkoutRequestID, merchantRequestID, at,
	)
	if err != nil {
		return fmt.Errorf("attach checkout id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

// RecordLateCheckout stores gateway identifiers on an attempt that was
// already finalized locally, so a late callback can still be matched.
// Identifiers that are already set are never overwritten.
func (r *TransactionRepository) RecordLateCheckout(ctx context.Context, id, checkoutRequestID, merchantRequestID string, at time.Time) error {
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE payment_transactions
		 SET checkout_request_id = $2, merchant_request_id = $3, updated_at = $4
		 WHERE id = $1 AND checkout_request_id IS NULL`,
		id, checkoutRequestID, merchantRequestID, at,
	)
	if err != nil {
		return fmt.Errorf("record late checkout id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailAttempt marks a PENDING attempt FAILED by its local id. It is used
// when the gateway never accepted the request.
func (r *TransactionRepository) FailAttempt(ctx context.Context, id, reason string, at time.Time) error {
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE payment_transactions
		 SET status = 'FAILED', result_description = $2, updated_at = $3
		 WHERE id = $1 AND status = 'PENDING'`,
		id, reason, at,
	)
	if err != nil {
		return fmt.Errorf("fail payment attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

// GetByCheckoutID returns the transaction for a gateway CheckoutRequestID.
func (r *TransactionRepository) GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*model.PaymentTransaction, error) {
	return r.getByCheckoutID(ctx, checkoutRequestID, false)
}

// GetByCheckoutIDForUpdate is GetByCheckoutID holding the row lock until
// the surrounding transaction ends.
func (r *TransactionRepository) GetByCheckoutIDForUpdate(ctx context.Context, checkoutRequestID string) (*model.PaymentTransaction, error) {
	if txFromContext(ctx) == nil {
		return nil, errors.New("get transaction for update: no transaction in context")
	}
	return r.getByCheckoutID(ctx, checkoutRequestID, true)
}

func (r *TransactionRepository) getByCheckoutID(ctx context.Context, checkoutRequestID string, lock bool) (*model.PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE checkout_request_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	t, err := scanTransaction(conn(ctx, r.db).QueryRow(ctx, query, checkoutRequestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment transaction: %w", err)
	}
	return t, nil
}

// Finalize moves a PENDING transaction to COMPLETED or FAILED. The update
// is conditional on status = 'PENDING'; ErrAlreadyFinalized means another
// caller got there first and nothing was changed.
func (r *TransactionRepository) Finalize(ctx context.Context, checkoutRequestID string, status model.TransactionStatus, resultCode int, description, receipt string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize: %s is not a terminal status", status)
	}
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE payment_transactions
		 SET status = $2, result_code = $3, result_description = $4, receipt_number = $5, updated_at = $6
		 WHERE checkout_request_id = $1 AND status = 'PENDING'`,
		checkoutRequestID, status, resultCode, description, receipt, at,
	)
	if err != nil {
		return fmt.Errorf("finalize payment transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

// ListByOrder returns all attempts for an order, oldest first.
func (r *TransactionRepository) ListByOrder(ctx context.Context, orderID string) ([]model.PaymentTransaction, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM payment_transactions
		 WHERE order_id = $1
		 ORDER BY created_at ASC`,
		orderID,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list payment transactions: %w", err)
	}
	return collectTransactions(rows)
}

// ListStalePending returns PENDING attempts created before cutoff.
func (r *TransactionRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.PaymentTransaction, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM payment_transactions
		 WHERE status = 'PENDING' AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale payments: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]model.PaymentTransaction, error) {
	defer rows.Close()
	var out []model.PaymentTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (*model.PaymentTransaction, error) {
	var (
		t          model.PaymentTransaction
		checkoutID *string
		merchantID *string
	)
	err := row.Scan(
		&t.ID, &checkoutID, &merchantID, &t.OrderID, &t.Amount, &t.PhoneNumber,
		&t.Status, &t.ResultCode, &t.ResultDescription, &t.ReceiptNumber, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if checkoutID != nil {
		t.CheckoutRequestID = *checkoutID
	}
	if merchantID != nil {
		t.MerchantRequestID = *merchantID
	}
	return &t, nil
}
