package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/checkout-gateway/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			id VARCHAR(36) PRIMARY KEY,
			amount DECIMAL(10,2) NOT NULL,
			currency CHAR(3) NOT NULL,
			description VARCHAR(200) NOT NULL,
			processor_order_id VARCHAR(100) UNIQUE,
			status VARCHAR(20) NOT NULL,
			payer_email VARCHAR(255),
			error_message TEXT,
			idempotency_key VARCHAR(255) UNIQUE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_created_at ON payments(created_at)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

const paymentColumns = `id, amount, currency, description,
	COALESCE(processor_order_id, ''), status, COALESCE(payer_email, ''),
	COALESCE(error_message, ''), COALESCE(idempotency_key, ''), created_at, updated_at`

func (r *PaymentRepository) Put(ctx context.Context, p *models.Payment) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO payments (id, amount, currency, description, processor_order_id, status, payer_email, error_message, idempotency_key)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))
		RETURNING created_at, updated_at
	`, p.ID, p.Amount, p.Currency, p.Description, p.ProcessorOrderID,
		p.Status, p.PayerEmail, p.ErrorMessage, p.IdempotencyKey).
		Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *PaymentRepository) Get(ctx context.Context, id string) (*models.Payment, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (r *PaymentRepository) GetByProcessorOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE processor_order_id = $1`, orderID))
}

func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key))
}

// ConditionalUpdate is the commit-time compare-and-swap: the row is
// only written if its status still matches what the caller read before
// deciding the transition. processor_order_id is write-once; a
// non-empty stored value is never replaced.
func (r *PaymentRepository) ConditionalUpdate(ctx context.Context, id string, expected models.PaymentStatus, change models.PaymentChange) (*models.Payment, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE payments SET
			status = $3,
			processor_order_id = COALESCE(processor_order_id, NULLIF($4, '')),
			payer_email = CASE WHEN $5 <> '' THEN $5 ELSE payer_email END,
			error_message = CASE WHEN $6 <> '' THEN $6 ELSE error_message END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+paymentColumns,
		id, expected, change.Status, change.ProcessorOrderID, change.PayerEmail, change.ErrorMessage)

	p, err := r.scanOne(row)
	if errors.Is(err, models.ErrNotFound) {
		// Zero rows: either the row is gone or another writer already
		// advanced the status. Distinguish so the caller can replay.
		if _, getErr := r.Get(ctx, id); getErr == nil {
			return nil, models.ErrConflict
		}
		return nil, models.ErrNotFound
	}
	return p, err
}

func (r *PaymentRepository) List(ctx context.Context, filter models.ListFilter) ([]models.Payment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR currency = $2)
		ORDER BY created_at DESC
	`, string(filter.Status), filter.Currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		if err := scanPayment(rows.Scan, &p); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *PaymentRepository) Stats(ctx context.Context) (*models.PaymentStats, error) {
	var s models.PaymentStats
	var completedAmount string
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0)
		FROM payments
	`).Scan(&s.TotalPayments, &s.CompletedPayments, &s.PendingPayments,
		&s.FailedPayments, &s.CancelledPayments, &completedAmount)
	if err != nil {
		return nil, err
	}

	s.TotalCompletedAmount, err = decimal.NewFromString(completedAmount)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PaymentRepository) scanOne(row *sql.Row) (*models.Payment, error) {
	var p models.Payment
	if err := scanPayment(row.Scan, &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanPayment(scan func(dest ...any) error, p *models.Payment) error {
	return scan(&p.ID, &p.Amount, &p.Currency, &p.Description,
		&p.ProcessorOrderID, &p.Status, &p.PayerEmail,
		&p.ErrorMessage, &p.IdempotencyKey, &p.CreatedAt, &p.UpdatedAt)
}
