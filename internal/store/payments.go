package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"orderflow/internal/models"
)

const paymentColumns = `id, amount, currency, description, status, created_at`

// CreatePayment inserts a payment row and returns it as stored.
func (s *Store) CreatePayment(ctx context.Context, p models.Payment) (models.Payment, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO payments (amount, currency, description, status, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING `+paymentColumns, p.Amount, p.Currency, p.Description, p.Status)
	out, err := scanPayment(row)
	if err != nil {
		return models.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	return out, nil
}

// ListPayments returns every payment ordered by id.
func (s *Store) ListPayments(ctx context.Context) ([]models.Payment, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+paymentColumns+` FROM payments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	out := []models.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.Amount, &p.Currency, &p.Description, &p.Status, &p.CreatedAt)
	return p, err
}
