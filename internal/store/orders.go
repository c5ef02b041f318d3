package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"orderflow/internal/apperr"
	"orderflow/internal/models"
)

const orderColumns = `id, product, quantity, price, status, created_at, processed_at`

// CreateOrder inserts a pending order and returns it with its assigned id.
func (s *Store) CreateOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO orders (product, quantity, price, status, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING `+orderColumns, req.Product, req.Quantity, req.Price, models.OrderPending)
	o, err := scanOrder(row)
	if err != nil {
		return models.Order{}, fmt.Errorf("insert order: %w", err)
	}
	return o, nil
}

// CompleteOrder marks an order completed and stamps processed_at.
func (s *Store) CompleteOrder(ctx context.Context, id int64) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE orders SET status = $2, processed_at = NOW() WHERE id = $1
	`, id, models.OrderCompleted)
	if err != nil {
		return fmt.Errorf("complete order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete order %d: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// GetOrder fetches an order by id.
func (s *Store) GetOrder(ctx context.Context, id int64) (models.Order, error) {
	row := s.conn(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, fmt.Errorf("order %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("scan order: %w", err)
	}
	return o, nil
}

// ListOrders returns every order ordered by id.
func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	out := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (models.Order, error) {
	var o models.Order
	var processed pgtype.Timestamptz
	if err := row.Scan(&o.ID, &o.Product, &o.Quantity, &o.Price, &o.Status, &o.CreatedAt, &processed); err != nil {
		return models.Order{}, err
	}
	o.ProcessedAt = timePtr(processed)
	return o, nil
}
