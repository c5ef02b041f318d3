package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"orderflow/internal/apperr"
	"orderflow/internal/models"
)

const idempotencyColumns = `id, key, request_payload, response_status, response_body, created_at, updated_at`

// GetIdempotencyKey returns the row stored for key, if any.
func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (models.IdempotencyKey, bool, error) {
	row := s.conn(ctx).QueryRow(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, key)
	rec, err := scanIdempotencyKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IdempotencyKey{}, false, nil
	}
	if err != nil {
		return models.IdempotencyKey{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	return rec, true, nil
}

// InsertIdempotencyKey claims key with the in-flight sentinel. A unique
// violation means another caller owns the key and yields ErrConflictRetry;
// the enclosing transaction is then unusable and must roll back.
func (s *Store) InsertIdempotencyKey(ctx context.Context, key string, payload json.RawMessage) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO idempotency_keys (key, request_payload, response_status, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
	`, key, []byte(payload), models.InFlightStatus)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert idempotency key %q: %w", key, apperr.ErrConflictRetry)
	}
	if err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}

// CompleteIdempotencyKey stores the terminal response for key and returns the
// body as Postgres normalized it, so first responses and replays are byte-identical.
func (s *Store) CompleteIdempotencyKey(ctx context.Context, key string, status int, body json.RawMessage) (json.RawMessage, error) {
	var stored []byte
	err := s.conn(ctx).QueryRow(ctx, `
		UPDATE idempotency_keys
		SET response_status = $2, response_body = $3, updated_at = NOW()
		WHERE key = $1
		RETURNING response_body
	`, key, status, []byte(body)).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("complete idempotency key %q: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("complete idempotency key: %w", err)
	}
	return stored, nil
}

// ListIdempotencyKeys returns every stored key ordered by id.
func (s *Store) ListIdempotencyKeys(ctx context.Context) ([]models.IdempotencyKey, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list idempotency keys: %w", err)
	}
	defer rows.Close()

	out := []models.IdempotencyKey{}
	for rows.Next() {
		rec, err := scanIdempotencyKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idempotency key: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanIdempotencyKey(row pgx.Row) (models.IdempotencyKey, error) {
	var rec models.IdempotencyKey
	var payload, body []byte
	if err := row.Scan(&rec.ID, &rec.Key, &payload, &rec.ResponseStatus, &body, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return models.IdempotencyKey{}, err
	}
	rec.RequestPayload = payload
	rec.ResponseBody = body
	return rec, nil
}
