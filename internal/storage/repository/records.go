package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// GetSubscriptionRecord возвращает запись пользователя или nil, если её нет.
func (s *Storage) GetSubscriptionRecord(ctx context.Context, userID string) (*models.SubscriptionRecord, error) {
	const op = "storage.GetSubscriptionRecord"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT user_id, status, product_id, expires_at, source,
			      last_verified_at, raw_receipt
			  FROM subscription_records
			  WHERE user_id = $1`
	row := s.DB.QueryRowContext(ctx, query, userID)

	var (
		rec       models.SubscriptionRecord
		expiresAt sql.NullTime
	)
	err := row.Scan(&rec.UserID, &rec.Status, &rec.ProductID, &expiresAt, &rec.Source,
		&rec.LastVerifiedAt, &rec.RawReceipt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if expiresAt.Valid {
		exp := expiresAt.Time.UTC()
		rec.ExpiresAt = &exp
	}
	rec.LastVerifiedAt = rec.LastVerifiedAt.UTC()
	return &rec, nil
}

// PutSubscriptionRecord сохраняет запись пользователя, заменяя предыдущую.
func (s *Storage) PutSubscriptionRecord(ctx context.Context, userID string, record models.SubscriptionRecord) error {
	const op = "storage.PutSubscriptionRecord"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO subscription_records (user_id, status, product_id, expires_at,
			      source, last_verified_at, raw_receipt, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			  ON CONFLICT (user_id) DO UPDATE
			  SET status = EXCLUDED.status, product_id = EXCLUDED.product_id,
			      expires_at = EXCLUDED.expires_at, source = EXCLUDED.source,
			      last_verified_at = EXCLUDED.last_verified_at,
			      raw_receipt = EXCLUDED.raw_receipt, updated_at = now()`
	_, err := s.DB.ExecContext(ctx, query,
		userID, string(record.Status), record.ProductID, record.ExpiresAt, string(record.Source),
		record.LastVerifiedAt, record.RawReceipt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListDueForRefresh возвращает пользователей с сохранённым чеком, у которых
// оплаченный срок заканчивается раньше before.
func (s *Storage) ListDueForRefresh(ctx context.Context, before time.Time, limit int) ([]string, error) {
	const op = "storage.ListDueForRefresh"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT user_id
			  FROM subscription_records
			  WHERE status IN ('active', 'grace_period')
			    AND raw_receipt <> ''
			    AND expires_at < $1
			  ORDER BY expires_at
			  LIMIT $2`
	rows, err := s.DB.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return users, nil
}
