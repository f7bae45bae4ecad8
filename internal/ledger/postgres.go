package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// PostgresStore is the credit_balances table accessed through sqlx
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// Ensure reads the balance and lazily creates a zero row for new accounts.
// Concurrent first reads race on the primary key and both end up reading the
// single surviving row.
func (s *PostgresStore) Ensure(ctx context.Context, accountID string) (int64, error) {
	selectQuery := `
		SELECT balance
		FROM credit_balances
		WHERE account_id = $1
	`

	var balance int64
	err := s.db.GetContext(ctx, &balance, selectQuery, accountID)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}

	insertQuery := `
		INSERT INTO credit_balances (account_id, balance, lifetime_purchased, created_at, updated_at)
		VALUES ($1, 0, 0, NOW(), NOW())
		ON CONFLICT (account_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, insertQuery, accountID); err != nil {
		return 0, fmt.Errorf("failed to create balance: %w", err)
	}

	s.logger.Info("Credit balance created",
		slog.String("account_id", accountID),
	)

	if err := s.db.GetContext(ctx, &balance, selectQuery, accountID); err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// CompareAndSwap writes next only where the stored balance still equals expected
func (s *PostgresStore) CompareAndSwap(ctx context.Context, accountID string, expected, next int64) (bool, error) {
	query := `
		UPDATE credit_balances
		SET balance = $1,
		    updated_at = NOW()
		WHERE account_id = $2
		  AND balance = $3
	`

	result, err := s.db.ExecContext(ctx, query, next, accountID, expected)
	if err != nil {
		return false, fmt.Errorf("failed to update balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// Increment adds amount with a single atomic upsert
func (s *PostgresStore) Increment(ctx context.Context, accountID string, amount int64) (int64, error) {
	query := `
		INSERT INTO credit_balances (account_id, balance, lifetime_purchased, created_at, updated_at)
		VALUES ($1, $2, 0, NOW(), NOW())
		ON CONFLICT (account_id) DO UPDATE
		SET balance = credit_balances.balance + EXCLUDED.balance,
		    updated_at = NOW()
		RETURNING balance
	`

	var balance int64
	if err := s.db.QueryRowContext(ctx, query, accountID, amount).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to increment balance: %w", err)
	}
	return balance, nil
}

// RecordPurchase inserts the payment event and credits the balance in one
// transaction; a known event id leaves everything untouched.
func (s *PostgresStore) RecordPurchase(ctx context.Context, eventID, accountID string, credits int64) (bool, int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	eventQuery := `
		INSERT INTO payment_events (event_id, account_id, credits, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, eventQuery, eventID, accountID, credits)
	if err != nil {
		return false, 0, fmt.Errorf("failed to insert payment event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, 0, nil
	}

	creditQuery := `
		INSERT INTO credit_balances (account_id, balance, lifetime_purchased, created_at, updated_at)
		VALUES ($1, $2, $2, NOW(), NOW())
		ON CONFLICT (account_id) DO UPDATE
		SET balance = credit_balances.balance + EXCLUDED.balance,
		    lifetime_purchased = credit_balances.lifetime_purchased + EXCLUDED.lifetime_purchased,
		    updated_at = NOW()
		RETURNING balance
	`
	var balance int64
	if err := tx.QueryRowContext(ctx, creditQuery, accountID, credits).Scan(&balance); err != nil {
		return false, 0, fmt.Errorf("failed to credit purchase: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("failed to commit purchase: %w", err)
	}

	return true, balance, nil
}
