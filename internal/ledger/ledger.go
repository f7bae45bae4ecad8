// Package ledger keeps per-account credit balances.
//
// Debits follow an optimistic read-then-conditional-update cycle: the new
// balance is only written when the stored balance still equals the value it
// was computed from. A lost race re-reads and retries up to a small bound, so
// concurrent requests on different hosts can never jointly drive a balance
// below zero.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/metrics"
)

const (
	defaultMaxAttempts = 5
	defaultRetryDelay  = 10 * time.Millisecond
)

// BalanceStore is the relational primitive the ledger needs.
type BalanceStore interface {
	// Ensure returns the current balance, creating a zero row on first use.
	Ensure(ctx context.Context, accountID string) (int64, error)
	// CompareAndSwap sets balance to next only if it still equals expected.
	CompareAndSwap(ctx context.Context, accountID string, expected, next int64) (bool, error)
	// Increment atomically adds amount and returns the new balance.
	Increment(ctx context.Context, accountID string, amount int64) (int64, error)
	// RecordPurchase credits a payment once per event id.
	RecordPurchase(ctx context.Context, eventID, accountID string, credits int64) (applied bool, balance int64, err error)
}

// Options tunes the retry discipline
type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Ledger implements the credit operations on top of a BalanceStore
type Ledger struct {
	store       BalanceStore
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// New creates a Ledger
func New(store BalanceStore, logger *slog.Logger, opts Options) *Ledger {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Ledger{
		store:       store,
		logger:      logger,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
	}
}

// GetBalance returns the current balance; unknown accounts start at zero.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (int64, error) {
	if accountID == "" {
		return 0, fmt.Errorf("%w: account id is required", domain.ErrInvalidInput)
	}
	balance, err := l.store.Ensure(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// HasAtLeast reports whether the account can currently afford amount.
// It is only a pre-check; TryDebit is the authoritative gate.
func (l *Ledger) HasAtLeast(ctx context.Context, accountID string, amount int64) (bool, int64, error) {
	balance, err := l.GetBalance(ctx, accountID)
	if err != nil {
		return false, 0, err
	}
	return balance >= amount, balance, nil
}

// TryDebit subtracts amount from the account balance.
//
// On success it returns the new balance. When amount exceeds the balance it
// returns the current balance with ErrInsufficientCredits and writes nothing.
// ErrConflict means every attempt lost a race and the caller may retry later.
func (l *Ledger) TryDebit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if !domain.ValidDebitAmount(amount) {
		metrics.LedgerDebits.WithLabelValues("invalid").Inc()
		return 0, fmt.Errorf("%w: %d (must be between %d and %d)", domain.ErrInvalidAmount, amount, domain.MinDebitAmount, domain.MaxDebitAmount)
	}
	if accountID == "" {
		return 0, fmt.Errorf("%w: account id is required", domain.ErrInvalidInput)
	}

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		current, err := l.store.Ensure(ctx, accountID)
		if err != nil {
			metrics.LedgerDebits.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("failed to read balance: %w", err)
		}

		if amount > current {
			metrics.LedgerDebits.WithLabelValues("insufficient").Inc()
			return current, domain.ErrInsufficientCredits
		}

		next := current - amount
		swapped, err := l.store.CompareAndSwap(ctx, accountID, current, next)
		if err != nil {
			metrics.LedgerDebits.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("failed to debit balance: %w", err)
		}
		if swapped {
			metrics.LedgerDebits.WithLabelValues("ok").Inc()
			l.logger.Debug("Credits debited",
				slog.String("account_id", accountID),
				slog.Int64("amount", amount),
				slog.Int64("balance", next),
				slog.Int("attempt", attempt),
			)
			return next, nil
		}

		metrics.LedgerDebitRetries.Inc()
		l.logger.Debug("Debit lost a concurrent update, retrying",
			slog.String("account_id", accountID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", l.maxAttempts),
		)

		if attempt < l.maxAttempts {
			if err := l.wait(ctx, attempt); err != nil {
				return 0, err
			}
		}
	}

	metrics.LedgerDebits.WithLabelValues("conflict").Inc()
	l.logger.Warn("Debit retries exhausted",
		slog.String("account_id", accountID),
		slog.Int64("amount", amount),
		slog.Int("attempts", l.maxAttempts),
	)
	return 0, fmt.Errorf("%w: debit of %d after %d attempts", domain.ErrConflict, amount, l.maxAttempts)
}

// Credit adds amount to the account balance (referral rewards, grants).
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit amount must be positive", domain.ErrInvalidAmount)
	}
	if accountID == "" {
		return 0, fmt.Errorf("%w: account id is required", domain.ErrInvalidInput)
	}

	balance, err := l.store.Increment(ctx, accountID, amount)
	if err != nil {
		return 0, fmt.Errorf("failed to credit balance: %w", err)
	}

	metrics.LedgerCredits.WithLabelValues("grant").Add(float64(amount))
	l.logger.Info("Credits added",
		slog.String("account_id", accountID),
		slog.Int64("amount", amount),
		slog.Int64("balance", balance),
	)
	return balance, nil
}

// CreditPurchase applies a completed payment exactly once per event id.
// A replayed event returns applied=false and changes nothing.
func (l *Ledger) CreditPurchase(ctx context.Context, eventID, accountID string, credits int64) (bool, int64, error) {
	if eventID == "" || accountID == "" {
		return false, 0, fmt.Errorf("%w: event id and account id are required", domain.ErrInvalidInput)
	}
	if credits <= 0 {
		return false, 0, fmt.Errorf("%w: purchased credits must be positive", domain.ErrInvalidAmount)
	}

	applied, balance, err := l.store.RecordPurchase(ctx, eventID, accountID, credits)
	if err != nil {
		return false, 0, fmt.Errorf("failed to record purchase: %w", err)
	}

	if applied {
		metrics.LedgerCredits.WithLabelValues("purchase").Add(float64(credits))
		l.logger.Info("Purchase credited",
			slog.String("event_id", eventID),
			slog.String("account_id", accountID),
			slog.Int64("credits", credits),
			slog.Int64("balance", balance),
		)
	} else {
		l.logger.Info("Purchase event already processed",
			slog.String("event_id", eventID),
			slog.String("account_id", accountID),
		)
	}
	return applied, balance, nil
}

// wait sleeps a jittered, growing delay before the next attempt
func (l *Ledger) wait(ctx context.Context, attempt int) error {
	if l.retryDelay == 0 {
		return ctx.Err()
	}
	delay := l.retryDelay * time.Duration(attempt)
	delay += time.Duration(rand.Int64N(int64(l.retryDelay)))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("debit canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
