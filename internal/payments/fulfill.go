package payments

import (
	"context"
	"fmt"
	"log/slog"
)

// Ledger credits purchases exactly once per event
type Ledger interface {
	CreditPurchase(ctx context.Context, eventID, accountID string, credits int64) (bool, int64, error)
}

// Fulfiller turns verified checkout events into credits
type Fulfiller struct {
	verifier *Verifier
	catalog  Catalog
	ledger   Ledger
	logger   *slog.Logger
}

// NewFulfiller creates a new Fulfiller instance
func NewFulfiller(verifier *Verifier, catalog Catalog, ledger Ledger, logger *slog.Logger) *Fulfiller {
	return &Fulfiller{
		verifier: verifier,
		catalog:  catalog,
		ledger:   ledger,
		logger:   logger,
	}
}

// Process verifies and applies one webhook delivery. It reports whether
// credits were granted; replays and ignored event types return false.
func (f *Fulfiller) Process(ctx context.Context, body []byte, signature string) (bool, error) {
	if err := f.verifier.VerifySignature(body, signature); err != nil {
		return false, err
	}

	event, err := ParseEvent(body)
	if err != nil {
		return false, err
	}
	if event.Type != EventCheckoutCompleted {
		f.logger.Debug("Ignoring payment event",
			slog.String("event_id", event.ID),
			slog.String("type", event.Type),
		)
		return false, nil
	}
	if !event.Paid {
		f.logger.Info("Checkout completed without payment, no credits granted",
			slog.String("event_id", event.ID),
			slog.String("account_id", event.AccountID),
		)
		return false, nil
	}

	pkg, err := f.catalog.Lookup(event.PackageID)
	if err != nil {
		return false, fmt.Errorf("checkout event %s: %w", event.ID, err)
	}

	applied, _, err := f.ledger.CreditPurchase(ctx, event.ID, event.AccountID, pkg.Credits)
	if err != nil {
		return false, err
	}
	return applied, nil
}
