package domain

import "time"

const (
	// MinDebitAmount and MaxDebitAmount bound a single credit spend
	MinDebitAmount = 1
	MaxDebitAmount = 100
)

// Balance is the credit balance row of one account
type Balance struct {
	AccountID         string    `db:"account_id"`
	Balance           int64     `db:"balance"`
	LifetimePurchased int64     `db:"lifetime_purchased"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// ValidDebitAmount reports whether amount is within the accepted debit bound
func ValidDebitAmount(amount int64) bool {
	return amount >= MinDebitAmount && amount <= MaxDebitAmount
}
