package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the authoritative direction of a transaction. The sign of the
// amount is informational only.
type Kind string

const (
	KindIncome  Kind = "income"
	KindExpense Kind = "expense"
)

// CardPaymentCategory marks card-settlement transactions. A transaction in
// this category is treated as a card payment even without the explicit flag.
const CardPaymentCategory = "カード支払い"

const dateFormat = "2006-01-02"

// Transaction is one canonical ledger entry. External shapes (import files,
// stored JSON, remote rows) are mapped into this struct at the boundary;
// nothing downstream branches on alternate field names.
type Transaction struct {
	ID                string
	Date              time.Time // date-only, local calendar date
	Amount            decimal.Decimal
	Kind              Kind
	Category          string
	Description       string
	Detail            string
	Memo              string
	ExcludeFromTotals bool
	IsCardPayment     bool

	// UpdatedAt is the server-assigned optimistic-concurrency timestamp.
	// Zero for records that have never been synced.
	UpdatedAt time.Time
}

// DateString renders the date in ISO date-only form, empty when unset.
func (t Transaction) DateString() string {
	if t.Date.IsZero() {
		return ""
	}
	return t.Date.Format(dateFormat)
}

// Validate reports whether the transaction is acceptable as sync input.
// A record failing validation is skipped and reported by id, never coerced.
func (t Transaction) Validate() error {
	if t.Date.IsZero() {
		return fmt.Errorf("missing date")
	}
	if t.Kind != KindIncome && t.Kind != KindExpense {
		return fmt.Errorf("invalid kind %q", t.Kind)
	}
	return nil
}

// KindFromAmount derives the default direction from the sign of an amount.
func KindFromAmount(amount decimal.Decimal) Kind {
	if amount.IsNegative() {
		return KindExpense
	}
	return KindIncome
}

// RecordError ties a record-scoped problem to the record's id so callers can
// report it without aborting the surrounding batch.
type RecordError struct {
	ID  string
	Err error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %s: %v", e.ID, e.Err)
}

func (e RecordError) Unwrap() error { return e.Err }
