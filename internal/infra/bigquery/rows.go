package bigquery

import (
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/ymori/kakeibo-sync/internal/domain"
)

// amountScale is the decimal precision used when mapping NUMERIC values back
// into domain amounts.
const amountScale = 9

// TransactionRow is one row of the <dataset>.transactions table.
type TransactionRow struct {
	ID      string `bigquery:"id"`       // REQUIRED
	OwnerID string `bigquery:"owner_id"` // REQUIRED, partition key for all access

	Date   civil.Date `bigquery:"date"`   // REQUIRED
	Amount *big.Rat   `bigquery:"amount"` // REQUIRED NUMERIC
	Kind   string     `bigquery:"kind"`   // REQUIRED: income | expense

	Category    bigquery.NullString `bigquery:"category"`
	Description bigquery.NullString `bigquery:"description"`
	Detail      bigquery.NullString `bigquery:"detail"`
	Memo        bigquery.NullString `bigquery:"memo"`

	Hash string `bigquery:"hash"` // REQUIRED content fingerprint

	ExcludeFromTotals bool `bigquery:"exclude_from_totals"`
	IsCardPayment     bool `bigquery:"is_card_payment"`

	UpdatedAt time.Time `bigquery:"updated_at"` // optimistic-concurrency column
}

// RuleRow is one row of the <dataset>.rules table.
type RuleRow struct {
	ID      string `bigquery:"id"`
	OwnerID string `bigquery:"owner_id"`

	Pattern  string              `bigquery:"pattern"`
	Category string              `bigquery:"category"`
	Target   string              `bigquery:"target"`
	Mode     string              `bigquery:"mode"`
	Kind     string              `bigquery:"kind"`
	Flags    bigquery.NullString `bigquery:"flags"`

	Hash string `bigquery:"hash"`

	UpdatedAt time.Time `bigquery:"updated_at"`
}

func transactionRowFromDomain(ownerID string, t domain.Transaction, hash string, updatedAt time.Time) *TransactionRow {
	return &TransactionRow{
		ID:                t.ID,
		OwnerID:           ownerID,
		Date:              civil.DateOf(t.Date),
		Amount:            t.Amount.Rat(),
		Kind:              string(t.Kind),
		Category:          nullString(t.Category),
		Description:       nullString(t.Description),
		Detail:            nullString(t.Detail),
		Memo:              nullString(t.Memo),
		Hash:              hash,
		ExcludeFromTotals: t.ExcludeFromTotals,
		IsCardPayment:     t.IsCardPayment,
		UpdatedAt:         updatedAt,
	}
}

func (r *TransactionRow) toDomain() domain.Transaction {
	return domain.Transaction{
		ID:                r.ID,
		Date:              time.Date(r.Date.Year, r.Date.Month, r.Date.Day, 0, 0, 0, 0, time.UTC),
		Amount:            decimal.NewFromBigRat(r.Amount, amountScale),
		Kind:              domain.Kind(r.Kind),
		Category:          r.Category.StringVal,
		Description:       r.Description.StringVal,
		Detail:            r.Detail.StringVal,
		Memo:              r.Memo.StringVal,
		ExcludeFromTotals: r.ExcludeFromTotals,
		IsCardPayment:     r.IsCardPayment,
		UpdatedAt:         r.UpdatedAt,
	}
}

func ruleRowFromDomain(ownerID string, rule domain.Rule, hash string, updatedAt time.Time) *RuleRow {
	return &RuleRow{
		ID:        rule.ID,
		OwnerID:   ownerID,
		Pattern:   rule.Pattern,
		Category:  rule.Category,
		Target:    rule.Target,
		Mode:      string(rule.Mode),
		Kind:      string(rule.Kind),
		Flags:     nullString(rule.Flags),
		Hash:      hash,
		UpdatedAt: updatedAt,
	}
}

func (r *RuleRow) toDomain() domain.Rule {
	return domain.Rule{
		ID:        r.ID,
		Pattern:   r.Pattern,
		Category:  r.Category,
		Target:    r.Target,
		Mode:      domain.MatchMode(r.Mode),
		Kind:      domain.RuleKind(r.Kind),
		Flags:     r.Flags.StringVal,
		UpdatedAt: r.UpdatedAt,
	}
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}
