package localstore

import (
	"encoding/json"
	"time"

	"github.com/ymori/kakeibo-sync/internal/domain"
)

// storedTransaction is the canonical on-disk shape. Amounts are written as
// strings so decimal values round-trip exactly. Reads go through
// domain.RawTransaction, which also accepts the older aliased shapes.
type storedTransaction struct {
	ID                string `json:"id"`
	Date              string `json:"date"`
	Amount            string `json:"amount"`
	Kind              string `json:"kind"`
	Category          string `json:"category,omitempty"`
	Description       string `json:"description,omitempty"`
	Detail            string `json:"detail,omitempty"`
	Memo              string `json:"memo,omitempty"`
	ExcludeFromTotals bool   `json:"exclude_from_totals,omitempty"`
	IsCardPayment     bool   `json:"is_card_payment,omitempty"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

type storedRule struct {
	ID        string `json:"id"`
	Pattern   string `json:"pattern"`
	Mode      string `json:"mode"`
	Target    string `json:"target"`
	Kind      string `json:"kind"`
	Category  string `json:"category"`
	Flags     string `json:"flags,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func encodeTransactions(txs []domain.Transaction) string {
	stored := make([]storedTransaction, len(txs))
	for i, t := range txs {
		st := storedTransaction{
			ID:                t.ID,
			Date:              t.DateString(),
			Amount:            t.Amount.String(),
			Kind:              string(t.Kind),
			Category:          t.Category,
			Description:       t.Description,
			Detail:            t.Detail,
			Memo:              t.Memo,
			ExcludeFromTotals: t.ExcludeFromTotals,
			IsCardPayment:     t.IsCardPayment,
		}
		if !t.UpdatedAt.IsZero() {
			st.UpdatedAt = t.UpdatedAt.UTC().Format(time.RFC3339)
		}
		stored[i] = st
	}
	data, _ := json.Marshal(stored)
	return string(data)
}

func encodeRules(ruleSet []domain.Rule) string {
	stored := make([]storedRule, len(ruleSet))
	for i, r := range ruleSet {
		sr := storedRule{
			ID:       r.ID,
			Pattern:  r.Pattern,
			Mode:     string(r.Mode),
			Target:   r.Target,
			Kind:     string(r.Kind),
			Category: r.Category,
			Flags:    r.Flags,
		}
		if !r.UpdatedAt.IsZero() {
			sr.UpdatedAt = r.UpdatedAt.UTC().Format(time.RFC3339)
		}
		stored[i] = sr
	}
	data, _ := json.Marshal(stored)
	return string(data)
}
