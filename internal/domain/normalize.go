package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RawTransaction is the union of transaction shapes accepted at the system
// boundary. Older exports used occurred_on for the date, type for the kind
// and note for the memo; amounts arrive as JSON numbers or as strings.
// Normalization maps all of them into the canonical Transaction exactly once.
type RawTransaction struct {
	ID string `json:"id"`

	Date       string `json:"date"`
	OccurredOn string `json:"occurred_on"`

	Amount json.RawMessage `json:"amount"`

	Kind string `json:"kind"`
	Type string `json:"type"`

	Category    string `json:"category"`
	Description string `json:"description"`
	Detail      string `json:"detail"`
	Memo        string `json:"memo"`
	Note        string `json:"note"`

	ExcludeFromTotals bool  `json:"exclude_from_totals"`
	Excluded          bool  `json:"excluded"`
	IsCardPayment     *bool `json:"is_card_payment"`

	UpdatedAt string `json:"updated_at"`
}

// RawRule is the union of rule shapes accepted at the boundary. The matching
// string is the first non-empty of pattern, regex, keyword; a regex field
// implies regex mode unless mode is set explicitly.
type RawRule struct {
	ID       string `json:"id"`
	Pattern  string `json:"pattern"`
	Regex    string `json:"regex"`
	Keyword  string `json:"keyword"`
	Mode     string `json:"mode"`
	Target   string `json:"target"`
	Kind     string `json:"kind"`
	Category string `json:"category"`
	Flags    string `json:"flags"`

	UpdatedAt string `json:"updated_at"`
}

// NormalizeTransaction maps one raw record into canonical form. The returned
// transaction always has a resolved kind; the id may still be empty (ids are
// assigned during sync preparation so purely local data stays stable).
func NormalizeTransaction(raw RawTransaction) (Transaction, error) {
	dateStr := firstNonEmpty(raw.Date, raw.OccurredOn)
	if dateStr == "" {
		return Transaction{}, fmt.Errorf("missing date")
	}
	date, err := time.Parse(dateFormat, dateStr)
	if err != nil {
		return Transaction{}, fmt.Errorf("invalid date %q: %w", dateStr, err)
	}

	amount, err := parseAmount(raw.Amount)
	if err != nil {
		return Transaction{}, err
	}

	kind := Kind(strings.ToLower(firstNonEmpty(raw.Kind, raw.Type)))
	if kind != KindIncome && kind != KindExpense {
		kind = KindFromAmount(amount)
	}

	t := Transaction{
		ID:                strings.TrimSpace(raw.ID),
		Date:              date,
		Amount:            amount,
		Kind:              kind,
		Category:          strings.TrimSpace(raw.Category),
		Description:       raw.Description,
		Detail:            raw.Detail,
		Memo:              firstNonEmpty(raw.Memo, raw.Note),
		ExcludeFromTotals: raw.ExcludeFromTotals || raw.Excluded,
	}
	if raw.IsCardPayment != nil {
		t.IsCardPayment = *raw.IsCardPayment
	} else {
		t.IsCardPayment = t.Category == CardPaymentCategory
	}
	if raw.UpdatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, raw.UpdatedAt); err == nil {
			t.UpdatedAt = ts
		}
	}
	return t, nil
}

// NormalizeTransactions maps a raw slice into canonical records, collecting
// per-record failures instead of aborting. Invalid records are reported by id
// so callers can surface them; they are never silently coerced.
func NormalizeTransactions(raws []RawTransaction) ([]Transaction, []RecordError) {
	out := make([]Transaction, 0, len(raws))
	var bad []RecordError
	for _, raw := range raws {
		t, err := NormalizeTransaction(raw)
		if err != nil {
			bad = append(bad, RecordError{ID: raw.ID, Err: err})
			continue
		}
		out = append(out, t)
	}
	return out, bad
}

// NormalizeRule maps one raw rule into canonical form. Rules with no matching
// string at all are dropped by the caller; everything else is preserved.
func NormalizeRule(raw RawRule) Rule {
	pattern := firstNonEmpty(raw.Pattern, raw.Regex, raw.Keyword)

	mode := MatchMode(strings.ToLower(raw.Mode))
	if mode != MatchContains && mode != MatchRegex {
		if raw.Regex != "" {
			mode = MatchRegex
		} else {
			mode = MatchContains
		}
	}

	target := strings.ToLower(strings.TrimSpace(raw.Target))
	switch target {
	case TargetDescription, TargetDetail, TargetMemo:
	default:
		target = TargetDescription
	}

	kind := RuleKind(strings.ToLower(raw.Kind))
	switch kind {
	case RuleKindIncome, RuleKindExpense, RuleKindBoth:
	default:
		kind = RuleKindBoth
	}

	r := Rule{
		ID:       strings.TrimSpace(raw.ID),
		Pattern:  pattern,
		Mode:     mode,
		Target:   target,
		Kind:     kind,
		Category: strings.TrimSpace(raw.Category),
		Flags:    raw.Flags,
	}
	if raw.UpdatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, raw.UpdatedAt); err == nil {
			r.UpdatedAt = ts
		}
	}
	return r
}

// NormalizeRules maps a raw rule slice, dropping rules with no pattern.
func NormalizeRules(raws []RawRule) []Rule {
	out := make([]Rule, 0, len(raws))
	for _, raw := range raws {
		r := NormalizeRule(raw)
		if r.Pattern == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// parseAmount accepts a JSON number or a numeric string. Anything that does
// not parse to a finite number is an error; coercing to zero would corrupt
// totals.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return decimal.Decimal{}, fmt.Errorf("missing amount")
	}
	s = strings.Trim(s, `"`)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("unparseable amount %q", s)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
