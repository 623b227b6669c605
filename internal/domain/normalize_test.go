package domain

import (
	"encoding/json"
	"testing"
)

func TestNormalizeTransaction(t *testing.T) {
	tests := []struct {
		name    string
		raw     RawTransaction
		wantErr bool
		check   func(t *testing.T, tx Transaction)
	}{
		{
			name: "canonical shape",
			raw: RawTransaction{
				ID:          "tx-1",
				Date:        "2026-01-15",
				Amount:      json.RawMessage(`-1280`),
				Kind:        "expense",
				Category:    "食費",
				Description: "スーパー",
			},
			check: func(t *testing.T, tx Transaction) {
				if tx.Kind != KindExpense {
					t.Errorf("kind = %q, want expense", tx.Kind)
				}
				if tx.DateString() != "2026-01-15" {
					t.Errorf("date = %q", tx.DateString())
				}
				if tx.Amount.String() != "-1280" {
					t.Errorf("amount = %s", tx.Amount)
				}
			},
		},
		{
			name: "legacy aliases",
			raw: RawTransaction{
				OccurredOn: "2025-12-01",
				Amount:     json.RawMessage(`"3,000"`),
				Type:       "income",
				Note:       "ボーナス",
			},
			check: func(t *testing.T, tx Transaction) {
				if tx.DateString() != "2025-12-01" {
					t.Errorf("occurred_on alias not honored, date = %q", tx.DateString())
				}
				if tx.Memo != "ボーナス" {
					t.Errorf("note alias not honored, memo = %q", tx.Memo)
				}
				if tx.Amount.String() != "3000" {
					t.Errorf("string amount = %s", tx.Amount)
				}
				if tx.Kind != KindIncome {
					t.Errorf("type alias not honored, kind = %q", tx.Kind)
				}
			},
		},
		{
			name: "kind defaulted from negative amount",
			raw:  RawTransaction{Date: "2026-02-01", Amount: json.RawMessage(`-50`)},
			check: func(t *testing.T, tx Transaction) {
				if tx.Kind != KindExpense {
					t.Errorf("kind = %q, want expense for negative amount", tx.Kind)
				}
			},
		},
		{
			name: "kind defaulted from positive amount",
			raw:  RawTransaction{Date: "2026-02-01", Amount: json.RawMessage(`200`)},
			check: func(t *testing.T, tx Transaction) {
				if tx.Kind != KindIncome {
					t.Errorf("kind = %q, want income for positive amount", tx.Kind)
				}
			},
		},
		{
			name: "card payment derived from category",
			raw:  RawTransaction{Date: "2026-02-01", Amount: json.RawMessage(`-900`), Category: CardPaymentCategory},
			check: func(t *testing.T, tx Transaction) {
				if !tx.IsCardPayment {
					t.Errorf("card payment category must set IsCardPayment")
				}
			},
		},
		{
			name:    "missing date",
			raw:     RawTransaction{Amount: json.RawMessage(`10`)},
			wantErr: true,
		},
		{
			name:    "unparseable amount",
			raw:     RawTransaction{Date: "2026-02-01", Amount: json.RawMessage(`"abc"`)},
			wantErr: true,
		},
		{
			name:    "missing amount",
			raw:     RawTransaction{Date: "2026-02-01"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := NormalizeTransaction(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeTransaction() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.check != nil {
				tt.check(t, tx)
			}
		})
	}
}

func TestNormalizeTransactionsCollectsErrors(t *testing.T) {
	raws := []RawTransaction{
		{ID: "good", Date: "2026-01-01", Amount: json.RawMessage(`100`)},
		{ID: "bad-amount", Date: "2026-01-02", Amount: json.RawMessage(`"NaN"`)},
		{ID: "no-date", Amount: json.RawMessage(`5`)},
	}
	txs, bad := NormalizeTransactions(raws)
	if len(txs) != 1 || txs[0].ID != "good" {
		t.Fatalf("expected exactly the valid record, got %d", len(txs))
	}
	if len(bad) != 2 {
		t.Fatalf("expected 2 record errors, got %d", len(bad))
	}
	if bad[0].ID != "bad-amount" || bad[1].ID != "no-date" {
		t.Errorf("record errors must carry the offending ids: %+v", bad)
	}
}

func TestNormalizeRule(t *testing.T) {
	tests := []struct {
		name string
		raw  RawRule
		want Rule
	}{
		{
			name: "pattern with explicit mode",
			raw:  RawRule{ID: "r1", Pattern: "Amazon", Mode: "contains", Target: "description", Kind: "expense", Category: "ネット通販"},
			want: Rule{ID: "r1", Pattern: "Amazon", Mode: MatchContains, Target: TargetDescription, Kind: RuleKindExpense, Category: "ネット通販"},
		},
		{
			name: "regex field implies regex mode",
			raw:  RawRule{ID: "r2", Regex: "^SUICA", Category: "交通費"},
			want: Rule{ID: "r2", Pattern: "^SUICA", Mode: MatchRegex, Target: TargetDescription, Kind: RuleKindBoth, Category: "交通費"},
		},
		{
			name: "keyword is lowest priority match source",
			raw:  RawRule{ID: "r3", Keyword: "家賃", Category: "住居費"},
			want: Rule{ID: "r3", Pattern: "家賃", Mode: MatchContains, Target: TargetDescription, Kind: RuleKindBoth, Category: "住居費"},
		},
		{
			name: "pattern outranks regex and keyword",
			raw:  RawRule{ID: "r4", Pattern: "A", Regex: "B", Keyword: "C", Category: "x"},
			want: Rule{ID: "r4", Pattern: "A", Mode: MatchRegex, Target: TargetDescription, Kind: RuleKindBoth, Category: "x"},
		},
		{
			name: "unknown target falls back to description",
			raw:  RawRule{ID: "r5", Pattern: "x", Target: "payee", Category: "y"},
			want: Rule{ID: "r5", Pattern: "x", Mode: MatchContains, Target: TargetDescription, Kind: RuleKindBoth, Category: "y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeRule(tt.raw)
			if got != tt.want {
				t.Errorf("NormalizeRule() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNormalizeRulesDropsEmptyPatterns(t *testing.T) {
	rules := NormalizeRules([]RawRule{
		{ID: "keep", Pattern: "Amazon", Category: "x"},
		{ID: "drop", Category: "y"},
	})
	if len(rules) != 1 || rules[0].ID != "keep" {
		t.Fatalf("expected only the rule with a pattern, got %+v", rules)
	}
}
