// Package rules applies categorization rules to transactions. Application is
// a pure function over the inputs: no I/O, deterministic for a stable rule
// order, and safe to re-run after every rule or transaction change.
package rules

import (
	"regexp"
	"strings"

	"github.com/ymori/kakeibo-sync/internal/domain"
)

// compiledRule carries a rule with its regex pre-compiled once per Apply
// call. A rule whose regex fails to compile stays in the list with a nil
// matcher and matches nothing: a broken rule must not take the whole
// categorization pass down with it.
type compiledRule struct {
	rule domain.Rule
	re   *regexp.Regexp
}

// Apply runs the rules in order over every transaction. The first rule whose
// kind restriction admits the transaction and whose pattern matches the
// resolved target field assigns the category; later rules are not consulted.
// Unmatched transactions keep their current category.
func Apply(transactions []domain.Transaction, ruleSet []domain.Rule) []domain.Transaction {
	if len(transactions) == 0 || len(ruleSet) == 0 {
		return transactions
	}

	compiled := compile(ruleSet)

	out := make([]domain.Transaction, len(transactions))
	for i, tx := range transactions {
		for _, cr := range compiled {
			if !cr.rule.AppliesTo(tx.Kind) {
				continue
			}
			if cr.matches(targetValue(tx, cr.rule.Target)) {
				tx.Category = cr.rule.Category
				tx.IsCardPayment = tx.Category == domain.CardPaymentCategory
				break
			}
		}
		out[i] = tx
	}
	return out
}

func compile(ruleSet []domain.Rule) []compiledRule {
	compiled := make([]compiledRule, 0, len(ruleSet))
	for _, r := range ruleSet {
		if r.Pattern == "" {
			continue
		}
		cr := compiledRule{rule: r}
		if r.Mode == domain.MatchRegex {
			cr.re = compileRegex(r.Pattern, r.Flags)
		}
		compiled = append(compiled, cr)
	}
	return compiled
}

// compileRegex builds the matcher with case-insensitivity on by default,
// mirroring how the rules were authored against a JS RegExp. Returns nil for
// an unparseable pattern (fail open).
func compileRegex(pattern, flags string) *regexp.Regexp {
	expr := pattern
	if flags == "" || strings.Contains(flags, "i") {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil
	}
	return re
}

func (cr compiledRule) matches(value string) bool {
	if value == "" {
		return false
	}
	if cr.rule.Mode == domain.MatchRegex {
		return cr.re != nil && cr.re.MatchString(value)
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(cr.rule.Pattern))
}

// targetValue resolves the field a rule tests, falling back through
// description, detail and memo when the preferred field is empty.
func targetValue(tx domain.Transaction, target string) string {
	ordered := []string{domain.TargetDescription, domain.TargetDetail, domain.TargetMemo}
	switch target {
	case domain.TargetDetail:
		ordered = []string{domain.TargetDetail, domain.TargetMemo, domain.TargetDescription}
	case domain.TargetMemo:
		ordered = []string{domain.TargetMemo, domain.TargetDescription, domain.TargetDetail}
	}
	for _, field := range ordered {
		var v string
		switch field {
		case domain.TargetDescription:
			v = tx.Description
		case domain.TargetDetail:
			v = tx.Detail
		case domain.TargetMemo:
			v = tx.Memo
		}
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
