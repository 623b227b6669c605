package domain

import "time"

// MatchMode selects how a rule pattern is tested against a field.
type MatchMode string

const (
	MatchContains MatchMode = "contains"
	MatchRegex    MatchMode = "regex"
)

// RuleKind restricts which transaction directions a rule applies to.
type RuleKind string

const (
	RuleKindIncome  RuleKind = "income"
	RuleKindExpense RuleKind = "expense"
	RuleKindBoth    RuleKind = "both"
)

// Valid rule targets, in fallback order when the preferred field is empty.
const (
	TargetDescription = "description"
	TargetDetail      = "detail"
	TargetMemo        = "memo"
)

// Rule is one categorization rule. Rules apply in array order over the full
// transaction set; the first matching rule wins.
type Rule struct {
	ID       string
	Pattern  string
	Mode     MatchMode
	Target   string
	Kind     RuleKind
	Category string
	Flags    string // regex flags, e.g. "i"

	UpdatedAt time.Time
}

// AppliesTo reports whether the rule's kind restriction admits the given
// transaction direction.
func (r Rule) AppliesTo(kind Kind) bool {
	switch r.Kind {
	case RuleKindBoth, "":
		return true
	case RuleKindIncome:
		return kind == KindIncome
	case RuleKindExpense:
		return kind == KindExpense
	}
	return false
}
