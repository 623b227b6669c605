package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// ContentHash fingerprints the semantic fields of a transaction, scoped by
// the owning account so identical content under different owners never
// collides. The id is deliberately excluded: it names the record, it is not
// content. Fields are written in a fixed order with a separator so adjacent
// values cannot run together.
func ContentHash(ownerID string, t Transaction) string {
	h := sha256.New()
	for _, field := range []string{
		ownerID,
		t.DateString(),
		t.Amount.String(),
		t.Category,
		t.Description,
		t.Detail,
		t.Memo,
		strconv.FormatBool(t.ExcludeFromTotals),
	} {
		h.Write([]byte(field))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RuleContentHash fingerprints the semantic fields of a categorization rule,
// scoped by owner, for the same whole-record comparison used on transactions.
func RuleContentHash(ownerID string, r Rule) string {
	h := sha256.New()
	for _, field := range []string{
		ownerID,
		r.Pattern,
		string(r.Mode),
		r.Target,
		string(r.Kind),
		r.Category,
		r.Flags,
	} {
		h.Write([]byte(field))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}
