package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/ymori/kakeibo-sync/internal/domain"
	"github.com/ymori/kakeibo-sync/internal/syncengine"
)

// FetchRulesByIDs fetches the owner's remote rule rows for the given ids.
func (s *LedgerStore) FetchRulesByIDs(ctx context.Context, ids []string) (map[string]syncengine.RemoteRule, error) {
	out := make(map[string]syncengine.RemoteRule, len(ids))
	for _, chunk := range chunkIDs(ids, fetchChunkSize) {
		q := s.client.Query(fmt.Sprintf(`
			SELECT id, owner_id, pattern, category, target, mode, kind, flags, hash, updated_at
			FROM %s
			WHERE owner_id = @owner_id
			  AND id IN UNNEST(@ids)
		`, s.table(rulesTable)))
		q.Parameters = []bigquery.QueryParameter{
			{Name: "owner_id", Value: s.ownerID},
			{Name: "ids", Value: chunk},
		}

		it, err := q.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("FetchRulesByIDs: query read: %w", err)
		}
		for {
			var r RuleRow
			err := it.Next(&r)
			if err == iterator.Done {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("FetchRulesByIDs: iter next: %w", err)
			}
			out[r.ID] = syncengine.RemoteRule{
				Hash:      r.Hash,
				UpdatedAt: r.UpdatedAt,
				Rule:      r.toDomain(),
			}
		}
	}
	return out, nil
}

// InsertRules inserts new rule rows via the streaming inserter.
func (s *LedgerStore) InsertRules(ctx context.Context, ruleSet []domain.Rule, hashes map[string]string) error {
	if len(ruleSet) == 0 {
		return nil
	}
	now := s.now().UTC()
	rows := make([]*RuleRow, len(ruleSet))
	for i, r := range ruleSet {
		rows[i] = ruleRowFromDomain(s.ownerID, r, hashes[r.ID], now)
	}

	inserter := s.client.DatasetInProject(s.projectID, s.datasetID).Table(rulesTable).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("InsertRules: inserting rows: %w", err)
	}
	return nil
}

// UpdateRule is the rules-table compare-and-swap; semantics match
// UpdateTransaction.
func (s *LedgerStore) UpdateRule(ctx context.Context, rule domain.Rule, hash string, expected time.Time) (bool, error) {
	q := s.client.Query(fmt.Sprintf(`
		UPDATE %s
		SET pattern = @pattern,
		    category = @category,
		    target = @target,
		    mode = @mode,
		    kind = @kind,
		    flags = @flags,
		    hash = @hash,
		    updated_at = @now
		WHERE id = @id
		  AND owner_id = @owner_id
		  AND updated_at = @expected
	`, s.table(rulesTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "pattern", Value: rule.Pattern},
		{Name: "category", Value: rule.Category},
		{Name: "target", Value: rule.Target},
		{Name: "mode", Value: string(rule.Mode)},
		{Name: "kind", Value: string(rule.Kind)},
		{Name: "flags", Value: rule.Flags},
		{Name: "hash", Value: hash},
		{Name: "now", Value: s.now().UTC()},
		{Name: "id", Value: rule.ID},
		{Name: "owner_id", Value: s.ownerID},
		{Name: "expected", Value: expected.UTC()},
	}

	affected, err := s.runDML(ctx, q)
	if err != nil {
		return false, fmt.Errorf("UpdateRule: %w", err)
	}
	return affected > 0, nil
}

// ListRules reads the owner's full rule set in stable order.
func (s *LedgerStore) ListRules(ctx context.Context) ([]domain.Rule, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT id, owner_id, pattern, category, target, mode, kind, flags, hash, updated_at
		FROM %s
		WHERE owner_id = @owner_id
		ORDER BY updated_at, id
	`, s.table(rulesTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "owner_id", Value: s.ownerID}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListRules: query read: %w", err)
	}

	var out []domain.Rule
	for {
		var r RuleRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListRules: iter next: %w", err)
		}
		out = append(out, r.toDomain())
	}
	return out, nil
}
