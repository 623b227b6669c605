package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/iterator"

	"github.com/ymori/kakeibo-sync/internal/domain"
	"github.com/ymori/kakeibo-sync/internal/syncengine"
)

// FetchTransactionsByIDs fetches the owner's remote rows for the given ids,
// keyed by id. The id list is split into chunks so no single query exceeds
// the parameter limit.
func (s *LedgerStore) FetchTransactionsByIDs(ctx context.Context, ids []string) (map[string]syncengine.RemoteTransaction, error) {
	out := make(map[string]syncengine.RemoteTransaction, len(ids))
	for _, chunk := range chunkIDs(ids, fetchChunkSize) {
		q := s.client.Query(fmt.Sprintf(`
			SELECT
				id, owner_id, date, amount, kind,
				category, description, detail, memo,
				hash, exclude_from_totals, is_card_payment, updated_at
			FROM %s
			WHERE owner_id = @owner_id
			  AND id IN UNNEST(@ids)
		`, s.table(transactionsTable)))
		q.Parameters = []bigquery.QueryParameter{
			{Name: "owner_id", Value: s.ownerID},
			{Name: "ids", Value: chunk},
		}

		it, err := q.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("FetchTransactionsByIDs: query read: %w", err)
		}
		for {
			var r TransactionRow
			err := it.Next(&r)
			if err == iterator.Done {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("FetchTransactionsByIDs: iter next: %w", err)
			}
			out[r.ID] = syncengine.RemoteTransaction{
				Hash:      r.Hash,
				UpdatedAt: r.UpdatedAt,
				Tx:        r.toDomain(),
			}
		}
	}
	return out, nil
}

// InsertTransactions inserts new rows via the streaming inserter. The caller
// bounds the batch size; hashes carries the precomputed content fingerprint
// per id.
func (s *LedgerStore) InsertTransactions(ctx context.Context, txs []domain.Transaction, hashes map[string]string) error {
	if len(txs) == 0 {
		return nil
	}
	now := s.now().UTC()
	rows := make([]*TransactionRow, len(txs))
	for i, t := range txs {
		rows[i] = transactionRowFromDomain(s.ownerID, t, hashes[t.ID], now)
	}

	inserter := s.client.DatasetInProject(s.projectID, s.datasetID).Table(transactionsTable).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("InsertTransactions: inserting rows: %w", err)
	}
	return nil
}

// UpdateTransaction applies a single-row update predicated on id, owner and
// the updated_at value observed at fetch time. A row changed remotely since
// then matches nothing; that outcome is reported as ok=false, not an error.
func (s *LedgerStore) UpdateTransaction(ctx context.Context, t domain.Transaction, hash string, expected time.Time) (bool, error) {
	q := s.client.Query(fmt.Sprintf(`
		UPDATE %s
		SET date = @date,
		    amount = @amount,
		    kind = @kind,
		    category = @category,
		    description = @description,
		    detail = @detail,
		    memo = @memo,
		    hash = @hash,
		    exclude_from_totals = @exclude_from_totals,
		    is_card_payment = @is_card_payment,
		    updated_at = @now
		WHERE id = @id
		  AND owner_id = @owner_id
		  AND updated_at = @expected
	`, s.table(transactionsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "date", Value: civil.DateOf(t.Date)},
		{Name: "amount", Value: t.Amount.Rat()},
		{Name: "kind", Value: string(t.Kind)},
		{Name: "category", Value: t.Category},
		{Name: "description", Value: t.Description},
		{Name: "detail", Value: t.Detail},
		{Name: "memo", Value: t.Memo},
		{Name: "hash", Value: hash},
		{Name: "exclude_from_totals", Value: t.ExcludeFromTotals},
		{Name: "is_card_payment", Value: t.IsCardPayment},
		{Name: "now", Value: s.now().UTC()},
		{Name: "id", Value: t.ID},
		{Name: "owner_id", Value: s.ownerID},
		{Name: "expected", Value: expected.UTC()},
	}

	affected, err := s.runDML(ctx, q)
	if err != nil {
		return false, fmt.Errorf("UpdateTransaction: %w", err)
	}
	return affected > 0, nil
}

// ListTransactions reads the owner's full transaction set, optionally
// bounded by a date range. Zero times leave the corresponding bound open.
func (s *LedgerStore) ListTransactions(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	query := fmt.Sprintf(`
		SELECT
			id, owner_id, date, amount, kind,
			category, description, detail, memo,
			hash, exclude_from_totals, is_card_payment, updated_at
		FROM %s
		WHERE owner_id = @owner_id
	`, s.table(transactionsTable))
	params := []bigquery.QueryParameter{{Name: "owner_id", Value: s.ownerID}}
	if !from.IsZero() {
		query += " AND date >= @from_date"
		params = append(params, bigquery.QueryParameter{Name: "from_date", Value: civil.DateOf(from)})
	}
	if !to.IsZero() {
		query += " AND date <= @to_date"
		params = append(params, bigquery.QueryParameter{Name: "to_date", Value: civil.DateOf(to)})
	}
	query += " ORDER BY date, id"

	q := s.client.Query(query)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: query read: %w", err)
	}

	var out []domain.Transaction
	for {
		var r TransactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListTransactions: iter next: %w", err)
		}
		out = append(out, r.toDomain())
	}
	return out, nil
}
