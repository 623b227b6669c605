// Package bigquery implements the remote store adapter over two owner-scoped
// BigQuery tables, transactions and rules. Every read and write carries the
// owner_id predicate; updates are compare-and-swap on the updated_at column
// so concurrent remote edits surface as zero affected rows instead of being
// overwritten.
package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/ymori/kakeibo-sync/internal/syncengine"
)

const (
	transactionsTable = "transactions"
	rulesTable        = "rules"

	// fetchChunkSize bounds the number of ids per IN UNNEST query.
	fetchChunkSize = 100
)

// LedgerStore is the concrete remote store. It is constructed explicitly and
// passed to whoever needs it; there is no package-level client.
type LedgerStore struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	ownerID   string
	now       func() time.Time
}

var _ syncengine.RemoteStore = (*LedgerStore)(nil)
var _ syncengine.RemoteReader = (*LedgerStore)(nil)

// NewLedgerStore creates a remote store for one owner. Credentials come from
// Application Default Credentials, like the rest of the GCP surface.
func NewLedgerStore(ctx context.Context, projectID, datasetID, ownerID string) (*LedgerStore, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("NewLedgerStore: owner id is required")
	}
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewLedgerStore: bigquery client: %w", err)
	}
	return &LedgerStore{
		client:    client,
		projectID: projectID,
		datasetID: datasetID,
		ownerID:   ownerID,
		now:       time.Now,
	}, nil
}

// Close closes the underlying BigQuery client.
func (s *LedgerStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *LedgerStore) table(name string) string {
	return fmt.Sprintf("%s.%s", s.datasetID, name)
}

// runDML runs a DML statement and returns the number of affected rows.
// Zero affected rows on a predicated UPDATE is the conflict signal callers
// care about, so it is returned rather than swallowed.
func (s *LedgerStore) runDML(ctx context.Context, q *bigquery.Query) (int64, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return 0, err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, err
	}
	if err := status.Err(); err != nil {
		return 0, err
	}
	if stats, ok := job.LastStatus().Statistics.Details.(*bigquery.QueryStatistics); ok {
		return stats.NumDMLAffectedRows, nil
	}
	return 0, nil
}

func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
