// Package supabase backs the wallet controller with a Supabase project:
// PostgREST for transaction windows and Realtime for change signals.
package supabase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/wallet_layer/internal/ledger"
	"github.com/R3E-Network/wallet_layer/internal/logging"
	"github.com/R3E-Network/wallet_layer/internal/metrics"
	"github.com/R3E-Network/wallet_layer/supabase/client"
)

// Columns is the projection requested from the transactions table.
const Columns = "id,from_user_id,to_user_id,amount,transaction_type,created_at"

// Store reads transaction windows through PostgREST.
type Store struct {
	client  *client.Client
	table   string
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewStore returns a Store reading table. log and m may be nil.
func NewStore(c *client.Client, table string, log *logging.Logger, m *metrics.Metrics) *Store {
	if log == nil {
		log = logging.Discard()
	}
	return &Store{client: c, table: table, log: log, metrics: m}
}

// Fetch implements wallet.Store. Rows that cannot be decoded are dropped
// and logged; rows that decode but violate the data model are left for the
// aggregator to reject.
func (s *Store) Fetch(ctx context.Context, principal string, limit int) ([]ledger.Transaction, error) {
	p := client.Quote(principal)
	q := s.client.From(s.table).
		Select(Columns).
		Or("from_user_id.eq."+p, "to_user_id.eq."+p).
		Order("created_at", false).
		Order("id", true)
	if limit > 0 {
		q = q.Limit(limit)
	}

	resp, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}

	var rows []json.RawMessage
	if err := resp.JSON(&rows); err != nil {
		return nil, fmt.Errorf("decode %s rows: %w", s.table, err)
	}

	txs := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		var tx ledger.Transaction
		if err := json.Unmarshal(row, &tx); err != nil {
			s.log.WithContext(ctx).
				WithField("id", gjson.GetBytes(row, "id").String()).
				WithError(err).
				Warn("dropping undecodable transaction row")
			s.metrics.RecordRejected("undecodable")
			continue
		}
		txs = append(txs, tx)
	}
	return txs, nil
}
