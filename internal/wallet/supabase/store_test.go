package supabase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/wallet_layer/internal/ledger"
	"github.com/R3E-Network/wallet_layer/internal/metrics"
	"github.com/R3E-Network/wallet_layer/supabase/client"
)

func newClient(t *testing.T, h http.HandlerFunc) *client.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := client.New(client.Config{URL: srv.URL, APIKey: "service"})
	require.NoError(t, err)
	return c
}

func TestStore_FetchQuery(t *testing.T) {
	var got *http.Request
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"t2","from_user_id":null,"to_user_id":"alice","amount":"150.00","transaction_type":"DIRECT","created_at":"2024-03-02T10:00:00Z"},
			{"id":"t1","from_user_id":"alice","to_user_id":"bob","amount":30,"transaction_type":"fenix","created_at":"2024-03-01T10:00:00Z"}
		]`))
	})

	txs, err := NewStore(c, "transactions", nil, nil).Fetch(context.Background(), "alice", 50)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "/rest/v1/transactions", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, Columns, q.Get("select"))
	assert.Equal(t, `(from_user_id.eq."alice",to_user_id.eq."alice")`, q.Get("or"))
	assert.Equal(t, "created_at.desc,id.asc", q.Get("order"))
	assert.Equal(t, "50", q.Get("limit"))
	assert.Equal(t, "service", got.Header.Get("apikey"))

	require.Len(t, txs, 2)
	assert.Equal(t, "t2", txs[0].ID)
	assert.Empty(t, txs[0].From)
	assert.Equal(t, "150", txs[0].Amount.String())
	assert.Equal(t, ledger.CategoryDirect, txs[0].Category.Bucket())
	assert.Equal(t, ledger.CategoryFenix, txs[1].Category.Bucket())

	sum := ledger.Aggregate("alice", txs)
	assert.Equal(t, "120", sum.Balance.String())
}

func TestStore_QuotesPrincipal(t *testing.T) {
	var or string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		or = r.URL.Query().Get("or")
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := NewStore(c, "transactions", nil, nil).Fetch(context.Background(), `a,b"c`, 10)
	require.NoError(t, err)
	assert.Equal(t, `(from_user_id.eq."a,b\"c",to_user_id.eq."a,b\"c")`, or)
}

func TestStore_UpstreamError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"JWT expired"}`))
	})

	_, err := NewStore(c, "transactions", nil, nil).Fetch(context.Background(), "alice", 10)
	var herr *client.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusUnauthorized, herr.StatusCode)
	assert.Equal(t, "JWT expired", herr.Message)
}

func TestStore_DropsUndecodableRows(t *testing.T) {
	m := metrics.New(false)
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id":"bad","to_user_id":"alice","amount":"lots","transaction_type":"DIRECT"},
			{"id":"ok","to_user_id":"alice","amount":"5","transaction_type":"DIRECT","created_at":"2024-03-01T10:00:00Z"}
		]`))
	})

	txs, err := NewStore(c, "transactions", nil, m).Fetch(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "ok", txs[0].ID)

	n, err := testutil.GatherAndCount(m.Registry(), "wallet_layer_wallet_rejected_records_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_MalformedBody(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"}`))
	})
	_, err := NewStore(c, "transactions", nil, nil).Fetch(context.Background(), "alice", 10)
	assert.ErrorContains(t, err, "decode transactions rows")
}
