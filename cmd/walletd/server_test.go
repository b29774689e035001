package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/wallet_layer/internal/config"
	"github.com/R3E-Network/wallet_layer/internal/httputil"
	"github.com/R3E-Network/wallet_layer/internal/ledger"
	"github.com/R3E-Network/wallet_layer/internal/logging"
	"github.com/R3E-Network/wallet_layer/internal/metrics"
	"github.com/R3E-Network/wallet_layer/internal/middleware"
	"github.com/R3E-Network/wallet_layer/internal/wallet"
)

type harness struct {
	t       *testing.T
	handler http.Handler
	key     *rsa.PrivateKey
	mem     *wallet.MemoryStore
	ctrl    *wallet.Controller
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Wallet.Store, cfg.Wallet.Feed = config.BackendMemory, config.BackendMemory
	cfg.HTTP.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	log := logging.Discard()
	m := metrics.New(false)
	b, err := openBackends(context.Background(), cfg, log, m)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	ctrl, err := wallet.NewController(b.store, b.feed, wallet.Options{Limit: cfg.Wallet.Limit, Logger: log, Metrics: m})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(ctrl.Stop)

	srv := &server{
		cfg:     cfg,
		ctrl:    ctrl,
		mem:     b.mem,
		auth:    middleware.NewAuthMiddleware(&key.PublicKey, log, cfg.Auth.SkipPaths),
		gate:    middleware.NewGate(log, m),
		log:     log,
		metrics: m,
	}
	return &harness{t: t, handler: srv.routes(), key: key, mem: b.mem, ctrl: ctrl}
}

func (h *harness) token(user, level string, perms ...string) string {
	h.t.Helper()
	claims := &middleware.Claims{
		UserID:      user,
		TrustLevel:  level,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(h.key)
	require.NoError(h.t, err)
	return s
}

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

type walletBody struct {
	Principal    string                     `json:"principal"`
	State        string                     `json:"state"`
	Balance      decimal.Decimal            `json:"balance"`
	Subtotals    map[string]decimal.Decimal `json:"subtotals"`
	Transactions []ledger.Transaction       `json:"transactions"`
	Loading      bool                       `json:"loading"`
	Live         bool                       `json:"live"`
}

func decodeWallet(t *testing.T, rec *httptest.ResponseRecorder) walletBody {
	t.Helper()
	var body walletBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","state":"idle","live":false}`, rec.Body.String())
}

func TestSessionRequiresToken(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPut, "/v1/session", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/v1/wallet", "", nil).Code)
}

func TestWalletFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.mem.Append(
		ledger.Transaction{ID: "t1", To: "alice", Amount: decimal.NewFromInt(150), Category: ledger.CategoryDirect, CreatedAt: time.Now().Add(-time.Hour)},
		ledger.Transaction{ID: "t2", From: "alice", To: "bob", Amount: decimal.NewFromInt(30), Category: ledger.CategoryFenix, CreatedAt: time.Now()},
	)
	alice := h.token("alice", "citizen")

	rec := h.do(http.MethodGet, "/v1/wallet", alice, nil)
	require.Equal(t, http.StatusConflict, rec.Code, "no session yet")

	rec = h.do(http.MethodPut, "/v1/session", alice, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "alice", decodeWallet(t, rec).Principal)

	var body walletBody
	require.Eventually(t, func() bool {
		rec := h.do(http.MethodGet, "/v1/wallet", alice, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		body = decodeWallet(t, rec)
		return body.State == "ready" && body.Live
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "120", body.Balance.String())
	assert.Equal(t, "150", body.Subtotals["DIRECT"].String())
	require.Len(t, body.Transactions, 2)
	assert.Equal(t, "t2", body.Transactions[0].ID)

	bob := h.token("bob", "archon")
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/v1/wallet", bob, nil).Code)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/v1/wallet/refresh", bob, nil).Code)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodDelete, "/v1/session", bob, nil).Code)

	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/v1/wallet/refresh", alice, nil).Code)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/v1/session", alice, nil).Code)
	assert.Equal(t, "", h.ctrl.Principal())
	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/v1/session", alice, nil).Code)
}

func TestSessionNotTakenOverByAnotherUser(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.token("alice", "citizen")
	bob := h.token("bob", "archon")

	require.Equal(t, http.StatusAccepted, h.do(http.MethodPut, "/v1/session", alice, nil).Code)

	rec := h.do(http.MethodPut, "/v1/session", bob, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var errBody httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, httputil.CodeConflict, errBody.Code)
	assert.Equal(t, "alice", h.ctrl.Principal())
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/wallet", alice, nil).Code)

	// the owner can re-put, and bob can take over once alice leaves
	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPut, "/v1/session", alice, nil).Code)
	require.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/v1/session", alice, nil).Code)
	require.Equal(t, http.StatusAccepted, h.do(http.MethodPut, "/v1/session", bob, nil).Code)
	assert.Equal(t, "bob", h.ctrl.Principal())
}

func TestAppendUpdatesLiveWallet(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.token("alice", "observer")
	require.Equal(t, http.StatusAccepted, h.do(http.MethodPut, "/v1/session", alice, nil).Code)
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().Live }, 2*time.Second, 10*time.Millisecond)

	writer := h.token("issuer", "guardian", "ledger.write")
	rec := h.do(http.MethodPost, "/v1/transactions", writer, map[string]any{
		"to_user_id":       "alice",
		"amount":           "42.5",
		"transaction_type": "REWARD",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		v := h.ctrl.Snapshot()
		return v.Balance.Equal(decimal.RequireFromString("42.5")) &&
			v.Subtotals[ledger.CategoryDirect].Equal(decimal.RequireFromString("42.5"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAppendRequiresLedgerWrite(t *testing.T) {
	h := newHarness(t, nil)
	body := map[string]any{"to_user_id": "alice", "amount": "1", "transaction_type": "DIRECT"}

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/v1/transactions", h.token("bob", "citizen", "ledger.write"), body).Code)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/v1/transactions", h.token("bob", "archon"), body).Code)

	writer := h.token("issuer", "guardian", "ledger.write")
	bad := map[string]any{"to_user_id": "alice", "amount": "-1", "transaction_type": "DIRECT"}
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/transactions", writer, bad).Code)
}

func TestWalletReadRequirement(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Auth.WalletRead.MinTrustLevel = "guardian" })
	alice := h.token("alice", "citizen")
	require.Equal(t, http.StatusAccepted, h.do(http.MethodPut, "/v1/session", alice, nil).Code)

	rec := h.do(http.MethodGet, "/v1/wallet", alice, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	var body struct {
		Prompt string `json:"prompt"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "trust_level", body.Prompt)
}

func TestAccessEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	type result struct {
		Decision struct {
			Allowed       bool     `json:"allowed"`
			Failed        []string `json:"failed"`
			RequiredLevel string   `json:"required_level"`
			CurrentLevel  string   `json:"current_level"`
		} `json:"decision"`
		Prompt string `json:"prompt"`
		Reason string `json:"reason"`
	}
	get := func(query, token string) (int, result) {
		rec := h.do(http.MethodGet, "/v1/access"+query, token, nil)
		var r result
		if rec.Code == http.StatusOK {
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
		}
		return rec.Code, r
	}

	code, r := get("?min_trust_level=citizen", "")
	require.Equal(t, http.StatusOK, code)
	assert.False(t, r.Decision.Allowed)
	assert.Equal(t, "sign_in", r.Prompt)

	code, r = get("?min_trust_level=Citizen", h.token("alice", "guardian"))
	require.Equal(t, http.StatusOK, code)
	assert.True(t, r.Decision.Allowed)
	assert.Equal(t, "none", r.Prompt)

	code, r = get("?min_trust_level=sovereign&permission=vote", h.token("alice", "guardian"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"permission", "trust_level"}, r.Decision.Failed)
	assert.Equal(t, "sovereign", r.Decision.RequiredLevel)
	assert.Equal(t, "guardian", r.Decision.CurrentLevel)
	assert.Equal(t, "trust_level", r.Prompt)

	code, r = get("?min_trust_level=emperor", h.token("alice", "archon"))
	require.Equal(t, http.StatusOK, code)
	assert.False(t, r.Decision.Allowed)

	code, _ = get("?resource=p1&action=launch", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, r = get("", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, r.Decision.Allowed)
}

func TestRefreshRateLimited(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.HTTP.RateLimit, c.HTTP.RateBurst = 0.01, 1 })
	alice := h.token("alice", "citizen")
	require.Equal(t, http.StatusAccepted, h.do(http.MethodPut, "/v1/session", alice, nil).Code)

	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/v1/wallet/refresh", alice, nil).Code)
	rec := h.do(http.MethodPost, "/v1/wallet/refresh", alice, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.do(http.MethodGet, "/healthz", "", nil)
	rec := h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wallet_layer_http_requests_total")
}
