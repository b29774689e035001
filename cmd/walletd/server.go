package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/wallet_layer/internal/access"
	"github.com/R3E-Network/wallet_layer/internal/config"
	"github.com/R3E-Network/wallet_layer/internal/httputil"
	"github.com/R3E-Network/wallet_layer/internal/ledger"
	"github.com/R3E-Network/wallet_layer/internal/logging"
	"github.com/R3E-Network/wallet_layer/internal/metrics"
	"github.com/R3E-Network/wallet_layer/internal/middleware"
	"github.com/R3E-Network/wallet_layer/internal/trust"
	"github.com/R3E-Network/wallet_layer/internal/wallet"
)

// LedgerWrite guards appends to the in-memory ledger.
var LedgerWrite = access.Requirement{Permission: "ledger.write", MinTrustLevel: trust.Guardian}

type server struct {
	cfg     *config.Config
	ctrl    *wallet.Controller
	mem     *wallet.MemoryStore
	auth    *middleware.AuthMiddleware
	gate    *middleware.Gate
	log     *logging.Logger
	metrics *metrics.Metrics
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.NewTracingMiddleware(s.log).Handler)
	r.Use(middleware.MetricsMiddleware(s.metrics))
	r.Use(middleware.NewCORSMiddleware(s.cfg.HTTP.AllowedOrigins).Handler)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.Handle("/v1/access", s.auth.Optional(http.HandlerFunc(s.handleAccess))).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.auth.Handler)

	v1.HandleFunc("/session", s.handleSessionPut).Methods(http.MethodPut)
	v1.HandleFunc("/session", s.handleSessionDelete).Methods(http.MethodDelete)
	v1.Handle("/wallet", s.gate.Require(s.cfg.Auth.WalletRead)(http.HandlerFunc(s.handleWallet))).Methods(http.MethodGet)

	refresh := http.Handler(http.HandlerFunc(s.handleRefresh))
	if s.cfg.HTTP.RateLimit > 0 {
		refresh = middleware.NewRateLimiter(s.cfg.HTTP.RateLimit, s.cfg.HTTP.RateBurst, s.log).Handler(refresh)
	}
	v1.Handle("/wallet/refresh", refresh).Methods(http.MethodPost)

	if s.mem != nil {
		v1.Handle("/transactions", s.gate.Require(LedgerWrite)(http.HandlerFunc(s.handleAppend))).Methods(http.MethodPost)
	}
	return r
}

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
	Live   bool   `json:"live"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	v := s.ctrl.Snapshot()
	httputil.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok", State: v.State.String(), Live: v.Live})
}

// handleSessionPut is the identity hook: the caller becomes the active
// principal unless another principal holds the session.
func (s *server) handleSessionPut(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetUserID(r.Context())
	if err := s.ctrl.ClaimPrincipal(r.Context(), principal); err != nil {
		s.controllerError(w, r, err)
		return
	}
	s.log.WithContext(r.Context()).Info("wallet session activated")
	httputil.WriteJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

func (s *server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetUserID(r.Context())
	switch active := s.ctrl.Principal(); active {
	case "":
		w.WriteHeader(http.StatusNoContent)
		return
	case caller:
	default:
		httputil.Forbidden(w, "session belongs to another principal")
		return
	}
	if err := s.ctrl.ClearPrincipal(r.Context()); err != nil {
		s.controllerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleWallet(w http.ResponseWriter, r *http.Request) {
	v := s.ctrl.Snapshot()
	if !s.ownsView(w, r, v.Principal) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.ownsView(w, r, s.ctrl.Principal()) {
		return
	}
	if err := s.ctrl.Refresh(r.Context()); err != nil {
		s.controllerError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

// ownsView writes the rejection when the caller is not the active principal.
func (s *server) ownsView(w http.ResponseWriter, r *http.Request, active string) bool {
	caller := middleware.GetUserID(r.Context())
	switch active {
	case caller:
		return true
	case "":
		httputil.WriteError(w, http.StatusConflict, httputil.CodeConflict, "no active wallet session")
	default:
		httputil.Forbidden(w, "wallet belongs to another principal")
	}
	return false
}

type accessResponse struct {
	Decision access.Decision `json:"decision"`
	Prompt   access.Prompt   `json:"prompt"`
	Reason   string          `json:"reason"`
}

// handleAccess evaluates the requirement given as query parameters:
// permission, min_trust_level, resource and action.
func (s *server) handleAccess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := access.Requirement{
		Permission: strings.TrimSpace(q.Get("permission")),
		Resource:   strings.TrimSpace(q.Get("resource")),
	}
	if raw := strings.TrimSpace(q.Get("min_trust_level")); raw != "" {
		// unknown levels are kept and deny
		if lvl, ok := trust.Parse(raw); ok {
			req.MinTrustLevel = lvl
		} else {
			req.MinTrustLevel = trust.Level(raw)
		}
	}
	if raw := q.Get("action"); raw != "" {
		act, ok := access.ParseAction(raw)
		if !ok {
			httputil.BadRequest(w, "unknown action "+raw)
			return
		}
		req.Action = act
	}

	d := s.gate.Check(r, req)
	httputil.WriteJSON(w, http.StatusOK, accessResponse{Decision: d, Prompt: d.Prompt(), Reason: d.Reason()})
}

type appendRequest struct {
	ID       string          `json:"id"`
	From     string          `json:"from_user_id"`
	To       string          `json:"to_user_id"`
	Amount   string          `json:"amount"`
	Category ledger.Category `json:"transaction_type"`
}

func (s *server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	tx := ledger.Transaction{
		ID:        req.ID,
		From:      req.From,
		To:        req.To,
		Category:  req.Category,
		CreatedAt: time.Now().UTC(),
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	tx.Amount = amount
	if err := tx.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.mem.Append(tx)
	httputil.WriteJSON(w, http.StatusCreated, tx)
}

func (s *server) controllerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, wallet.ErrNoPrincipal):
		httputil.WriteError(w, http.StatusConflict, httputil.CodeConflict, "no active wallet session")
	case errors.Is(err, wallet.ErrPrincipalBusy):
		httputil.WriteError(w, http.StatusConflict, httputil.CodeConflict, "wallet session held by another principal")
	case errors.Is(err, wallet.ErrNotRunning):
		httputil.WriteError(w, http.StatusServiceUnavailable, httputil.CodeUnavailable, "wallet controller is not running")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httputil.WriteError(w, http.StatusServiceUnavailable, httputil.CodeUnavailable, "request cancelled")
	default:
		s.log.WithContext(r.Context()).WithError(err).Error("wallet controller call failed")
		httputil.InternalError(w, "")
	}
}
