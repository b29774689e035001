package wallet

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/wallet_layer/internal/ledger"
)

// State is the controller lifecycle state.
type State int

const (
	// StateIdle means no principal is active.
	StateIdle State = iota
	// StateLoading means a fetch is outstanding.
	StateLoading
	// StateReady means the view reflects the last successful fetch.
	StateReady
	// StateReadyWithError means the last fetch failed; data is from the last
	// successful fetch, if any.
	StateReadyWithError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateReadyWithError:
		return "ready_with_error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// View is the derived wallet state published by the controller.
type View struct {
	Principal string
	State     State
	Balance   decimal.Decimal
	// Subtotals holds credits per category bucket.
	Subtotals map[ledger.Category]decimal.Decimal
	// Transactions holds the accepted records of the window, newest first.
	Transactions []ledger.Transaction
	Rejected     []ledger.Rejection
	Loading      bool
	// LastError is the error of the most recent fetch attempt.
	LastError error
	// Live reports whether a change subscription is established.
	Live      bool
	UpdatedAt time.Time
}

func idleView() View {
	return View{
		State:   StateIdle,
		Balance: decimal.Zero,
		Subtotals: map[ledger.Category]decimal.Decimal{
			ledger.CategoryDirect: decimal.Zero,
			ledger.CategoryFenix:  decimal.Zero,
			ledger.CategoryKernel: decimal.Zero,
		},
	}
}

// Clone returns a deep copy of v.
func (v View) Clone() View {
	out := v
	if v.Subtotals != nil {
		out.Subtotals = make(map[ledger.Category]decimal.Decimal, len(v.Subtotals))
		for k, val := range v.Subtotals {
			out.Subtotals[k] = val
		}
	}
	if v.Transactions != nil {
		out.Transactions = append([]ledger.Transaction(nil), v.Transactions...)
	}
	if v.Rejected != nil {
		out.Rejected = append([]ledger.Rejection(nil), v.Rejected...)
	}
	return out
}

type rejectionJSON struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// MarshalJSON renders errors as strings.
func (v View) MarshalJSON() ([]byte, error) {
	out := struct {
		Principal    string                             `json:"principal,omitempty"`
		State        State                              `json:"state"`
		Balance      decimal.Decimal                    `json:"balance"`
		Subtotals    map[ledger.Category]decimal.Decimal `json:"subtotals"`
		Transactions []ledger.Transaction               `json:"transactions"`
		Rejected     []rejectionJSON                    `json:"rejected,omitempty"`
		Loading      bool                               `json:"loading"`
		Error        string                             `json:"error,omitempty"`
		Live         bool                               `json:"live"`
		UpdatedAt    *time.Time                         `json:"updated_at,omitempty"`
	}{
		Principal:    v.Principal,
		State:        v.State,
		Balance:      v.Balance,
		Subtotals:    v.Subtotals,
		Transactions: v.Transactions,
		Loading:      v.Loading,
		Live:         v.Live,
	}
	if out.Transactions == nil {
		out.Transactions = []ledger.Transaction{}
	}
	for _, r := range v.Rejected {
		rj := rejectionJSON{ID: r.ID}
		if r.Reason != nil {
			rj.Reason = r.Reason.Error()
		}
		out.Rejected = append(out.Rejected, rj)
	}
	if v.LastError != nil {
		out.Error = v.LastError.Error()
	}
	if !v.UpdatedAt.IsZero() {
		t := v.UpdatedAt
		out.UpdatedAt = &t
	}
	return json.Marshal(out)
}

// FetchError is a failed fetch of a principal's transaction window.
type FetchError struct {
	Principal string
	At        time.Time
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch transactions for %s: %v", e.Principal, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
