// Package ledger folds signed transaction records into wallet balances.
//
// Amounts are stored as non-negative magnitudes; the sign of a transaction
// for a principal is implied by direction. A transaction credits its To
// principal and debits its From principal.
package ledger

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category is the kind of a transaction.
type Category string

const (
	CategoryDirect Category = "DIRECT"
	CategoryFenix  Category = "FENIX"
	CategoryKernel Category = "KERNEL"
	CategoryReward Category = "REWARD"
	// CategoryOther collects categories this build does not recognize.
	CategoryOther Category = "OTHER"
)

// ParseCategory normalizes s. Unrecognized input maps to CategoryOther.
func ParseCategory(s string) Category {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if c.Known() {
		return c
	}
	return CategoryOther
}

// Known reports whether c is one of the closed set of categories.
func (c Category) Known() bool {
	switch c {
	case CategoryDirect, CategoryFenix, CategoryKernel, CategoryReward, CategoryOther:
		return true
	}
	return false
}

// Bucket returns the subtotal bucket credits of this category land in.
// REWARD is an accounting alias of DIRECT.
func (c Category) Bucket() Category {
	n := ParseCategory(string(c))
	if n == CategoryReward {
		return CategoryDirect
	}
	return n
}

// Transaction is an immutable ledger record.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	From      string          `json:"from_user_id,omitempty" db:"from_user_id"`
	To        string          `json:"to_user_id,omitempty" db:"to_user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Category  Category        `json:"transaction_type" db:"transaction_type"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Involves reports whether principal is either party of tx.
func (tx Transaction) Involves(principal string) bool {
	return principal != "" && (tx.From == principal || tx.To == principal)
}

var (
	ErrMissingID      = errors.New("transaction has no id")
	ErrMissingParty   = errors.New("transaction has neither sender nor recipient")
	ErrNegativeAmount = errors.New("transaction amount is negative")
	ErrDuplicateID    = errors.New("transaction id repeated in window")
)

// Validate checks the record against the data model. Unknown categories are
// tolerated; they are bucketed as OTHER.
func (tx Transaction) Validate() error {
	switch {
	case strings.TrimSpace(tx.ID) == "":
		return ErrMissingID
	case tx.From == "" && tx.To == "":
		return ErrMissingParty
	case tx.Amount.IsNegative():
		return ErrNegativeAmount
	}
	return nil
}

// SortRecent orders txs for presentation: newest first, ID ascending on ties.
// Records sharing both fall back to the remaining fields, so the result is
// the same for any permutation of the input.
func SortRecent(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return recentFirst(txs[i], txs[j])
	})
}

func recentFirst(a, b Transaction) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	if c := a.Amount.Cmp(b.Amount); c != 0 {
		return c < 0
	}
	if a.Category != b.Category {
		return a.Category < b.Category
	}
	if a.From != b.From {
		return a.From < b.From
	}
	return a.To < b.To
}

// Window returns at most limit of the most recent transactions, newest first.
// The input slice is not modified. limit <= 0 means no cap.
func Window(txs []Transaction, limit int) []Transaction {
	out := make([]Transaction, len(txs))
	copy(out, txs)
	SortRecent(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
