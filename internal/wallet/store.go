package wallet

import (
	"context"

	"github.com/R3E-Network/wallet_layer/internal/ledger"
)

// Store reads transaction windows.
type Store interface {
	// Fetch returns up to limit of the most recent transactions in which
	// principal is sender or recipient.
	Fetch(ctx context.Context, principal string, limit int) ([]ledger.Transaction, error)
}

// ChangeFeed opens change subscriptions on a table.
type ChangeFeed interface {
	Subscribe(ctx context.Context, table string) (Subscription, error)
}

// Subscription delivers opaque change signals until closed. The feed closes
// Events when it ends the subscription on its own.
type Subscription interface {
	Events() <-chan struct{}
	Close() error
}

// StoreFunc adapts a function to Store.
type StoreFunc func(ctx context.Context, principal string, limit int) ([]ledger.Transaction, error)

func (f StoreFunc) Fetch(ctx context.Context, principal string, limit int) ([]ledger.Transaction, error) {
	return f(ctx, principal, limit)
}
