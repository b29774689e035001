package wallet

import (
	"context"
	"sync"

	"github.com/R3E-Network/wallet_layer/internal/ledger"
)

// MemoryStore is an append-only in-process Store for local runs. Appends are
// announced to subscribers of the MemoryStore's own change feed.
type MemoryStore struct {
	mu   sync.RWMutex
	txs  []ledger.Transaction
	subs map[*memorySub]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[*memorySub]struct{})}
}

// Append records transactions and signals subscribers.
func (m *MemoryStore) Append(txs ...ledger.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, txs...)
	for s := range m.subs {
		select {
		case s.events <- struct{}{}:
		default:
		}
	}
}

func (m *MemoryStore) Fetch(_ context.Context, principal string, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Transaction
	for _, tx := range m.txs {
		if tx.Involves(principal) {
			out = append(out, tx)
		}
	}
	return ledger.Window(out, limit), nil
}

// Subscribe implements ChangeFeed. table is ignored.
func (m *MemoryStore) Subscribe(_ context.Context, _ string) (Subscription, error) {
	s := &memorySub{store: m, events: make(chan struct{}, 1)}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s, nil
}

type memorySub struct {
	store  *MemoryStore
	events chan struct{}
}

func (s *memorySub) Events() <-chan struct{} {
	return s.events
}

func (s *memorySub) Close() error {
	s.store.mu.Lock()
	delete(s.store.subs, s)
	s.store.mu.Unlock()
	return nil
}
