// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/wallet_layer/internal/ledger"
	"github.com/R3E-Network/wallet_layer/internal/wallet"
)

// LedgerStore is an in-memory wallet.Store. Fetches for a principal can be
// held open with Hold to simulate slow upstreams.
type LedgerStore struct {
	txs *MemoryStore[string, ledger.Transaction]

	mu    sync.Mutex
	err   error
	gates map[string]chan struct{}
	calls map[string]int
	done  map[string]int
	// IgnoreCancel makes held fetches wait for release even after their
	// context is canceled, so late results reach the caller.
	IgnoreCancel bool
}

// NewLedgerStore creates a store seeded with txs.
func NewLedgerStore(txs ...ledger.Transaction) *LedgerStore {
	s := &LedgerStore{
		txs:   NewMemoryStore[string, ledger.Transaction](),
		gates: make(map[string]chan struct{}),
		calls: make(map[string]int),
		done:  make(map[string]int),
	}
	s.Add(txs...)
	return s
}

// Add stores transactions, replacing any with the same ID.
func (s *LedgerStore) Add(txs ...ledger.Transaction) {
	for _, tx := range txs {
		s.txs.Set(tx.ID, tx)
	}
}

// SetError makes subsequent fetches fail with err; nil restores success.
func (s *LedgerStore) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Hold blocks fetches for principal until the returned release is called.
func (s *LedgerStore) Hold(principal string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[principal] = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gates[principal] == gate {
				delete(s.gates, principal)
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many fetches were started for principal.
func (s *LedgerStore) Calls(principal string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[principal]
}

// Completed returns how many fetches for principal returned.
func (s *LedgerStore) Completed(principal string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[principal]
}

// Fetch implements wallet.Store.
func (s *LedgerStore) Fetch(ctx context.Context, principal string, limit int) ([]ledger.Transaction, error) {
	s.mu.Lock()
	s.calls[principal]++
	gate := s.gates[principal]
	ignoreCancel := s.IgnoreCancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.done[principal]++
		s.mu.Unlock()
	}()

	if gate != nil {
		if ignoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []ledger.Transaction
	for _, tx := range s.txs.All() {
		if tx.Involves(principal) {
			out = append(out, tx)
		}
	}
	return ledger.Window(out, limit), nil
}

// ChangeFeed is a wallet.ChangeFeed driven by Emit.
type ChangeFeed struct {
	emitMu sync.Mutex
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	err    error
	opened int
	closed int
}

// NewChangeFeed creates a feed with no subscribers.
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{subs: make(map[*subscription]struct{})}
}

// SetError makes subsequent Subscribe calls fail with err.
func (f *ChangeFeed) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Subscribe implements wallet.ChangeFeed.
func (f *ChangeFeed) Subscribe(ctx context.Context, table string) (wallet.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := &subscription{feed: f, table: table, events: make(chan struct{}), closed: make(chan struct{})}
	f.subs[sub] = struct{}{}
	f.opened++
	return sub, nil
}

// Active returns the number of open subscriptions.
func (f *ChangeFeed) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Opened returns the number of subscriptions ever established.
func (f *ChangeFeed) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Closed returns the number of subscriptions released.
func (f *ChangeFeed) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ErrNoSubscribers is returned by Emit when nobody is listening.
var ErrNoSubscribers = errors.New("no active subscriptions")

// Emit delivers one change signal to every open subscription and returns
// once each has been received.
func (f *ChangeFeed) Emit(ctx context.Context) error {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()

	f.mu.Lock()
	subs := make([]*subscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	if len(subs) == 0 {
		return ErrNoSubscribers
	}
	for _, s := range subs {
		select {
		case s.events <- struct{}{}:
		case <-s.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Drop ends every open subscription from the feed side.
func (f *ChangeFeed) Drop() {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()

	f.mu.Lock()
	subs := make([]*subscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
		close(s.events)
	}
}

type subscription struct {
	feed   *ChangeFeed
	table  string
	events chan struct{}
	closed chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan struct{} {
	return s.events
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.closed++
		s.feed.mu.Unlock()
		close(s.closed)
	})
	return nil
}

// Credit builds a transaction crediting to.
func Credit(to, amount string, category ledger.Category) ledger.Transaction {
	return Transfer("", to, amount, category)
}

// Transfer builds a transaction between two principals.
func Transfer(from, to, amount string, category ledger.Category) ledger.Transaction {
	return ledger.Transaction{
		ID:        GenerateID(),
		From:      from,
		To:        to,
		Amount:    decimal.RequireFromString(amount),
		Category:  category,
		CreatedAt: Now(),
	}
}

// MemoryStore is a generic keyed in-memory store.
type MemoryStore[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore[K comparable, V any]() *MemoryStore[K, V] {
	return &MemoryStore[K, V]{items: make(map[K]V)}
}

// Set stores an item.
func (s *MemoryStore[K, V]) Set(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

// All returns all items.
func (s *MemoryStore[K, V]) All() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[K]V, len(s.items))
	for k, v := range s.items {
		result[k] = v
	}
	return result
}

// GenerateID generates a new UUID string.
func GenerateID() string {
	return uuid.NewString()
}

// Now returns the current UTC time.
func Now() time.Time {
	return time.Now().UTC()
}
