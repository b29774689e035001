package supabase

import (
	"context"
	"sync"

	"github.com/R3E-Network/wallet_layer/internal/wallet"
	"github.com/R3E-Network/wallet_layer/supabase/client"
)

// Feed turns Realtime postgres_changes into wallet change signals.
type Feed struct {
	rt     *client.RealtimeClient
	schema string
}

// NewFeed returns a Feed on rt. The connection is opened on first Subscribe.
func NewFeed(rt *client.RealtimeClient, schema string) *Feed {
	return &Feed{rt: rt, schema: schema}
}

// Subscribe implements wallet.ChangeFeed. Any insert, update or delete on
// table is a signal; the payload is not inspected.
func (f *Feed) Subscribe(ctx context.Context, table string) (wallet.Subscription, error) {
	if err := f.rt.Connect(ctx); err != nil {
		return nil, err
	}

	sub := &subscription{events: make(chan struct{}, 1)}
	ch, err := f.rt.SubscribeToPostgresChanges(ctx, client.PostgresChangesConfig{
		Event:  "*",
		Schema: f.schema,
		Table:  table,
	}, sub.signal)
	if err != nil {
		return nil, err
	}
	sub.ch = ch
	go sub.watch()
	return sub, nil
}

type subscription struct {
	ch     *client.Channel
	events chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *subscription) Events() <-chan struct{} {
	return s.events
}

func (s *subscription) signal(*client.RealtimeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

// watch closes events when the channel ends without Close being called.
func (s *subscription) watch() {
	<-s.ch.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *subscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.ch.Unsubscribe(context.Background())
}
