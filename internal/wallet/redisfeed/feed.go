// Package redisfeed carries wallet change signals over Redis pub/sub. Any
// writer of the transactions table publishes on <prefix><table>; the
// payload is ignored.
package redisfeed

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/wallet_layer/internal/logging"
	"github.com/R3E-Network/wallet_layer/internal/wallet"
)

// DefaultPrefix namespaces channel names.
const DefaultPrefix = "wallet:changes:"

// Feed implements wallet.ChangeFeed.
type Feed struct {
	rdb    redis.UniversalClient
	prefix string
	log    *logging.Logger
}

// New returns a Feed on rdb. An empty prefix means DefaultPrefix.
func New(rdb redis.UniversalClient, prefix string, log *logging.Logger) *Feed {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Feed{rdb: rdb, prefix: prefix, log: log}
}

// Channel returns the pub/sub channel for table.
func (f *Feed) Channel(table string) string {
	return f.prefix + table
}

// Publish announces a change to table.
func (f *Feed) Publish(ctx context.Context, table, payload string) error {
	if err := f.rdb.Publish(ctx, f.Channel(table), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", f.Channel(table), err)
	}
	return nil
}

// Subscribe implements wallet.ChangeFeed. It returns once the server has
// confirmed the subscription.
func (f *Feed) Subscribe(ctx context.Context, table string) (wallet.Subscription, error) {
	name := f.Channel(table)
	ps := f.rdb.Subscribe(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	sub := &subscription{
		ps:     ps,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go sub.forward(ps.Channel())
	f.log.WithContext(ctx).WithField("channel", name).Debug("redis change feed subscribed")
	return sub, nil
}

type subscription struct {
	ps     *redis.PubSub
	events chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) forward(msgs <-chan *redis.Message) {
	for {
		select {
		case <-s.done:
			return
		case _, ok := <-msgs:
			if !ok {
				select {
				case <-s.done:
				default:
					close(s.events)
				}
				return
			}
			select {
			case s.events <- struct{}{}:
			default:
			}
		}
	}
}

func (s *subscription) Events() <-chan struct{} {
	return s.events
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
