// Package postgres reads transaction windows straight from PostgreSQL and
// turns LISTEN/NOTIFY traffic into wallet change signals.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/wallet_layer/internal/ledger"
	"github.com/R3E-Network/wallet_layer/internal/logging"
	"github.com/R3E-Network/wallet_layer/internal/metrics"
	"github.com/R3E-Network/wallet_layer/internal/wallet"
)

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Config configures a Store.
type Config struct {
	Table string
	// NotifyChannel is the LISTEN channel; empty disables Subscribe.
	NotifyChannel string
	Logger        *logging.Logger
	Metrics       *metrics.Metrics
}

// Store implements wallet.Store and wallet.ChangeFeed.
type Store struct {
	db      *sqlx.DB
	dsn     string
	query   string
	channel string
	log     *logging.Logger
	metrics *metrics.Metrics

	listen listenerFactory
}

// Open connects to dsn and returns a Store.
func Open(ctx context.Context, dsn string, cfg Config) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := New(db, dsn, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. dsn is used only for the notification
// listener.
func New(db *sqlx.DB, dsn string, cfg Config) (*Store, error) {
	if !identRE.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Store{
		db: db,
		query: fmt.Sprintf(`SELECT id, from_user_id, to_user_id, amount, transaction_type, created_at
FROM %s
WHERE from_user_id = $1 OR to_user_id = $1
ORDER BY created_at DESC, id ASC
LIMIT $2`, cfg.Table),
		dsn:     dsn,
		channel: cfg.NotifyChannel,
		log:     log,
		metrics: cfg.Metrics,
		listen:  pqListener,
	}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type txRow struct {
	ID       string              `db:"id"`
	From     sql.NullString      `db:"from_user_id"`
	To       sql.NullString      `db:"to_user_id"`
	Amount   decimal.NullDecimal `db:"amount"`
	Category sql.NullString      `db:"transaction_type"`
	Created  sql.NullTime        `db:"created_at"`
}

// Fetch implements wallet.Store. A NULL amount cannot be accounted for, so
// such rows are dropped and counted.
func (s *Store) Fetch(ctx context.Context, principal string, limit int) ([]ledger.Transaction, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}

	var rows []txRow
	if err := s.db.SelectContext(ctx, &rows, s.query, principal, lim); err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}

	txs := make([]ledger.Transaction, 0, len(rows))
	for _, r := range rows {
		if !r.Amount.Valid {
			s.log.WithContext(ctx).WithField("id", r.ID).Warn("dropping transaction row without amount")
			s.metrics.RecordRejected("undecodable")
			continue
		}
		tx := ledger.Transaction{
			ID:       r.ID,
			From:     r.From.String,
			To:       r.To.String,
			Amount:   r.Amount.Decimal,
			Category: ledger.Category(r.Category.String),
		}
		if r.Created.Valid {
			tx.CreatedAt = r.Created.Time.UTC()
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// listener is the part of *pq.Listener the feed uses.
type listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

type listenerFactory func(dsn string, cb pq.EventCallbackType) listener

func pqListener(dsn string, cb pq.EventCallbackType) listener {
	return pq.NewListener(dsn, 100*time.Millisecond, time.Minute, cb)
}

// Subscribe implements wallet.ChangeFeed on the configured NOTIFY channel.
// table is informational; triggers decide what is published. The listener
// reconnects on its own and a reconnect counts as a change, since
// notifications sent while disconnected are lost.
func (s *Store) Subscribe(ctx context.Context, table string) (wallet.Subscription, error) {
	if s.channel == "" {
		return nil, fmt.Errorf("postgres notify channel not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := s.log.WithContext(ctx).WithField("channel", s.channel).WithField("table", table)
	l := s.listen(s.dsn, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			log.WithError(err).Warn("postgres listener disconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			log.WithError(err).Debug("postgres listener reconnect failed")
		case pq.ListenerEventReconnected:
			log.Info("postgres listener reconnected")
		}
	})
	if err := l.Listen(s.channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("listen %s: %w", s.channel, err)
	}

	sub := &subscription{
		l:      l,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

type subscription struct {
	l      listener
	events chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) forward() {
	notes := s.l.NotificationChannel()
	for {
		select {
		case <-s.done:
			return
		case _, ok := <-notes:
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
		err = s.l.Close()
	})
	return err
}
