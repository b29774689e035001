// Package wallet keeps a principal's derived wallet view in sync with the
// transaction store.
//
// A Controller owns one goroutine that runs the lifecycle state machine.
// Fetches and subscription setup run on their own goroutines and report back
// tagged with the session they were started for; a principal change bumps the
// session so late results are dropped. Triggers arriving while a fetch is in
// flight are coalesced into a single follow-up fetch.
package wallet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/wallet_layer/internal/ledger"
	"github.com/R3E-Network/wallet_layer/internal/logging"
	"github.com/R3E-Network/wallet_layer/internal/metrics"
)

var (
	ErrNotRunning     = errors.New("wallet controller is not running")
	ErrAlreadyRunning = errors.New("wallet controller is already running")
	ErrNoPrincipal    = errors.New("no active principal")
	ErrPrincipalBusy  = errors.New("another principal is active")
)

// Trigger sources.
const (
	SourcePrincipal = "principal"
	SourceChange    = "change"
	SourceManual    = "manual"
	SourceSchedule  = "schedule"
)

// Options configures a Controller.
type Options struct {
	// Table is the change feed table, "transactions" when empty.
	Table string
	// Limit caps the transaction window, ledger.DefaultLimit when <= 0.
	Limit int
	// FetchTimeout bounds a single fetch; 0 means no timeout.
	FetchTimeout time.Duration
	// MinRefreshInterval spaces consecutive fetches; 0 disables throttling.
	MinRefreshInterval time.Duration
	// RefreshSchedule is a cron spec for periodic refetches.
	RefreshSchedule string

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type commandKind int

const (
	cmdSetPrincipal commandKind = iota
	cmdClearPrincipal
	cmdRefresh
)

type command struct {
	kind      commandKind
	principal string
	// exclusive refuses to replace a different active principal.
	exclusive bool
	source    string
	reply     chan error
}

type fetchResult struct {
	session   uint64
	principal string
	summary   ledger.Summary
	err       error
	at        time.Time
	duration  time.Duration
}

type subResult struct {
	session uint64
	sub     Subscription
	err     error
}

// loopState is touched only by the owner goroutine.
type loopState struct {
	principal   string
	session     uint64
	sub         Subscription
	events      <-chan struct{}
	cancelSub   context.CancelFunc
	inflight    bool
	cancelFetch context.CancelFunc
	pending     bool
}

// Controller maintains the View of the active principal.
type Controller struct {
	store   Store
	feed    ChangeFeed
	agg     ledger.Aggregator
	opts    Options
	log     *logging.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	cmds    chan command
	results chan fetchResult
	subs    chan subResult
	loop    loopState

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	cron   *cron.Cron

	mu       sync.RWMutex
	view     View
	watchers map[chan View]struct{}
}

// NewController creates a controller. feed may be nil, in which case the view
// is refreshed only by principal changes and explicit requests.
func NewController(store Store, feed ChangeFeed, opts Options) (*Controller, error) {
	if store == nil {
		return nil, errors.New("wallet: store is required")
	}
	if opts.Table == "" {
		opts.Table = "transactions"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Controller{
		store:    store,
		feed:     feed,
		agg:      ledger.NewAggregator(opts.Limit),
		opts:     opts,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		cmds:     make(chan command),
		results:  make(chan fetchResult),
		subs:     make(chan subResult),
		view:     idleView(),
		watchers: make(map[chan View]struct{}),
	}
	if opts.MinRefreshInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(opts.MinRefreshInterval), 1)
	}
	if opts.RefreshSchedule != "" {
		c.cron = cron.New()
		if _, err := c.cron.AddFunc(opts.RefreshSchedule, c.scheduledRefresh); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Start launches the owner goroutine. It runs until ctx is done or Stop is
// called.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.done != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		c.run(loopCtx)
	}()
	if c.cron != nil {
		c.cron.Start()
	}
	c.log.WithContext(ctx).Info("wallet controller started")
	return nil
}

// Stop cancels any in-flight fetch, releases the subscription and waits for
// the owner goroutine to exit. The last view stays readable.
func (c *Controller) Stop() {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel == nil {
		return
	}
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	cancel()
	<-done
}

// SetPrincipal activates principal. Switching principals discards the
// previous principal's view and subscription.
func (c *Controller) SetPrincipal(ctx context.Context, principal string) error {
	if principal == "" {
		return c.ClearPrincipal(ctx)
	}
	return c.send(ctx, command{kind: cmdSetPrincipal, principal: principal, source: SourcePrincipal})
}

// ClaimPrincipal activates principal only if the controller is idle or
// principal is already active; otherwise it returns ErrPrincipalBusy and
// leaves the current session untouched.
func (c *Controller) ClaimPrincipal(ctx context.Context, principal string) error {
	if principal == "" {
		return errors.New("wallet: principal is required")
	}
	return c.send(ctx, command{kind: cmdSetPrincipal, principal: principal, source: SourcePrincipal, exclusive: true})
}

// ClearPrincipal returns the controller to the idle view.
func (c *Controller) ClearPrincipal(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdClearPrincipal})
}

// Refresh requests a refetch for the active principal.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdRefresh, source: SourceManual})
}

func (c *Controller) scheduledRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.send(ctx, command{kind: cmdRefresh, source: SourceSchedule})
	if err != nil && !errors.Is(err, ErrNoPrincipal) {
		c.log.WithError(err).Debug("scheduled wallet refresh skipped")
	}
}

// Snapshot returns a deep copy of the current view.
func (c *Controller) Snapshot() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.Clone()
}

// Principal returns the active principal, empty when idle.
func (c *Controller) Principal() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.Principal
}

// Watch streams views until ctx is done. The channel holds only the latest
// view; a slow reader skips intermediate states. The current view is sent
// first.
func (c *Controller) Watch(ctx context.Context) <-chan View {
	ch := make(chan View, 1)

	c.mu.Lock()
	ch <- c.view.Clone()
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.watchers, ch)
		close(ch)
		c.mu.Unlock()
	}()
	return ch
}

func (c *Controller) send(ctx context.Context, cmd command) error {
	c.runMu.Lock()
	done := c.done
	c.runMu.Unlock()
	if done == nil {
		return ErrNotRunning
	}

	cmd.reply = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run(ctx context.Context) {
	st := &c.loop
	for {
		select {
		case <-ctx.Done():
			c.shutdown(st)
			return

		case cmd := <-c.cmds:
			cmd.reply <- c.handle(ctx, st, cmd)

		case _, ok := <-st.events:
			if !ok {
				c.log.WithField("principal", st.principal).Warn("change subscription ended")
				c.dropSubscription(st)
				c.metrics.RecordSubscriptionFailure()
				c.update(func(v *View) { v.Live = false })
				continue
			}
			c.metrics.RecordNotification()
			c.trigger(ctx, st, SourceChange)

		case res := <-c.subs:
			c.subscribed(st, res)

		case res := <-c.results:
			c.complete(ctx, st, res)
		}
	}
}

func (c *Controller) handle(ctx context.Context, st *loopState, cmd command) error {
	switch cmd.kind {
	case cmdSetPrincipal:
		if cmd.principal == st.principal {
			c.trigger(ctx, st, cmd.source)
			return nil
		}
		if cmd.exclusive && st.principal != "" {
			return ErrPrincipalBusy
		}
		c.endSession(st)
		st.principal = cmd.principal
		v := idleView()
		v.Principal = cmd.principal
		v.State = StateLoading
		c.replace(v)
		c.log.WithFields(logrus.Fields{
			"principal": st.principal,
			"session":   st.session,
		}).Debug("wallet principal activated")
		c.subscribe(ctx, st)
		c.trigger(ctx, st, cmd.source)
		return nil

	case cmdClearPrincipal:
		if st.principal == "" {
			return nil
		}
		c.endSession(st)
		st.principal = ""
		c.replace(idleView())
		c.log.WithField("session", st.session).Debug("wallet principal cleared")
		return nil

	case cmdRefresh:
		if st.principal == "" {
			return ErrNoPrincipal
		}
		c.trigger(ctx, st, cmd.source)
		return nil
	}
	return nil
}

// endSession releases everything tied to the current principal and bumps the
// session so results still in transit are recognized as stale.
func (c *Controller) endSession(st *loopState) {
	if st.cancelFetch != nil {
		st.cancelFetch()
	}
	st.cancelFetch = nil
	st.inflight = false
	st.pending = false
	st.session++
	c.dropSubscription(st)
}

func (c *Controller) dropSubscription(st *loopState) {
	if st.cancelSub != nil {
		st.cancelSub()
		st.cancelSub = nil
	}
	if st.sub != nil {
		if err := st.sub.Close(); err != nil {
			c.log.WithError(err).WithField("principal", st.principal).Warn("failed to release change subscription")
		}
	}
	st.sub = nil
	st.events = nil
	c.metrics.SetLive(false)
}

func (c *Controller) shutdown(st *loopState) {
	c.endSession(st)
	st.principal = ""
	c.update(func(v *View) {
		v.Live = false
		v.Loading = false
		if v.State == StateLoading {
			v.State = StateReady
			if v.LastError != nil {
				v.State = StateReadyWithError
			}
		}
	})
	c.log.Info("wallet controller stopped")
}

func (c *Controller) subscribe(ctx context.Context, st *loopState) {
	if c.feed == nil {
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	st.cancelSub = cancel
	session, table := st.session, c.opts.Table

	go func() {
		sub, err := c.feed.Subscribe(subCtx, table)
		select {
		case c.subs <- subResult{session: session, sub: sub, err: err}:
		case <-subCtx.Done():
			if sub != nil {
				_ = sub.Close()
			}
		}
	}()
}

func (c *Controller) subscribed(st *loopState, res subResult) {
	if res.session != st.session {
		if res.sub != nil {
			_ = res.sub.Close()
		}
		return
	}
	if res.err != nil {
		c.log.WithError(res.err).WithField("principal", st.principal).Warn("change subscription failed")
		c.metrics.RecordSubscriptionFailure()
		if st.cancelSub != nil {
			st.cancelSub()
			st.cancelSub = nil
		}
		return
	}
	st.sub = res.sub
	st.events = res.sub.Events()
	c.metrics.SetLive(true)
	c.update(func(v *View) { v.Live = true })
}

// trigger starts a fetch, or marks one pending when a fetch is in flight.
func (c *Controller) trigger(ctx context.Context, st *loopState, source string) {
	if st.principal == "" {
		return
	}
	if st.inflight {
		c.metrics.RecordTrigger(source, st.pending)
		st.pending = true
		return
	}
	c.metrics.RecordTrigger(source, false)
	c.startFetch(ctx, st)
}

func (c *Controller) startFetch(ctx context.Context, st *loopState) {
	fetchCtx, cancel := context.WithCancel(ctx)
	st.inflight = true
	st.pending = false
	st.cancelFetch = cancel

	c.update(func(v *View) {
		v.Loading = true
		v.State = StateLoading
	})
	go c.fetch(fetchCtx, st.session, st.principal)
}

func (c *Controller) fetch(ctx context.Context, session uint64, principal string) {
	res := fetchResult{session: session, principal: principal}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			res.err = err
			res.at = c.opts.Now()
			c.deliver(ctx, res)
			return
		}
	}

	fetchCtx := ctx
	if c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}

	start := time.Now()
	txs, err := c.store.Fetch(fetchCtx, principal, c.agg.Limit())
	res.duration = time.Since(start)
	res.at = c.opts.Now()
	if err != nil {
		res.err = err
	} else {
		res.summary = c.agg.Aggregate(principal, txs)
	}
	c.deliver(ctx, res)
}

func (c *Controller) deliver(ctx context.Context, res fetchResult) {
	select {
	case c.results <- res:
	case <-ctx.Done():
	}
}

func (c *Controller) complete(ctx context.Context, st *loopState, res fetchResult) {
	if res.session != st.session {
		c.metrics.RecordStaleResult()
		c.log.WithFields(logrus.Fields{
			"principal": res.principal,
			"session":   res.session,
		}).Debug("dropped stale wallet fetch")
		return
	}

	if st.cancelFetch != nil {
		st.cancelFetch()
	}
	st.cancelFetch = nil
	st.inflight = false
	c.metrics.RecordFetch(res.err, res.duration)

	if res.err != nil {
		ferr := &FetchError{Principal: res.principal, At: res.at, Err: res.err}
		c.log.WithError(res.err).WithField("principal", res.principal).Warn("wallet fetch failed")
		c.update(func(v *View) {
			v.Loading = false
			v.LastError = ferr
			v.State = StateReadyWithError
		})
	} else {
		for _, r := range res.summary.Rejected {
			c.metrics.RecordRejected(r.Reason.Error())
		}
		if n := len(res.summary.Rejected); n > 0 {
			c.log.WithFields(logrus.Fields{
				"principal": res.principal,
				"rejected":  n,
			}).Warn("skipped malformed transactions")
		}
		c.update(func(v *View) {
			v.Balance = res.summary.Balance
			v.Subtotals = res.summary.Subtotals
			v.Transactions = res.summary.Accepted
			v.Rejected = res.summary.Rejected
			v.Loading = false
			v.LastError = nil
			v.State = StateReady
			v.UpdatedAt = res.at
		})
	}

	if st.pending {
		c.startFetch(ctx, st)
	}
}

func (c *Controller) update(fn func(*View)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.view)
	c.publishLocked()
}

func (c *Controller) replace(v View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view = v
	c.publishLocked()
}

func (c *Controller) publishLocked() {
	for ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- c.view.Clone()
	}
}
