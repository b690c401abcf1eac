// Package core binds a transport/transaction/dialog stack into the single
// high-level entry point applications drive: one or more transports, one
// client side and one server side, a dialog-correlation table, and the
// event hooks RFC 3261 consumers actually want (invite confirmed/failed,
// uncorrelated responses, dialog lifecycle) instead of raw transactions.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"

	sipcore "github.com/sipforge/sipcore"
	"github.com/sipforge/sipcore/sip"
	"github.com/sipforge/sipcore/transaction"
)

// earlyDialog is a dialog keyed only by Call-ID, before a remote tag is
// known (RFC 3261 section 12: the period between a provisional response
// and the eventual 2xx/failure).
type earlyDialog struct {
	callID  string
	request *sip.Request
	tx      sip.ClientTransaction
	created time.Time
}

// Metrics exposes Core's prometheus collectors. ActiveTransactions is set by
// the background tick and by Invite. Retransmits is registered but nothing
// in Core increments it.
type Metrics struct {
	ActiveTransactions prometheus.Gauge
	Retransmits        prometheus.Counter
	Timeouts           prometheus.Counter
	DialogsConfirmed   prometheus.Counter
	DialogsClosed      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sipcore_core_active_transactions",
			Help: "Number of transactions currently tracked by the core.",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sipcore_core_retransmits_total",
			Help: "Number of request/response retransmits observed.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sipcore_core_timeouts_total",
			Help: "Number of transactions that ended in Stack_Timeout.",
		}),
		DialogsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sipcore_core_dialogs_confirmed_total",
			Help: "Number of dialogs that reached the confirmed state.",
		}),
		DialogsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sipcore_core_dialogs_closed_total",
			Help: "Number of dialogs that ended.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ActiveTransactions, m.Retransmits, m.Timeouts, m.DialogsConfirmed, m.DialogsClosed)
	}
	return m
}

// Hooks are the application-facing events Core dispatches. Any left nil is
// simply not called.
type Hooks struct {
	OnRequestReceived      func(req *sip.Request, tx sip.ServerTransaction)
	OnInviteReceived       func(req *sip.Request, tx sip.ServerTransaction)
	OnResponseReceived     func(res *sip.Response)
	OnInviteConfirmed      func(dialogID string, res *sip.Response)
	OnInviteFailed         func(dialogID string, res *sip.Response, err error)
	OnUncorrelatedResponse func(res *sip.Response)
	OnConfirmingAck        func(req *sip.Request)
	OnDialogCreated        func(dialogID string)
	OnDialogConfirmed      func(dialogID string)
	OnDialogClosed         func(dialogID string)
	OnRegistrationChanged  func(req *sip.Request)
}

// Core wires transports, client and server agents, and the two dialog
// tables spec.md section 4.7 describes: an early-dialog table keyed by
// Call-ID and a confirmed-dialog table keyed by (Call-ID, local-tag,
// remote-tag).
type Core struct {
	ua     *sipcore.UserAgent
	client *sipcore.Client
	server *sipcore.Server

	hooks Hooks
	log   zerolog.Logger

	early     sync.Map // callID -> *earlyDialog
	confirmed sync.Map // dialogID -> struct{}

	metrics *Metrics

	tickInterval time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

// Option configures a Core at construction time.
type Option func(*Core)

// WithHooks registers the event callbacks dispatched by request/response
// handling and the background tick.
func WithHooks(h Hooks) Option {
	return func(c *Core) { c.hooks = h }
}

// WithLogger overrides the zero-value (disabled) logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Core) { c.log = l }
}

// WithMetricsRegisterer registers Core's prometheus collectors against reg
// instead of leaving them unregistered (still usable, just not scraped).
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Core) { c.metrics = newMetrics(reg) }
}

// WithTickInterval overrides the default 5s background tick period.
func WithTickInterval(d time.Duration) Option {
	return func(c *Core) { c.tickInterval = d }
}

// New binds a Core around an already-constructed UserAgent, Client and
// Server. The caller owns starting transports (UserAgent.ListenAndServe);
// Core only adds the dialog/event layer on top.
func New(ua *sipcore.UserAgent, client *sipcore.Client, server *sipcore.Server, opts ...Option) *Core {
	c := &Core{
		ua:           ua,
		client:       client,
		server:       server,
		metrics:      newMetrics(nil),
		tickInterval: 5 * time.Second,
		stop:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	if server != nil {
		server.OnInvite(c.onInviteReceived)
		server.OnAck(c.onConfirmingAck)
		server.OnRegister(c.onRegister)
	}

	go c.backgroundTick()

	return c
}

// Close stops the background tick. It does not close the underlying
// UserAgent/Client/Server; the caller owns their lifecycle.
func (c *Core) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// backgroundTick forwards to the periodic reaping spec.md section 4.7
// describes: iterate transactions/dialogs under lock, evict stale early
// dialogs, refresh gauges. Per-transaction timers are driven by the
// transaction package itself; this loop only owns dialog-table hygiene and
// metrics, which sit above any single transaction.
func (c *Core) backgroundTick() {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reapEarlyDialogs()
			c.metrics.ActiveTransactions.Set(float64(c.countTransactions()))
		case <-c.stop:
			return
		}
	}
}

func (c *Core) reapEarlyDialogs() {
	cutoff := time.Now().Add(-64 * 500 * time.Millisecond) // 64*T1, matching the INVITE terminal timeout
	c.early.Range(func(key, value any) bool {
		ed := value.(*earlyDialog)
		if ed.created.Before(cutoff) {
			c.early.Delete(key)
		}
		return true
	})
}

// onInviteReceived is the server-side entry point for a fresh INVITE: it
// records an early dialog keyed by Call-ID and forwards to the
// application's OnInviteReceived hook.
func (c *Core) onInviteReceived(req *sip.Request, tx sip.ServerTransaction) {
	callID, _ := req.CallID()
	c.early.Store(callID, &earlyDialog{callID: callID, request: req, created: time.Now()})

	if c.hooks.OnInviteReceived != nil {
		c.hooks.OnInviteReceived(req, tx)
	} else if c.hooks.OnRequestReceived != nil {
		c.hooks.OnRequestReceived(req, tx)
	}
}

// onConfirmingAck handles an ACK that completes a 2xx three-way handshake;
// RFC 3261 routes this straight to the dialog layer, bypassing any
// transaction (a 2xx ACK is not part of the INVITE transaction).
func (c *Core) onConfirmingAck(req *sip.Request, tx sip.ServerTransaction) {
	if c.hooks.OnConfirmingAck != nil {
		c.hooks.OnConfirmingAck(req)
	}

	id, err := sip.DialogIDFromRequestUAS(req)
	if err != nil {
		return
	}
	if _, loaded := c.confirmed.LoadOrStore(id, struct{}{}); !loaded {
		c.metrics.DialogsConfirmed.Inc()
		if c.hooks.OnDialogConfirmed != nil {
			c.hooks.OnDialogConfirmed(id)
		}
	}
}

func (c *Core) onRegister(req *sip.Request, tx sip.ServerTransaction) {
	if c.hooks.OnRegistrationChanged != nil {
		c.hooks.OnRegistrationChanged(req)
	}
}

// Invite submits a client INVITE through the core, tracking its early
// dialog and dispatching OnInviteConfirmed/OnInviteFailed on completion.
func (c *Core) Invite(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	callID, ok := req.CallID()
	if !ok {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		callID = id.String()
		req.Headers().Set("Call-ID", callID)
	}

	tx, err := c.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	c.early.Store(callID, &earlyDialog{callID: callID, request: req, tx: tx, created: time.Now()})
	defer c.early.Delete(callID)

	defer tx.Terminate()
	var res *sip.Response
	for res == nil && err == nil {
		select {
		case r, ok := <-tx.Responses():
			if !ok {
				err = transaction.ErrTxTerminated
			} else if !r.IsProvisional() {
				res = r
			}
		case err = <-tx.Errors():
		case <-tx.Done():
			err = transaction.ErrTxTerminated
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	c.metrics.ActiveTransactions.Set(float64(c.countTransactions()))

	dialogID := ""
	if res != nil {
		if id, derr := sip.DialogIDFromResponse(res); derr == nil {
			dialogID = id
		}
	}

	switch {
	case err != nil:
		c.metrics.Timeouts.Inc()
		if c.hooks.OnInviteFailed != nil {
			c.hooks.OnInviteFailed(dialogID, res, err)
		}
		return res, err
	case res.IsSuccess():
		if c.hooks.OnInviteConfirmed != nil {
			c.hooks.OnInviteConfirmed(dialogID, res)
		}
		if c.hooks.OnDialogCreated != nil {
			c.hooks.OnDialogCreated(dialogID)
		}
	default:
		if c.hooks.OnInviteFailed != nil {
			c.hooks.OnInviteFailed(dialogID, res, nil)
		}
	}

	if c.hooks.OnResponseReceived != nil {
		c.hooks.OnResponseReceived(res)
	}

	return res, nil
}

// CloseDialog marks a dialog closed in the confirmed table and fires
// OnDialogClosed; callers invoke this from their BYE handling since Core
// itself does not own dialog teardown (that's DialogClient/DialogServer's
// job).
func (c *Core) CloseDialog(dialogID string) {
	if _, loaded := c.confirmed.LoadAndDelete(dialogID); loaded {
		c.metrics.DialogsClosed.Inc()
		if c.hooks.OnDialogClosed != nil {
			c.hooks.OnDialogClosed(dialogID)
		}
	}
}

// countTransactions is a placeholder gauge source: a real transaction
// layer exposes its table size directly, but sipcore's transaction.Layer
// keeps that table private, so this counts in-flight early dialogs as a
// proxy for active client transactions.
func (c *Core) countTransactions() int {
	n := 0
	c.early.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Metrics returns the prometheus collectors backing this core's gauges
// and counters.
func (c *Core) Metrics() *Metrics {
	return c.metrics
}
