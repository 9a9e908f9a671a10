// Package detector drives the detection cycle: every accepted transaction
// is appended to the store, both of its accounts are re-extracted and
// rescored, and the resulting state is published exactly once.
//
// Detector itself is single-owner: it holds the store and the registry and
// must only be used from one goroutine. Engine provides that goroutine and
// a bounded queue in front of it.
package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/mulewatch/internal/features"
	"github.com/mbd888/mulewatch/internal/metrics"
	"github.com/mbd888/mulewatch/internal/risk"
	"github.com/mbd888/mulewatch/internal/traces"
	"github.com/mbd888/mulewatch/internal/txstore"
)

// Publisher receives the full state after every mutation.
type Publisher interface {
	Publish(transactions []txstore.Transaction, records []risk.Record)
}

// Change is the outcome of rescoring one account.
type Change struct {
	AccountID  string
	Transition risk.Transition
	Record     risk.Record // zero unless the account is flagged afterwards
	Features   features.AccountFeatures
	Assessment risk.Assessment
}

// Result describes one completed detection cycle.
type Result struct {
	Transaction txstore.Transaction
	Sequence    uint64
	Changes     []Change // sender, then receiver
}

// Flagged returns the accounts that hold a record after the cycle.
func (r Result) Flagged() []string {
	var out []string
	for _, c := range r.Changes {
		if c.Transition == risk.Flagged || c.Transition == risk.Updated {
			out = append(out, c.AccountID)
		}
	}
	return out
}

// Cleared returns the accounts whose record the cycle removed.
func (r Result) Cleared() []string {
	var out []string
	for _, c := range r.Changes {
		if c.Transition == risk.Cleared {
			out = append(out, c.AccountID)
		}
	}
	return out
}

// Detector owns the transaction store and the risk registry.
type Detector struct {
	store     *txstore.Store
	extractor *features.Extractor
	rules     *risk.RuleEngine
	registry  *risk.Registry
	publisher Publisher
	window    time.Duration
	logger    *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithWindow sets the lookback window of feature extraction.
func WithWindow(w time.Duration) Option {
	return func(d *Detector) { d.window = w }
}

// WithPublisher sets where state is published after each mutation.
func WithPublisher(p Publisher) Option {
	return func(d *Detector) { d.publisher = p }
}

// New creates a Detector over store, scoring with rules into registry.
func New(store *txstore.Store, rules *risk.RuleEngine, registry *risk.Registry, opts ...Option) *Detector {
	d := &Detector{
		store:     store,
		extractor: features.NewExtractor(store),
		rules:     rules,
		registry:  registry,
		window:    features.DefaultWindow,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Window returns the lookback window.
func (d *Detector) Window() time.Duration { return d.window }

// OnTransaction runs one full detection cycle for tx. A validation failure
// is returned as is: nothing is stored, rescored, or published.
func (d *Detector) OnTransaction(ctx context.Context, tx txstore.Transaction) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "detector.OnTransaction",
		traces.TransactionID(tx.ID),
		traces.Sender(tx.Sender),
		traces.Receiver(tx.Receiver),
	)
	defer span.End()
	start := time.Now()

	seq, err := d.store.Append(tx)
	if err != nil {
		metrics.TransactionsTotal.WithLabelValues("rejected").Inc()
		traces.Fail(span, err)
		d.logger.Warn("transaction rejected", "tx", tx.ID, "error", err)
		return Result{}, err
	}
	metrics.TransactionsTotal.WithLabelValues("accepted").Inc()
	// Only bounded amounts reach here.
	span.SetAttributes(traces.Amount(tx.Amount.String()))

	res := Result{
		Transaction: tx,
		Sequence:    seq,
		Changes: []Change{
			d.rescore(ctx, tx.Sender, tx.Timestamp),
			d.rescore(ctx, tx.Receiver, tx.Timestamp),
		},
	}

	d.publish()
	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

// RecomputeAll rescores every account known to the store or the registry
// as of asOf and publishes once.
func (d *Detector) RecomputeAll(ctx context.Context, asOf int64) []Change {
	ctx, span := traces.StartSpan(ctx, "detector.RecomputeAll")
	defer span.End()

	seen := make(map[string]struct{})
	var changes []Change
	for _, acc := range d.store.Accounts() {
		seen[acc] = struct{}{}
		changes = append(changes, d.rescore(ctx, acc, asOf))
	}
	// Accounts whose every transaction was evicted still need clearing.
	for _, rec := range d.registry.Snapshot() {
		if _, ok := seen[rec.AccountID]; !ok {
			changes = append(changes, d.rescore(ctx, rec.AccountID, asOf))
		}
	}

	span.SetAttributes(traces.Accounts(len(changes)))
	d.publish()
	return changes
}

// Features extracts the features of account as of the newest retained
// transaction. The second result is false when the store is empty.
func (d *Detector) Features(account string) (features.AccountFeatures, bool) {
	asOf, ok := d.store.NewestTimestamp()
	if !ok {
		return features.AccountFeatures{}, false
	}
	return d.extractor.Extract(account, d.window, asOf), true
}

// Transactions returns the retained transactions, most recent first.
func (d *Detector) Transactions() []txstore.Transaction { return d.store.Latest() }

// Records returns the flagged risk records.
func (d *Detector) Records() []risk.Record { return d.registry.Snapshot() }

// Publish pushes the current state to the publisher without mutating it.
func (d *Detector) Publish() { d.publish() }

func (d *Detector) rescore(ctx context.Context, account string, asOf int64) Change {
	_, span := traces.StartSpan(ctx, "detector.rescore", traces.Account(account))
	defer span.End()

	f := d.extractor.Extract(account, d.window, asOf)
	a := d.rules.Evaluate(f)
	rec, tr := d.registry.Upsert(f, a)
	span.SetAttributes(traces.Score(a.Score), traces.Transition(tr.String()))

	for _, name := range a.Triggered {
		metrics.RuleTriggersTotal.WithLabelValues(name).Inc()
	}

	switch tr {
	case risk.Flagged:
		metrics.RiskTransitionsTotal.WithLabelValues(tr.String()).Inc()
		d.logger.Info("account flagged",
			"account", account, "score", rec.Score, "level", rec.Level, "reason", rec.Reason)
	case risk.Updated:
		metrics.RiskTransitionsTotal.WithLabelValues(tr.String()).Inc()
		d.logger.Debug("risk record updated",
			"account", account, "score", rec.Score, "level", rec.Level)
	case risk.Cleared:
		metrics.RiskTransitionsTotal.WithLabelValues(tr.String()).Inc()
		d.logger.Info("account cleared", "account", account, "score", a.Score)
	}

	return Change{AccountID: account, Transition: tr, Record: rec, Features: f, Assessment: a}
}

func (d *Detector) publish() {
	txs := d.store.Latest()
	records := d.registry.Snapshot()

	metrics.RetainedTransactions.Set(float64(len(txs)))
	levels := map[risk.Level]int{risk.LevelLow: 0, risk.LevelMedium: 0, risk.LevelHigh: 0}
	for _, r := range records {
		levels[r.Level]++
	}
	for lvl, n := range levels {
		metrics.FlaggedAccounts.WithLabelValues(string(lvl)).Set(float64(n))
	}

	if d.publisher != nil {
		d.publisher.Publish(txs, records)
	}
}
