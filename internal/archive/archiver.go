package archive

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/mulewatch/internal/circuitbreaker"
	"github.com/mbd888/mulewatch/internal/metrics"
	"github.com/mbd888/mulewatch/internal/notify"
	"github.com/mbd888/mulewatch/internal/risk"
	"github.com/mbd888/mulewatch/internal/txstore"
)

const (
	archiverChanSize   = 1024
	archiverBatchSize  = 100
	archiverFlushMs    = 500
	archiverMaxPending = 10_000 // buffered changes kept across failed flushes

	breakerKey = "archive"
)

// change is the delta between two consecutive snapshots.
type change struct {
	txs     []txstore.Transaction // oldest first
	upserts []risk.Record
	deletes []string
}

// Archiver observes published snapshots and writes the deltas to a Store in
// batches. Observer callbacks only diff in memory and enqueue; all I/O
// happens on the Start goroutine so the engine loop never waits on storage.
type Archiver struct {
	store    Store
	logger   *slog.Logger
	breaker  *circuitbreaker.Breaker
	interval time.Duration
	ch      chan change
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	running atomic.Bool
	dropped atomic.Int64

	mu      sync.Mutex
	lastTx  map[string]struct{}    // ids in the previous transaction snapshot
	records map[string]risk.Record // previous risk snapshot by account
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithBreaker replaces the default circuit breaker guarding the store.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(a *Archiver) { a.breaker = b }
}

// WithFlushInterval sets how often buffered changes are written.
func WithFlushInterval(d time.Duration) Option {
	return func(a *Archiver) { a.interval = d }
}

// NewArchiver creates an archiver writing to store.
func NewArchiver(store Store, logger *slog.Logger, opts ...Option) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archiver{
		store:    store,
		logger:   logger,
		breaker:  circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration),
		interval: time.Duration(archiverFlushMs) * time.Millisecond,
		ch:       make(chan change, archiverChanSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		lastTx:   make(map[string]struct{}),
		records:  make(map[string]risk.Record),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.breaker.OnTransition(func(_ string, from, to circuitbreaker.State) {
		a.logger.Warn("archive circuit state changed", "from", from.String(), "to", to.String())
	})
	return a
}

// Restore loads up to limit archived transactions (oldest first) and primes
// the archiver with what is already stored, so the first snapshot after
// re-seeding only writes what actually changed.
func (a *Archiver) Restore(ctx context.Context, limit int) ([]txstore.Transaction, error) {
	txs, err := a.store.RecentTransactions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: restore transactions: %w", err)
	}
	records, err := a.store.ListRiskRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: restore risk records: %w", err)
	}

	a.mu.Lock()
	for _, tx := range txs {
		a.lastTx[tx.ID] = struct{}{}
	}
	for _, r := range records {
		a.records[r.AccountID] = r
	}
	a.mu.Unlock()

	a.logger.Info("archive restored", "transactions", len(txs), "risk_records", len(records))
	return txs, nil
}

// Attach subscribes the archiver to both topics of b.
func (a *Archiver) Attach(b *notify.Broker) (detach func()) {
	unTx := b.SubscribeTransactions(notify.ObserverFunc[txstore.Transaction](a.onTransactions))
	unRisk := b.SubscribeRiskRecords(notify.ObserverFunc[risk.Record](a.onRiskRecords))
	return func() {
		unTx()
		unRisk()
	}
}

// onTransactions receives the most-recent-first snapshot and enqueues the
// transactions that were not in the previous one.
func (a *Archiver) onTransactions(snapshot []txstore.Transaction) {
	a.mu.Lock()
	var fresh []txstore.Transaction
	ids := make(map[string]struct{}, len(snapshot))
	for i := len(snapshot) - 1; i >= 0; i-- {
		tx := snapshot[i]
		ids[tx.ID] = struct{}{}
		if _, seen := a.lastTx[tx.ID]; !seen {
			fresh = append(fresh, tx)
		}
	}
	a.lastTx = ids
	a.mu.Unlock()

	if len(fresh) > 0 {
		a.send(change{txs: fresh})
	}
}

// onRiskRecords diffs the flagged set against the previous snapshot.
func (a *Archiver) onRiskRecords(snapshot []risk.Record) {
	a.mu.Lock()
	var c change
	current := make(map[string]risk.Record, len(snapshot))
	for _, r := range snapshot {
		current[r.AccountID] = r
		prev, ok := a.records[r.AccountID]
		if !ok || !sameAssessment(prev, r) {
			c.upserts = append(c.upserts, r)
		}
	}
	for account := range a.records {
		if _, ok := current[account]; !ok {
			c.deletes = append(c.deletes, account)
		}
	}
	a.records = current
	a.mu.Unlock()

	if len(c.upserts) > 0 || len(c.deletes) > 0 {
		a.send(c)
	}
}

// sameAssessment compares everything but LastUpdated, which moves on every
// recompute. The archived last_updated is the time the assessment last
// changed.
func sameAssessment(a, b risk.Record) bool {
	if (a.VelocityHours == nil) != (b.VelocityHours == nil) {
		return false
	}
	if a.VelocityHours != nil && *a.VelocityHours != *b.VelocityHours {
		return false
	}
	return a.InDegree == b.InDegree &&
		a.OutDegree == b.OutDegree &&
		a.Score == b.Score &&
		a.Level == b.Level &&
		a.Reason == b.Reason &&
		slices.Equal(a.Triggered, b.Triggered)
}

// send enqueues c. Non-blocking: drops and counts if the channel is full.
func (a *Archiver) send(c change) {
	select {
	case a.ch <- c:
	default:
		a.dropped.Add(1)
		metrics.ArchiveFlushesTotal.WithLabelValues("dropped").Inc()
		a.logger.Warn("archive queue full, dropping change",
			"transactions", len(c.txs), "upserts", len(c.upserts), "deletes", len(c.deletes))
	}
}

// Dropped returns the number of changes dropped due to a full channel.
func (a *Archiver) Dropped() int64 {
	return a.dropped.Load()
}

// Running reports whether the writer loop is active.
func (a *Archiver) Running() bool {
	return a.running.Load()
}

// pending accumulates changes between flushes. A nil record marks a delete;
// later changes to the same account replace earlier ones.
type pending struct {
	txs     []txstore.Transaction
	records map[string]*risk.Record
	order   []string
}

func (p *pending) add(c change) {
	p.txs = append(p.txs, c.txs...)
	if p.records == nil {
		p.records = make(map[string]*risk.Record)
	}
	set := func(account string, r *risk.Record) {
		if _, ok := p.records[account]; !ok {
			p.order = append(p.order, account)
		}
		p.records[account] = r
	}
	for i := range c.upserts {
		r := c.upserts[i]
		set(r.AccountID, &r)
	}
	for _, account := range c.deletes {
		set(account, nil)
	}
}

func (p *pending) size() int { return len(p.txs) + len(p.order) }

// Start drains the channel and flushes batches. Call in a goroutine.
func (a *Archiver) Start(ctx context.Context) {
	a.running.Store(true)
	defer func() {
		a.running.Store(false)
		close(a.done)
	}()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	var buf pending
	for {
		select {
		case <-ctx.Done():
			a.drain(&buf)
			a.finalFlush(&buf)
			return
		case <-a.stop:
			a.drain(&buf)
			a.finalFlush(&buf)
			return
		case c := <-a.ch:
			buf.add(c)
			if buf.size() >= archiverBatchSize {
				a.flush(&buf)
			}
		case <-ticker.C:
			a.flush(&buf)
		}
	}
}

// Stop signals the writer to flush remaining changes and waits for it to
// exit.
func (a *Archiver) Stop() {
	a.once.Do(func() { close(a.stop) })
	if a.running.Load() {
		<-a.done
	}
}

func (a *Archiver) drain(buf *pending) {
	for {
		select {
		case c := <-a.ch:
			buf.add(c)
		default:
			return
		}
	}
}

// flush writes buf through the circuit breaker. A failed or skipped batch
// stays buffered, since every store write is idempotent, until it grows
// past archiverMaxPending.
func (a *Archiver) flush(buf *pending) {
	if buf.size() == 0 {
		return
	}
	if !a.breaker.Allow(breakerKey) {
		metrics.ArchiveFlushesTotal.WithLabelValues("skipped").Inc()
		a.shed(buf)
		return
	}
	if a.safeFlush(buf) {
		a.breaker.RecordSuccess(breakerKey)
		*buf = pending{}
		return
	}
	a.breaker.RecordFailure(breakerKey)
	a.shed(buf)
}

// finalFlush makes one last attempt regardless of the breaker.
func (a *Archiver) finalFlush(buf *pending) {
	if buf.size() == 0 {
		return
	}
	if !a.safeFlush(buf) {
		a.logger.Error("archive changes lost at shutdown",
			"transactions", len(buf.txs), "risk_records", len(buf.order))
	}
	*buf = pending{}
}

func (a *Archiver) shed(buf *pending) {
	if buf.size() < archiverMaxPending {
		return
	}
	a.dropped.Add(1)
	metrics.ArchiveFlushesTotal.WithLabelValues("dropped").Inc()
	a.logger.Error("archive backlog too large, dropping buffered changes",
		"transactions", len(buf.txs), "risk_records", len(buf.order))
	*buf = pending{}
}

func (a *Archiver) safeFlush(buf *pending) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ArchiveFlushesTotal.WithLabelValues("error").Inc()
			a.logger.Error("panic in archive flush", "panic", fmt.Sprint(r))
			ok = false
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var upserts []risk.Record
	var deletes []string
	for _, account := range buf.order {
		if r := buf.records[account]; r != nil {
			upserts = append(upserts, *r)
		} else {
			deletes = append(deletes, account)
		}
	}

	err := a.store.SaveTransactions(ctx, buf.txs)
	if err == nil {
		err = a.store.UpsertRiskRecords(ctx, upserts)
	}
	if err == nil {
		err = a.store.DeleteRiskRecords(ctx, deletes)
	}
	if err != nil {
		metrics.ArchiveFlushesTotal.WithLabelValues("error").Inc()
		a.logger.Error("archive flush failed", "error", err,
			"transactions", len(buf.txs), "upserts", len(upserts), "deletes", len(deletes))
		return false
	}
	metrics.ArchiveFlushesTotal.WithLabelValues("ok").Inc()
	a.logger.Debug("archive flushed",
		"transactions", len(buf.txs), "upserts", len(upserts), "deletes", len(deletes))
	return true
}
