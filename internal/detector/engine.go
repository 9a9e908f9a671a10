package detector

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mbd888/mulewatch/internal/features"
	"github.com/mbd888/mulewatch/internal/metrics"
	"github.com/mbd888/mulewatch/internal/txstore"
)

// DefaultQueueSize bounds the number of requests waiting for the loop.
const DefaultQueueSize = 1024

var (
	// ErrBackpressure is returned when the queue is full. The transaction
	// was not accepted; the caller should retry later or drop it.
	ErrBackpressure = errors.New("detector: queue full")

	// ErrClosed is returned once the engine has been closed.
	ErrClosed = errors.New("detector: engine closed")
)

// Ack is returned to the producer of an accepted transaction.
type Ack struct {
	ID       string   `json:"id"`
	Sequence uint64   `json:"sequence"`
	Flagged  []string `json:"flagged"`
	Cleared  []string `json:"cleared"`
}

// SeedResult summarizes a bulk load.
type SeedResult struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Flagged  int `json:"flagged"`
}

type job func(ctx context.Context, d *Detector)

// Engine serializes every operation on a Detector through one goroutine.
// Producers never block on a busy loop: a full queue fails fast with
// ErrBackpressure.
type Engine struct {
	det    *Detector
	queue  chan job
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

type engineConfig struct {
	queueSize int
	logger    *slog.Logger
}

// WithQueueSize sets the queue bound.
func WithQueueSize(n int) EngineOption {
	return func(c *engineConfig) { c.queueSize = n }
}

// WithEngineLogger sets a structured logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = l }
}

// NewEngine wraps det. Run must be started before submitting.
func NewEngine(det *Detector, opts ...EngineOption) *Engine {
	cfg := engineConfig{queueSize: DefaultQueueSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = DefaultQueueSize
	}
	return &Engine{
		det:    det,
		queue:  make(chan job, cfg.queueSize),
		logger: cfg.logger,
		done:   make(chan struct{}),
	}
}

// Run is the detection loop. It returns once the engine is closed, either
// by Close or by ctx being cancelled, after draining what was already
// queued. Call in a goroutine, once.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("detection engine started", "queue", cap(e.queue), "window", e.det.Window())
	defer close(e.done)

	// Observers joining before the first transaction get an empty state
	// rather than nothing at all.
	e.det.Publish()

	stop := context.AfterFunc(ctx, e.Close)
	defer stop()

	for j := range e.queue {
		j(ctx, e.det)
		metrics.QueueDepth.Set(float64(len(e.queue)))
	}
	e.logger.Info("detection engine stopped")
}

// Close stops accepting requests. Already queued requests still run.
// Safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.queue)
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Submit validates tx, queues it and waits for its detection cycle. If ctx
// ends after the transaction was queued, the cycle still runs; only the
// wait is abandoned.
func (e *Engine) Submit(ctx context.Context, tx txstore.Transaction) (Ack, error) {
	if err := txstore.Validate(tx); err != nil {
		metrics.TransactionsTotal.WithLabelValues("rejected").Inc()
		e.logger.Warn("transaction rejected", "tx", tx.ID, "error", err)
		return Ack{}, err
	}

	type reply struct {
		res Result
		err error
	}
	ch := make(chan reply, 1)
	err := e.enqueue(func(_ context.Context, d *Detector) {
		res, err := d.OnTransaction(context.WithoutCancel(ctx), tx)
		ch <- reply{res, err}
	})
	if err != nil {
		if errors.Is(err, ErrBackpressure) {
			metrics.TransactionsTotal.WithLabelValues("busy").Inc()
			e.logger.Warn("engine queue full", "tx", tx.ID)
		}
		return Ack{}, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return Ack{}, r.err
		}
		return Ack{
			ID:       r.res.Transaction.ID,
			Sequence: r.res.Sequence,
			Flagged:  nonNil(r.res.Flagged()),
			Cleared:  nonNil(r.res.Cleared()),
		}, nil
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

// Features extracts the features of account on the loop, as of the newest
// retained transaction. The bool is false when nothing is retained.
func (e *Engine) Features(ctx context.Context, account string) (features.AccountFeatures, bool, error) {
	type reply struct {
		f  features.AccountFeatures
		ok bool
	}
	ch := make(chan reply, 1)
	if err := e.enqueue(func(_ context.Context, d *Detector) {
		f, ok := d.Features(account)
		ch <- reply{f, ok}
	}); err != nil {
		return features.AccountFeatures{}, false, err
	}
	select {
	case r := <-ch:
		return r.f, r.ok, nil
	case <-ctx.Done():
		return features.AccountFeatures{}, false, ctx.Err()
	}
}

// Seed bulk-loads historical transactions in arrival order, then rescores
// every account as of the newest one and publishes once. Invalid
// transactions are skipped and counted.
func (e *Engine) Seed(ctx context.Context, txs []txstore.Transaction) (SeedResult, error) {
	ch := make(chan SeedResult, 1)
	if err := e.enqueue(func(ctx context.Context, d *Detector) {
		ch <- d.seed(ctx, txs)
	}); err != nil {
		return SeedResult{}, err
	}
	select {
	case r := <-ch:
		e.logger.Info("seeded transactions", "accepted", r.Accepted, "rejected", r.Rejected, "flagged", r.Flagged)
		return r, nil
	case <-ctx.Done():
		return SeedResult{}, ctx.Err()
	}
}

func (e *Engine) enqueue(j job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.queue <- j:
		metrics.QueueDepth.Set(float64(len(e.queue)))
		return nil
	default:
		return ErrBackpressure
	}
}

func (d *Detector) seed(ctx context.Context, txs []txstore.Transaction) SeedResult {
	var r SeedResult
	for _, tx := range txs {
		if _, err := d.store.Append(tx); err != nil {
			r.Rejected++
			d.logger.Warn("seed transaction rejected", "tx", tx.ID, "error", err)
			continue
		}
		r.Accepted++
	}
	if r.Accepted > 0 {
		metrics.TransactionsTotal.WithLabelValues("accepted").Add(float64(r.Accepted))
	}
	if r.Rejected > 0 {
		metrics.TransactionsTotal.WithLabelValues("rejected").Add(float64(r.Rejected))
	}
	if newest, ok := d.store.NewestTimestamp(); ok {
		d.RecomputeAll(ctx, newest)
	} else {
		d.publish()
	}
	r.Flagged = d.registry.Len()
	return r
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
