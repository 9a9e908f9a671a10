// Package notify fans snapshots of engine state out to observers.
//
// Observers always receive the full current snapshot, never a diff. A new
// observer is handed the latest snapshot as soon as it subscribes, so it
// never has to wait for the next mutation to learn the current state.
package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/mulewatch/internal/risk"
	"github.com/mbd888/mulewatch/internal/txstore"
)

// Observer receives snapshots. The slice belongs to the observer.
type Observer[T any] interface {
	OnSnapshot(snapshot []T)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc[T any] func(snapshot []T)

func (f ObserverFunc[T]) OnSnapshot(snapshot []T) { f(snapshot) }

// Topic is one independent observer set over snapshots of T.
//
// Deliveries are serialized: every observer sees snapshots in publish
// order, and the replay on subscribe is never overtaken by a publish.
// OnSnapshot must not call Subscribe or Publish on the same topic.
type Topic[T any] struct {
	name   string
	clone  func(T) T
	logger *slog.Logger

	deliverMu sync.Mutex // held for the whole of a delivery round

	mu        sync.Mutex
	observers map[uint64]Observer[T]
	nextID    uint64
	current   []T
}

// NewTopic creates a topic. clone deep-copies one element; nil means the
// element type is safe to copy by value.
func NewTopic[T any](name string, clone func(T) T, logger *slog.Logger) *Topic[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topic[T]{
		name:      name,
		clone:     clone,
		logger:    logger,
		observers: make(map[uint64]Observer[T]),
	}
}

// Subscribe registers o and immediately delivers the current snapshot to
// it. The returned function removes o; calling it more than once is a no-op.
func (t *Topic[T]) Subscribe(o Observer[T]) (unsubscribe func()) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.observers[id] = o
	replay := t.copyOf(t.current)
	t.mu.Unlock()

	t.deliver(id, o, replay)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.observers, id)
			t.mu.Unlock()
		})
	}
}

// Publish replaces the current snapshot and delivers it to every observer.
// The topic keeps its own copy of snapshot.
func (t *Topic[T]) Publish(snapshot []T) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	t.current = t.copyOf(snapshot)
	targets := make(map[uint64]Observer[T], len(t.observers))
	for id, o := range t.observers {
		targets[id] = o
	}
	current := t.current
	t.mu.Unlock()

	for id, o := range targets {
		t.deliver(id, o, t.copyOf(current))
	}
}

// Current returns a copy of the latest published snapshot.
func (t *Topic[T]) Current() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyOf(t.current)
}

// Len returns the number of subscribed observers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.observers)
}

// deliver hands snapshot to one observer. A panicking observer is logged
// and skipped; it does not stop delivery to the others.
func (t *Topic[T]) deliver(id uint64, o Observer[T], snapshot []T) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("observer panicked",
				"topic", t.name,
				"observer", id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	o.OnSnapshot(snapshot)
}

func (t *Topic[T]) copyOf(in []T) []T {
	out := make([]T, len(in))
	if t.clone == nil {
		copy(out, in)
		return out
	}
	for i, v := range in {
		out[i] = t.clone(v)
	}
	return out
}

// Broker holds the two observer sets of the engine: the retained
// transaction list (most recent first) and the flagged risk records.
type Broker struct {
	transactions *Topic[txstore.Transaction]
	riskRecords  *Topic[risk.Record]
}

// Option configures a Broker.
type Option func(*brokerConfig)

type brokerConfig struct {
	logger *slog.Logger
}

// WithLogger sets the logger used to report misbehaving observers.
func WithLogger(l *slog.Logger) Option {
	return func(c *brokerConfig) { c.logger = l }
}

// NewBroker creates a broker with empty snapshots.
func NewBroker(opts ...Option) *Broker {
	cfg := brokerConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Broker{
		transactions: NewTopic[txstore.Transaction]("transactions", nil, cfg.logger),
		riskRecords:  NewTopic("risk_records", risk.Record.Clone, cfg.logger),
	}
}

// SubscribeTransactions registers o for transaction list snapshots.
func (b *Broker) SubscribeTransactions(o Observer[txstore.Transaction]) (unsubscribe func()) {
	return b.transactions.Subscribe(o)
}

// SubscribeRiskRecords registers o for risk record snapshots.
func (b *Broker) SubscribeRiskRecords(o Observer[risk.Record]) (unsubscribe func()) {
	return b.riskRecords.Subscribe(o)
}

// Publish delivers a new state to both observer sets.
func (b *Broker) Publish(transactions []txstore.Transaction, records []risk.Record) {
	b.transactions.Publish(transactions)
	b.riskRecords.Publish(records)
}

// Transactions returns the latest transaction snapshot.
func (b *Broker) Transactions() []txstore.Transaction { return b.transactions.Current() }

// RiskRecords returns the latest risk record snapshot.
func (b *Broker) RiskRecords() []risk.Record { return b.riskRecords.Current() }

// Observers returns the number of transaction and risk record observers.
func (b *Broker) Observers() (transactions, riskRecords int) {
	return b.transactions.Len(), b.riskRecords.Len()
}
