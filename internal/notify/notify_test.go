package notify

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/mulewatch/internal/risk"
	"github.com/mbd888/mulewatch/internal/txstore"
)

type recorder[T any] struct {
	mu    sync.Mutex
	snaps [][]T
}

func (r *recorder[T]) OnSnapshot(s []T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder[T]) all() [][]T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]T(nil), r.snaps...)
}

func tx(id string) txstore.Transaction {
	return txstore.Transaction{ID: id, Sender: "S", Receiver: "R", Amount: decimal.NewFromInt(1), Timestamp: 1}
}

func TestTopic_ReplayOnSubscribe(t *testing.T) {
	b := NewBroker()
	b.Publish([]txstore.Transaction{tx("t2"), tx("t1")}, nil)

	rec := &recorder[txstore.Transaction]{}
	unsub := b.SubscribeTransactions(rec)
	defer unsub()

	snaps := rec.all()
	require.Len(t, snaps, 1, "subscriber must get the current state immediately")
	require.Len(t, snaps[0], 2)
	assert.Equal(t, "t2", snaps[0][0].ID)
}

func TestTopic_ReplayOnEmptyState(t *testing.T) {
	b := NewBroker()
	rec := &recorder[risk.Record]{}
	b.SubscribeRiskRecords(rec)

	snaps := rec.all()
	require.Len(t, snaps, 1)
	assert.Empty(t, snaps[0])
}

func TestTopic_PublishReachesEveryObserver(t *testing.T) {
	b := NewBroker()
	a, c := &recorder[txstore.Transaction]{}, &recorder[txstore.Transaction]{}
	b.SubscribeTransactions(a)
	b.SubscribeTransactions(c)

	b.Publish([]txstore.Transaction{tx("t1")}, nil)

	for _, r := range []*recorder[txstore.Transaction]{a, c} {
		snaps := r.all()
		require.Len(t, snaps, 2)
		assert.Len(t, snaps[1], 1)
	}
}

func TestTopic_UnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroker()
	rec := &recorder[txstore.Transaction]{}
	unsub := b.SubscribeTransactions(rec)
	unsub()
	unsub()

	b.Publish([]txstore.Transaction{tx("t1")}, nil)
	assert.Len(t, rec.all(), 1, "only the replay, nothing after unsubscribe")

	txs, records := b.Observers()
	assert.Equal(t, 0, txs)
	assert.Equal(t, 0, records)
}

func TestTopic_ObserversGetIndependentCopies(t *testing.T) {
	b := NewBroker()
	v := 0.5
	b.Publish(nil, []risk.Record{{AccountID: "A", Score: 40, VelocityHours: &v, Triggered: []string{"fan_in"}}})

	first := &recorder[risk.Record]{}
	b.SubscribeRiskRecords(first)
	got := first.all()[0]
	got[0].Triggered[0] = "mutated"
	*got[0].VelocityHours = 99

	again := b.RiskRecords()
	assert.Equal(t, "fan_in", again[0].Triggered[0])
	assert.InDelta(t, 0.5, *again[0].VelocityHours, 1e-9)
}

func TestTopic_PanickingObserverDoesNotStopOthers(t *testing.T) {
	topic := NewTopic[int]("ints", nil, nil)
	topic.Subscribe(ObserverFunc[int](func(s []int) {
		if len(s) > 0 {
			panic("boom")
		}
	}))
	rec := &recorder[int]{}
	topic.Subscribe(rec)

	topic.Publish([]int{1, 2})
	snaps := rec.all()
	require.Len(t, snaps, 2)
	assert.Equal(t, []int{1, 2}, snaps[1])
}

func TestTopic_UnsubscribeFromCallback(t *testing.T) {
	topic := NewTopic[int]("ints", nil, nil)
	var unsub func()
	calls := 0
	unsub = topic.Subscribe(ObserverFunc[int](func([]int) {
		calls++
		if unsub != nil {
			unsub()
		}
	}))

	topic.Publish([]int{1})
	topic.Publish([]int{2})
	assert.Equal(t, 2, calls, "replay plus the first publish")
}

func TestTopic_ConcurrentSubscribersSeeOrderedSnapshots(t *testing.T) {
	topic := NewTopic[int]("ints", nil, nil)

	var wg sync.WaitGroup
	recs := make([]*recorder[int], 8)
	for i := range recs {
		recs[i] = &recorder[int]{}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 100; i++ {
			topic.Publish([]int{i})
		}
	}()
	for _, r := range recs {
		wg.Add(1)
		go func(r *recorder[int]) {
			defer wg.Done()
			topic.Subscribe(r)
		}(r)
	}
	wg.Wait()

	for _, r := range recs {
		last := 0
		for _, s := range r.all() {
			if len(s) == 0 {
				continue
			}
			assert.Greater(t, s[0], last, "snapshots must arrive in publish order")
			last = s[0]
		}
	}
}
