package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/mulewatch/internal/notify"
	"github.com/mbd888/mulewatch/internal/risk"
	"github.com/mbd888/mulewatch/internal/txstore"
)

func startEngine(t *testing.T, capacity int, opts ...EngineOption) (*Engine, *notify.Broker) {
	t.Helper()
	broker := notify.NewBroker()
	e := NewEngine(newDetector(capacity, broker), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
	return e, broker
}

func TestEngine_SubmitReturnsAck(t *testing.T) {
	e, broker := startEngine(t, txstore.DefaultCapacity)
	ctx := context.Background()

	_, err := e.Submit(ctx, mkTx("X", "B", base))
	require.NoError(t, err)
	tx := mkTx("B", "Y", base+30*minute)
	ack, err := e.Submit(ctx, tx)
	require.NoError(t, err)

	assert.Equal(t, tx.ID, ack.ID)
	assert.Equal(t, uint64(1), ack.Sequence)
	assert.Equal(t, []string{"B"}, ack.Flagged)
	assert.Empty(t, ack.Cleared)

	// Visible to observers as soon as Submit returns.
	require.Len(t, broker.RiskRecords(), 1)
	assert.Equal(t, "B", broker.RiskRecords()[0].AccountID)
}

func TestEngine_SubmitRejectsInvalid(t *testing.T) {
	e, broker := startEngine(t, txstore.DefaultCapacity)

	bad := mkTx("A", "B", base)
	bad.Amount = decimal.NewFromInt(-5)
	_, err := e.Submit(context.Background(), bad)
	assert.ErrorIs(t, err, txstore.ErrInvalidTransaction)
	assert.Empty(t, broker.Transactions())
}

func TestEngine_OutOfBoundsAmountLeavesLoopResponsive(t *testing.T) {
	e, broker := startEngine(t, txstore.DefaultCapacity)

	huge := mkTx("A", "B", base)
	huge.Amount = decimal.RequireFromString("1e2000000000")
	_, err := e.Submit(context.Background(), huge)
	var verr *txstore.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)

	// Seeding goes straight to the store and is rejected there.
	res, err := e.Seed(context.Background(), []txstore.Transaction{huge})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = e.Submit(ctx, mkTx("C", "D", base+minute))
	require.NoError(t, err)
	assert.Len(t, broker.Transactions(), 1)
}

func TestEngine_Backpressure(t *testing.T) {
	// Not running: nothing drains the queue.
	e := NewEngine(newDetector(txstore.DefaultCapacity, nil), WithQueueSize(1))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Submit(cancelled, mkTx("A", "B", base))
	assert.ErrorIs(t, err, context.Canceled, "queued, but the wait was abandoned")

	_, err = e.Submit(context.Background(), mkTx("A", "C", base))
	assert.ErrorIs(t, err, ErrBackpressure)

	// Validation happens before queueing.
	_, err = e.Submit(context.Background(), mkTx("A", "A", base))
	assert.ErrorIs(t, err, txstore.ErrInvalidTransaction)

	e.Close()
	e.Close()
	_, err = e.Submit(context.Background(), mkTx("A", "D", base))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_DrainsQueueOnShutdown(t *testing.T) {
	pub := &countingPublisher{}
	e := NewEngine(newDetector(txstore.DefaultCapacity, pub), WithQueueSize(4))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		_, _ = e.Submit(cancelled, mkTx("A", "B", base+int64(i)))
	}

	ctx, stop := context.WithCancel(context.Background())
	stop()
	e.Run(ctx)

	assert.Len(t, pub.txs, 3, "accepted transactions are never lost")
}

func TestEngine_ReplayAfterTenTransactions(t *testing.T) {
	e, broker := startEngine(t, txstore.DefaultCapacity)

	for i := 0; i < 10; i++ {
		_, err := e.Submit(context.Background(), mkTx("A", "B", base+int64(i)*minute))
		require.NoError(t, err)
	}

	var got []txstore.Transaction
	unsub := broker.SubscribeTransactions(notify.ObserverFunc[txstore.Transaction](func(s []txstore.Transaction) {
		got = s
	}))
	defer unsub()

	require.Len(t, got, 10, "late subscriber must see existing state immediately")
	assert.Equal(t, base+9*minute, got[0].Timestamp, "most recent first")
}

func TestEngine_ReplayIsCapacityBounded(t *testing.T) {
	e, broker := startEngine(t, 4)
	for i := 0; i < 10; i++ {
		_, err := e.Submit(context.Background(), mkTx("A", "B", base+int64(i)))
		require.NoError(t, err)
	}

	var got []txstore.Transaction
	broker.SubscribeTransactions(notify.ObserverFunc[txstore.Transaction](func(s []txstore.Transaction) {
		got = s
	}))
	assert.Len(t, got, 4)
}

func TestEngine_ConcurrentProducers(t *testing.T) {
	e, broker := startEngine(t, txstore.DefaultCapacity, WithQueueSize(256))

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				tx := txstore.Transaction{
					ID:        "c",
					Sender:    "S",
					Receiver:  "HUB",
					Amount:    decimal.NewFromInt(1),
					Timestamp: base + int64(p*100+i),
				}
				for {
					_, err := e.Submit(context.Background(), tx)
					if err != ErrBackpressure {
						assert.NoError(t, err)
						break
					}
					time.Sleep(time.Millisecond)
				}
			}
		}(p)
	}
	wg.Wait()

	assert.Len(t, broker.Transactions(), 160)
}

func TestEngine_Features(t *testing.T) {
	e, _ := startEngine(t, txstore.DefaultCapacity)
	ctx := context.Background()

	_, ok, err := e.Features(ctx, "A")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, tx := range fanInTxs("A", base) {
		_, err := e.Submit(ctx, tx)
		require.NoError(t, err)
	}
	f, ok, err := e.Features(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, f.UniqueSenders)
	assert.Equal(t, 1, f.OutDegree)
}

func TestEngine_Seed(t *testing.T) {
	e, broker := startEngine(t, txstore.DefaultCapacity)

	txs := fanInTxs("A", base)
	txs = append(txs, mkTx("Q", "Q", base))
	res, err := e.Seed(context.Background(), txs)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, res.Flagged)
	require.Len(t, broker.RiskRecords(), 1)
	assert.Equal(t, risk.LevelMedium, broker.RiskRecords()[0].Level)
}
