package archive

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/mulewatch/internal/risk"
	"github.com/mbd888/mulewatch/internal/testutil"
	"github.com/mbd888/mulewatch/internal/txstore"
)

func tx(id, sender, receiver string, amount string, ts int64) txstore.Transaction {
	return txstore.Transaction{
		ID:        id,
		Sender:    sender,
		Receiver:  receiver,
		Amount:    decimal.RequireFromString(amount),
		Timestamp: ts,
	}
}

func record(account string, score int, at time.Time) risk.Record {
	v := 0.5
	return risk.Record{
		AccountID:     account,
		InDegree:      4,
		OutDegree:     1,
		VelocityHours: &v,
		Score:         score,
		Level:         risk.DefaultBands().LevelFor(score),
		Reason:        "Fan-in from 4 senders",
		Triggered:     []string{"fan_in"},
		LastUpdated:   at,
	}
}

// storeConformance runs the same behaviour checks against any Store.
func storeConformance(t *testing.T, s Store) {
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("transactions are insert-only and replayed oldest first", func(t *testing.T) {
		require.NoError(t, s.SaveTransactions(ctx, []txstore.Transaction{
			tx("t1", "A", "B", "10", 1000),
			tx("t2", "B", "C", "9.50", 2000),
		}))
		require.NoError(t, s.SaveTransactions(ctx, []txstore.Transaction{
			tx("t2", "X", "Y", "1", 9999), // duplicate id is ignored
			tx("t3", "C", "D", "0.01", 3000),
		}))

		all, err := s.RecentTransactions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "t1", all[0].ID)
		assert.Equal(t, "B", all[1].Sender)
		assert.True(t, all[1].Amount.Equal(decimal.RequireFromString("9.5")))
		assert.Equal(t, int64(3000), all[2].Timestamp)

		recent, err := s.RecentTransactions(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "t2", recent[0].ID)
		assert.Equal(t, "t3", recent[1].ID)
	})

	t.Run("risk records upsert and delete", func(t *testing.T) {
		require.NoError(t, s.UpsertRiskRecords(ctx, []risk.Record{
			record("A", 40, at),
			record("B", 90, at),
		}))
		updated := record("A", 70, at.Add(time.Minute))
		updated.VelocityHours = nil
		updated.Triggered = []string{"fan_in", "velocity"}
		require.NoError(t, s.UpsertRiskRecords(ctx, []risk.Record{updated}))

		got, err := s.GetRiskRecord(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, 70, got.Score)
		assert.Equal(t, risk.LevelHigh, got.Level)
		assert.Nil(t, got.VelocityHours)
		assert.Equal(t, []string{"fan_in", "velocity"}, got.Triggered)
		assert.True(t, got.LastUpdated.Equal(at.Add(time.Minute)))

		list, err := s.ListRiskRecords(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "B", list[0].AccountID)
		require.NotNil(t, list[0].VelocityHours)
		assert.InDelta(t, 0.5, *list[0].VelocityHours, 1e-9)

		require.NoError(t, s.DeleteRiskRecords(ctx, []string{"A", "missing"}))
		_, err = s.GetRiskRecord(ctx, "A")
		assert.ErrorIs(t, err, ErrNotFound)

		list, err = s.ListRiskRecords(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("empty batches are no-ops", func(t *testing.T) {
		assert.NoError(t, s.SaveTransactions(ctx, nil))
		assert.NoError(t, s.UpsertRiskRecords(ctx, nil))
		assert.NoError(t, s.DeleteRiskRecords(ctx, nil))
	})
}

func TestMemoryStore(t *testing.T) {
	storeConformance(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertRiskRecords(ctx, []risk.Record{record("A", 40, time.Now())}))

	got, err := s.GetRiskRecord(ctx, "A")
	require.NoError(t, err)
	got.Triggered[0] = "mutated"
	*got.VelocityHours = 99

	again, err := s.GetRiskRecord(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "fan_in", again.Triggered[0])
	assert.InDelta(t, 0.5, *again.VelocityHours, 1e-9)
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	storeConformance(t, NewPostgresStore(db))
}
