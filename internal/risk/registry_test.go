package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestBands_LevelFor(t *testing.T) {
	b := DefaultBands()
	assert.Equal(t, LevelLow, b.LevelFor(39))
	assert.Equal(t, LevelMedium, b.LevelFor(40))
	assert.Equal(t, LevelMedium, b.LevelFor(69))
	assert.Equal(t, LevelHigh, b.LevelFor(70))
	assert.NoError(t, b.Validate())
	assert.Error(t, Bands{Medium: 70, High: 70}.Validate())
}

func TestRegistry_ThresholdBoundary(t *testing.T) {
	r := NewRegistry(10, DefaultBands()).WithClock(fixedClock())
	f := feat(1, 1, 1, 1, 0, hourMs)

	_, tr := r.Upsert(f, Assessment{Score: 10})
	assert.Equal(t, Unchanged, tr, "score equal to threshold stays absent")
	_, ok := r.Get("ACC")
	assert.False(t, ok)

	rec, tr := r.Upsert(f, Assessment{Score: 11, Reason: "x", Triggered: []string{"custom"}})
	assert.Equal(t, Flagged, tr, "one above threshold is flagged")
	assert.Equal(t, LevelLow, rec.Level)
	require.NotNil(t, rec.VelocityHours)
	assert.InDelta(t, 1.0, *rec.VelocityHours, 1e-9)
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry(10, DefaultBands()).WithClock(fixedClock())
	f := feat(4, 1, 4, 1, 0, 0)

	_, tr := r.Upsert(f, Assessment{Score: 40, Reason: "fan"})
	assert.Equal(t, Flagged, tr)

	rec, tr := r.Upsert(f, Assessment{Score: 70, Reason: "both"})
	assert.Equal(t, Updated, tr)
	assert.Equal(t, LevelHigh, rec.Level)
	assert.Equal(t, 1, r.Len())

	_, tr = r.Upsert(f, Assessment{Score: 0})
	assert.Equal(t, Cleared, tr)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_NoVelocityLeavesFieldNil(t *testing.T) {
	r := NewRegistry(10, DefaultBands())
	rec, _ := r.Upsert(feat(4, 0, 4, 0, 0, 0), Assessment{Score: 40})
	assert.Nil(t, rec.VelocityHours)
}

func TestRegistry_SnapshotIsOrderedCopy(t *testing.T) {
	r := NewRegistry(10, DefaultBands())
	a, b, c := feat(1, 1, 1, 1, 0, 0), feat(1, 1, 1, 1, 0, 0), feat(1, 1, 1, 1, 0, 0)
	a.AccountID, b.AccountID, c.AccountID = "A", "B", "C"
	r.Upsert(a, Assessment{Score: 20, Triggered: []string{"hub"}})
	r.Upsert(b, Assessment{Score: 70})
	r.Upsert(c, Assessment{Score: 20})

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"B", "A", "C"}, []string{snap[0].AccountID, snap[1].AccountID, snap[2].AccountID})

	snap[1].Triggered[0] = "mutated"
	rec, _ := r.Get("A")
	assert.Equal(t, "hub", rec.Triggered[0], "snapshot must not alias registry state")
}

func TestTransitionString(t *testing.T) {
	assert.Equal(t, "flagged", Flagged.String())
	assert.Equal(t, "cleared", Cleared.String())
}
