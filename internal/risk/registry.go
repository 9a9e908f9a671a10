package risk

import (
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/mulewatch/internal/features"
)

// Transition describes what an Upsert did to an account's record.
type Transition int

const (
	Unchanged Transition = iota // Absent before and after
	Flagged                     // Absent -> Flagged
	Updated                     // Flagged -> Flagged
	Cleared                     // Flagged -> Absent
)

func (t Transition) String() string {
	switch t {
	case Unchanged:
		return "unchanged"
	case Flagged:
		return "flagged"
	case Updated:
		return "updated"
	case Cleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Registry holds the current record of every flagged account. It keeps no
// history and, like the transaction store, is owned by a single goroutine.
type Registry struct {
	threshold int
	bands     Bands
	records   map[string]Record
	now       func() time.Time
}

// NewRegistry creates a registry. An account is flagged when its score is
// strictly greater than threshold.
func NewRegistry(threshold int, bands Bands) *Registry {
	if threshold < 0 {
		panic(fmt.Sprintf("risk: negative reportable threshold %d", threshold))
	}
	return &Registry{
		threshold: threshold,
		bands:     bands,
		records:   make(map[string]Record),
		now:       time.Now,
	}
}

// WithClock overrides the clock used for LastUpdated.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Threshold returns the reportable threshold.
func (r *Registry) Threshold() int { return r.threshold }

// Bands returns the level bands.
func (r *Registry) Bands() Bands { return r.bands }

// Upsert writes the record of f.AccountID when a.Score exceeds the
// threshold and deletes it otherwise.
func (r *Registry) Upsert(f features.AccountFeatures, a Assessment) (Record, Transition) {
	if a.Score < 0 {
		panic(fmt.Sprintf("risk: negative score %d for %s", a.Score, f.AccountID))
	}
	_, existed := r.records[f.AccountID]

	if a.Score <= r.threshold {
		if !existed {
			return Record{}, Unchanged
		}
		delete(r.records, f.AccountID)
		return Record{}, Cleared
	}

	rec := Record{
		AccountID:   f.AccountID,
		InDegree:    f.InDegree,
		OutDegree:   f.OutDegree,
		Score:       a.Score,
		Level:       r.bands.LevelFor(a.Score),
		Reason:      a.Reason,
		Triggered:   append([]string(nil), a.Triggered...),
		LastUpdated: r.now().UTC(),
	}
	if hours, ok := f.VelocityHours(); ok {
		rec.VelocityHours = &hours
	}
	r.records[f.AccountID] = rec

	if existed {
		return rec.Clone(), Updated
	}
	return rec.Clone(), Flagged
}

// Get returns a copy of the record of account.
func (r *Registry) Get(account string) (Record, bool) {
	rec, ok := r.records[account]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Len returns the number of flagged accounts.
func (r *Registry) Len() int { return len(r.records) }

// Snapshot returns copies of every record, highest score first, ties by
// account id.
func (r *Registry) Snapshot() []Record {
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}
