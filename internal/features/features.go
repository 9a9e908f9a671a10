// Package features derives per-account graph and temporal signals (degree,
// distinct counterparties, pass-through velocity) from the transaction log.
package features

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/mulewatch/internal/txstore"
)

// DefaultWindow is the lookback used when none is configured.
const DefaultWindow = 24 * time.Hour

const msPerHour = float64(time.Hour / time.Millisecond)

// Source answers the two window queries of the transaction log.
type Source interface {
	QueryBySender(account string, since int64) []txstore.Transaction
	QueryByReceiver(account string, since int64) []txstore.Transaction
}

// AccountFeatures is the derived view of one account over a window.
//
// FirstInbound and LastOutbound are unix milliseconds and are only
// meaningful when InDegree (respectively OutDegree) is non-zero.
type AccountFeatures struct {
	AccountID       string          `json:"accountId"`
	AsOf            int64           `json:"asOf"`
	Window          time.Duration   `json:"-"`
	InDegree        int             `json:"inDegree"`
	OutDegree       int             `json:"outDegree"`
	UniqueSenders   int             `json:"uniqueSenders"`
	UniqueReceivers int             `json:"uniqueReceivers"`
	FirstInbound    int64           `json:"firstInbound"`
	LastOutbound    int64           `json:"lastOutbound"`
	InboundVolume   decimal.Decimal `json:"inboundVolume"`
	OutboundVolume  decimal.Decimal `json:"outboundVolume"`
}

// HasInbound reports whether any inbound transfer falls in the window.
func (f AccountFeatures) HasInbound() bool { return f.InDegree > 0 }

// HasOutbound reports whether any outbound transfer falls in the window.
func (f AccountFeatures) HasOutbound() bool { return f.OutDegree > 0 }

// VelocityHours returns |LastOutbound - FirstInbound| in hours. The second
// result is false when either direction has no activity: "no velocity
// signal" is distinct from a velocity of zero.
func (f AccountFeatures) VelocityHours() (float64, bool) {
	if !f.HasInbound() || !f.HasOutbound() {
		return 0, false
	}
	return math.Abs(float64(f.LastOutbound-f.FirstInbound)) / msPerHour, true
}

// Extractor computes AccountFeatures from a Source. It holds no state of its
// own: the result is a pure function of the source contents at call time.
type Extractor struct {
	src Source
}

// NewExtractor creates an extractor over src.
func NewExtractor(src Source) *Extractor {
	return &Extractor{src: src}
}

// Extract computes the features of account over [asOf-window, ∞).
func (e *Extractor) Extract(account string, window time.Duration, asOf int64) AccountFeatures {
	since := asOf - window.Milliseconds()
	inbound := e.src.QueryByReceiver(account, since)
	outbound := e.src.QueryBySender(account, since)

	f := AccountFeatures{
		AccountID:      account,
		AsOf:           asOf,
		Window:         window,
		InDegree:       len(inbound),
		OutDegree:      len(outbound),
		InboundVolume:  decimal.Zero,
		OutboundVolume: decimal.Zero,
	}

	senders := make(map[string]struct{}, len(inbound))
	for i, tx := range inbound {
		senders[tx.Sender] = struct{}{}
		f.InboundVolume = f.InboundVolume.Add(tx.Amount)
		if i == 0 || tx.Timestamp < f.FirstInbound {
			f.FirstInbound = tx.Timestamp
		}
	}

	receivers := make(map[string]struct{}, len(outbound))
	for i, tx := range outbound {
		receivers[tx.Receiver] = struct{}{}
		f.OutboundVolume = f.OutboundVolume.Add(tx.Amount)
		if i == 0 || tx.Timestamp > f.LastOutbound {
			f.LastOutbound = tx.Timestamp
		}
	}

	f.UniqueSenders = len(senders)
	f.UniqueReceivers = len(receivers)
	f.mustBeConsistent()
	return f
}

// mustBeConsistent panics on violations that can only come from a bug in
// the source or the extractor.
func (f AccountFeatures) mustBeConsistent() {
	switch {
	case f.UniqueSenders > f.InDegree:
		panic(fmt.Sprintf("features: %s has %d unique senders for in-degree %d", f.AccountID, f.UniqueSenders, f.InDegree))
	case f.UniqueReceivers > f.OutDegree:
		panic(fmt.Sprintf("features: %s has %d unique receivers for out-degree %d", f.AccountID, f.UniqueReceivers, f.OutDegree))
	case f.InDegree > 0 && f.UniqueSenders == 0, f.OutDegree > 0 && f.UniqueReceivers == 0:
		panic(fmt.Sprintf("features: %s has activity without counterparties", f.AccountID))
	case f.InboundVolume.IsNegative(), f.OutboundVolume.IsNegative():
		panic(fmt.Sprintf("features: %s has negative volume", f.AccountID))
	}
}
