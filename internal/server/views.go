package server

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mbd888/mulewatch/internal/risk"
	"github.com/mbd888/mulewatch/internal/txstore"
)

// Stats is the dashboard header summary.
type Stats struct {
	TotalTransactions int     `json:"totalTransactions"`
	FlaggedAccounts   int     `json:"flaggedAccounts"`
	SuspiciousCount   int     `json:"suspiciousCount"` // High records only
	AvgRiskScore      float64 `json:"avgRiskScore"`
	SystemHealth      float64 `json:"systemHealth"`
}

// computeStats derives Stats from one pair of snapshots. Health starts at
// 100 and loses half a point per High record, floored at 0.
func computeStats(txs []txstore.Transaction, records []risk.Record) Stats {
	s := Stats{
		TotalTransactions: len(txs),
		FlaggedAccounts:   len(records),
	}
	total := 0
	for _, r := range records {
		total += r.Score
		if r.Level == risk.LevelHigh {
			s.SuspiciousCount++
		}
	}
	if len(records) > 0 {
		s.AvgRiskScore = round1(float64(total) / float64(len(records)))
	}
	s.SystemHealth = round1(math.Max(0, 100-0.5*float64(s.SuspiciousCount)))
	return s
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

// GraphNode is an account seen in the graph window.
type GraphNode struct {
	ID    string     `json:"id"`
	Level risk.Level `json:"level"`
	Score int        `json:"score"`
}

// GraphLink aggregates every transfer from Source to Target.
type GraphLink struct {
	Source string          `json:"source"`
	Target string          `json:"target"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Graph is the transfer network over the most recent transactions.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Links []GraphLink `json:"links"`
}

// buildGraph aggregates the first limit transactions of the most-recent-first
// snapshot. Accounts without a risk record are Low with score 0.
func buildGraph(txs []txstore.Transaction, records []risk.Record, limit int) Graph {
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	byAccount := make(map[string]risk.Record, len(records))
	for _, r := range records {
		byAccount[r.AccountID] = r
	}

	type pair struct{ from, to string }
	links := make(map[pair]*GraphLink)
	nodes := make(map[string]GraphNode)
	node := func(id string) {
		if _, ok := nodes[id]; ok {
			return
		}
		n := GraphNode{ID: id, Level: risk.LevelLow}
		if r, ok := byAccount[id]; ok {
			n.Level, n.Score = r.Level, r.Score
		}
		nodes[id] = n
	}

	for _, tx := range txs {
		node(tx.Sender)
		node(tx.Receiver)
		k := pair{tx.Sender, tx.Receiver}
		l, ok := links[k]
		if !ok {
			l = &GraphLink{Source: tx.Sender, Target: tx.Receiver, Amount: decimal.Zero}
			links[k] = l
		}
		l.Count++
		l.Amount = l.Amount.Add(tx.Amount)
	}

	g := Graph{Nodes: make([]GraphNode, 0, len(nodes)), Links: make([]GraphLink, 0, len(links))}
	for _, n := range nodes {
		g.Nodes = append(g.Nodes, n)
	}
	for _, l := range links {
		g.Links = append(g.Links, *l)
	}
	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].ID < g.Nodes[j].ID })
	sort.Slice(g.Links, func(i, j int) bool {
		if g.Links[i].Source != g.Links[j].Source {
			return g.Links[i].Source < g.Links[j].Source
		}
		return g.Links[i].Target < g.Links[j].Target
	})
	return g
}
