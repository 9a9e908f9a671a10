// Package archive mirrors the engine's published state into durable storage.
//
// The engine itself keeps everything in memory. The archive is a collaborator
// that observes the transaction and risk-record snapshots, writes newly seen
// transactions and the current set of flagged accounts, and can hand the most
// recent transactions back at start-up so the engine can be re-seeded.
package archive

import (
	"context"
	"errors"

	"github.com/mbd888/mulewatch/internal/risk"
	"github.com/mbd888/mulewatch/internal/txstore"
)

// ErrNotFound is returned when an account has no archived risk record.
var ErrNotFound = errors.New("archive: not found")

// Store persists transactions and risk records.
//
// SaveTransactions is insert-only: a transaction whose id is already archived
// is ignored. UpsertRiskRecords overwrites by account id.
type Store interface {
	SaveTransactions(ctx context.Context, txs []txstore.Transaction) error
	UpsertRiskRecords(ctx context.Context, records []risk.Record) error
	DeleteRiskRecords(ctx context.Context, accounts []string) error

	// RecentTransactions returns at most limit transactions, oldest first,
	// so they can be replayed in arrival order.
	RecentTransactions(ctx context.Context, limit int) ([]txstore.Transaction, error)
	ListRiskRecords(ctx context.Context) ([]risk.Record, error)
	GetRiskRecord(ctx context.Context, account string) (risk.Record, error)
}
