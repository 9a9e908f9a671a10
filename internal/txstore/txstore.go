// Package txstore holds the append-only, bounded record of money transfers
// that every risk computation reads from.
//
// The store keeps the most recent Capacity transactions in arrival order
// (a ring, not an LRU) and maintains per-account sender/receiver indexes so
// that window queries cost O(degree of the account) rather than O(store).
// Appending is O(1) amortised, including eviction of the oldest entry.
//
// A Store is owned by a single goroutine (the detector loop) and performs no
// locking of its own.
package txstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCapacity is the number of transactions retained when no capacity is
// configured.
const DefaultCapacity = 500

// Amount bounds. Amounts carry at most MaxAmountScale decimal places and
// MaxAmountIntegerDigits digits before the point, which keeps every decimal
// operation on them cheap however the value was written.
const (
	MaxAmountScale         = 18
	MaxAmountIntegerDigits = 24
)

// ErrInvalidTransaction is matched by every ValidationError.
var ErrInvalidTransaction = errors.New("txstore: invalid transaction")

// Transaction is an immutable transfer between two accounts.
// Timestamp is event time in unix milliseconds.
type Transaction struct {
	ID        string          `json:"id"`
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp"`
}

// Time returns the event time as a time.Time.
func (t Transaction) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// ValidationError explains why a transaction was rejected.
type ValidationError struct {
	TxID   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.TxID == "" {
		return fmt.Sprintf("txstore: invalid transaction: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("txstore: invalid transaction %s: %s %s", e.TxID, e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidTransaction) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidTransaction
}

// Validate checks the invariants every stored transaction must satisfy.
func Validate(tx Transaction) error {
	invalid := func(field, reason string) error {
		return &ValidationError{TxID: tx.ID, Field: field, Reason: reason}
	}
	switch {
	case tx.ID == "":
		return invalid("id", "is required")
	case tx.Sender == "":
		return invalid("sender", "is required")
	case tx.Receiver == "":
		return invalid("receiver", "is required")
	case tx.Sender == tx.Receiver:
		return invalid("receiver", "must differ from sender")
	case !tx.Amount.IsPositive():
		return invalid("amount", "must be positive")
	case CheckAmount(tx.Amount) != "":
		return invalid("amount", CheckAmount(tx.Amount))
	case tx.Timestamp < 0:
		return invalid("timestamp", "must not be negative")
	}
	return nil
}

// CheckAmount reports why d is outside the amount bounds, or "" when it is
// within them. The exponent is checked before anything that expands the
// coefficient.
func CheckAmount(d decimal.Decimal) string {
	exp := int64(d.Exponent())
	if exp < -MaxAmountScale {
		return fmt.Sprintf("must have at most %d decimal places", MaxAmountScale)
	}
	// Four bits per digit is a loose gate ahead of the exact digit count.
	if exp >= MaxAmountIntegerDigits ||
		d.Coefficient().BitLen() > 4*(MaxAmountScale+MaxAmountIntegerDigits) ||
		int64(d.NumDigits())+exp > MaxAmountIntegerDigits {
		return fmt.Sprintf("must have at most %d integer digits", MaxAmountIntegerDigits)
	}
	return ""
}

// Store is the bounded transaction log.
type Store struct {
	capacity int
	ring     []Transaction
	next     uint64 // sequence number the next append receives

	// Sequence numbers per account, oldest first. Eviction always removes
	// the head of both lists touched by the evicted transaction.
	bySender   map[string][]uint64
	byReceiver map[string][]uint64
}

// New creates a store retaining at most capacity transactions.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity:   capacity,
		ring:       make([]Transaction, capacity),
		bySender:   make(map[string][]uint64),
		byReceiver: make(map[string][]uint64),
	}
}

// Capacity returns the retention bound.
func (s *Store) Capacity() int { return s.capacity }

// Len returns the number of retained transactions.
func (s *Store) Len() int {
	if s.next < uint64(s.capacity) {
		return int(s.next)
	}
	return s.capacity
}

// Appended returns how many transactions were ever accepted.
func (s *Store) Appended() uint64 { return s.next }

// Append validates tx and inserts it, evicting the oldest transaction once
// the store is full. It returns the sequence number assigned to tx.
func (s *Store) Append(tx Transaction) (uint64, error) {
	if err := Validate(tx); err != nil {
		return 0, err
	}

	if s.next >= uint64(s.capacity) {
		s.evict(s.next - uint64(s.capacity))
	}

	seq := s.next
	s.ring[seq%uint64(s.capacity)] = tx
	s.bySender[tx.Sender] = append(s.bySender[tx.Sender], seq)
	s.byReceiver[tx.Receiver] = append(s.byReceiver[tx.Receiver], seq)
	s.next++
	return seq, nil
}

// evict drops the transaction with sequence seq, which must be the oldest.
func (s *Store) evict(seq uint64) {
	old := s.ring[seq%uint64(s.capacity)]
	popHead(s.bySender, old.Sender, seq)
	popHead(s.byReceiver, old.Receiver, seq)
	s.ring[seq%uint64(s.capacity)] = Transaction{}
}

func popHead(index map[string][]uint64, account string, seq uint64) {
	list := index[account]
	if len(list) == 0 || list[0] != seq {
		panic(fmt.Sprintf("txstore: index for %q out of order: evicting %d", account, seq))
	}
	if len(list) == 1 {
		delete(index, account)
		return
	}
	index[account] = list[1:]
}

// QueryBySender returns the retained transactions sent by account with
// Timestamp >= since. Callers must not rely on the order of the result.
func (s *Store) QueryBySender(account string, since int64) []Transaction {
	return s.collect(s.bySender[account], since)
}

// QueryByReceiver is the receiver-side counterpart of QueryBySender.
func (s *Store) QueryByReceiver(account string, since int64) []Transaction {
	return s.collect(s.byReceiver[account], since)
}

func (s *Store) collect(seqs []uint64, since int64) []Transaction {
	if len(seqs) == 0 {
		return nil
	}
	out := make([]Transaction, 0, len(seqs))
	for _, seq := range seqs {
		tx := s.ring[seq%uint64(s.capacity)]
		if tx.Timestamp >= since {
			out = append(out, tx)
		}
	}
	return out
}

// Latest returns a copy of the retained transactions, most recent first.
func (s *Store) Latest() []Transaction {
	n := s.Len()
	out := make([]Transaction, 0, n)
	for i := 0; i < n; i++ {
		seq := s.next - 1 - uint64(i)
		out = append(out, s.ring[seq%uint64(s.capacity)])
	}
	return out
}

// Accounts returns every account id that appears in a retained transaction.
func (s *Store) Accounts() []string {
	seen := make(map[string]struct{}, len(s.bySender)+len(s.byReceiver))
	var out []string
	for _, index := range []map[string][]uint64{s.bySender, s.byReceiver} {
		for account := range index {
			if _, ok := seen[account]; ok {
				continue
			}
			seen[account] = struct{}{}
			out = append(out, account)
		}
	}
	return out
}

// NewestTimestamp returns the largest event time among retained
// transactions, or false when the store is empty.
func (s *Store) NewestTimestamp() (int64, bool) {
	n := s.Len()
	if n == 0 {
		return 0, false
	}
	var newest int64
	for i := 0; i < n; i++ {
		if ts := s.ring[(s.next-1-uint64(i))%uint64(s.capacity)].Timestamp; ts > newest {
			newest = ts
		}
	}
	return newest, true
}
