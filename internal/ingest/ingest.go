// Package ingest feeds transactions from an event stream into the engine.
//
// Messages are JSON objects shaped like the HTTP submission body. An offset
// is committed only once its transaction was accepted or found to be
// permanently invalid; a busy engine is retried with exponential backoff so
// nothing already on the topic is lost.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/mbd888/mulewatch/internal/detector"
	"github.com/mbd888/mulewatch/internal/metrics"
	"github.com/mbd888/mulewatch/internal/retry"
	"github.com/mbd888/mulewatch/internal/txstore"
)

// Payload is the wire shape of a submitted transaction. ID and Timestamp are
// optional.
type Payload struct {
	ID        string          `json:"id,omitempty"`
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Transaction fills in the defaults and returns the transaction.
func (p Payload) Transaction(defaultID string, now time.Time) txstore.Transaction {
	tx := txstore.Transaction{
		ID:        p.ID,
		Sender:    p.Sender,
		Receiver:  p.Receiver,
		Amount:    p.Amount,
		Timestamp: p.Timestamp,
	}
	if tx.ID == "" {
		tx.ID = defaultID
	}
	if tx.Timestamp == 0 {
		tx.Timestamp = now.UnixMilli()
	}
	return tx
}

// Submitter is satisfied by *detector.Engine.
type Submitter interface {
	Submit(ctx context.Context, tx txstore.Transaction) (detector.Ack, error)
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderConfig selects the topic to consume.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader creates a consumer-group reader.
func NewReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10 * 1024 * 1024, // 10 MB
	})
}

// DefaultRetryPolicy is used while the engine reports backpressure.
var DefaultRetryPolicy = retry.Policy{
	MaxAttempts: 8,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// Consumer reads messages and submits them to the engine.
type Consumer struct {
	reader    MessageReader
	submitter Submitter
	policy    retry.Policy
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Consumer) { c.policy = p }
}

// WithClock overrides time.Now for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

// NewConsumer creates a consumer reading from r and submitting to s.
func NewConsumer(r MessageReader, s Submitter, opts ...Option) *Consumer {
	c := &Consumer{
		reader:    r,
		submitter: s,
		policy:    DefaultRetryPolicy,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run consumes until ctx is cancelled or the engine closes. It returns nil
// in both cases and an error only if fetching fails.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("ingest consumer starting")

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("ingest consumer stopping")
				return nil
			}
			return fmt.Errorf("ingest: fetch message: %w", err)
		}

		for {
			err := c.handle(ctx, m)
			if err == nil {
				break
			}
			if errors.Is(err, detector.ErrClosed) || ctx.Err() != nil {
				c.logger.Info("ingest consumer stopping", "reason", err)
				return nil
			}
			metrics.IngestMessagesTotal.WithLabelValues("failed").Inc()
			c.logger.Warn("message not accepted, retrying",
				"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", err)
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("commit error",
				"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}

// Close closes the reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("ingest: close reader: %w", err)
	}
	return nil
}

// handle returns nil when the message is done with, either accepted or
// skipped as invalid, and an error when it must be tried again.
func (c *Consumer) handle(ctx context.Context, m kafka.Message) error {
	var p Payload
	if err := json.Unmarshal(m.Value, &p); err != nil {
		metrics.IngestMessagesTotal.WithLabelValues("invalid").Inc()
		c.logger.Warn("skipping malformed message",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", err)
		return nil
	}

	sent := c.now()
	if !m.Time.IsZero() {
		sent = m.Time
	}
	tx := p.Transaction(MessageID(m), sent)

	// A queued transaction runs even if the wait is abandoned, so Submit
	// gets no per-call timeout.
	var ack detector.Ack
	err := c.policy.Do(ctx, func() error {
		var err error
		ack, err = c.submitter.Submit(ctx, tx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, txstore.ErrInvalidTransaction), errors.Is(err, detector.ErrClosed):
			return retry.Permanent(err)
		default:
			return err
		}
	})
	if errors.Is(err, txstore.ErrInvalidTransaction) {
		metrics.IngestMessagesTotal.WithLabelValues("invalid").Inc()
		c.logger.Warn("skipping invalid transaction", "tx", tx.ID, "offset", m.Offset, "error", err)
		return nil
	}
	if err != nil {
		return err
	}

	metrics.IngestMessagesTotal.WithLabelValues("accepted").Inc()
	c.logger.Debug("transaction ingested", "tx", ack.ID, "sequence", ack.Sequence,
		"flagged", ack.Flagged, "cleared", ack.Cleared)
	return nil
}

// MessageID derives a stable transaction id from the message position so a
// redelivered message keeps its id.
func MessageID(m kafka.Message) string {
	return fmt.Sprintf("kafka:%s:%d:%d", m.Topic, m.Partition, m.Offset)
}
