package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/mulewatch/internal/detector"
	"github.com/mbd888/mulewatch/internal/idgen"
	"github.com/mbd888/mulewatch/internal/ingest"
	"github.com/mbd888/mulewatch/internal/logging"
	"github.com/mbd888/mulewatch/internal/pagination"
	"github.com/mbd888/mulewatch/internal/risk"
	"github.com/mbd888/mulewatch/internal/txstore"
	"github.com/mbd888/mulewatch/internal/validation"
)

const (
	defaultListLimit  = 100
	defaultGraphLimit = 100
)

// submitTransaction is the HTTP form of SubmitTransaction.
func (s *Server) submitTransaction(c *gin.Context) {
	var p ingest.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body must be a JSON transaction: " + err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("id", p.ID, validation.MaxIDLength),
		validation.Required("sender", p.Sender),
		validation.ValidAccountID("sender", p.Sender),
		validation.Required("receiver", p.Receiver),
		validation.ValidAccountID("receiver", p.Receiver),
		validation.DistinctAccounts(p.Sender, p.Receiver),
		validation.ValidAmount("amount", p.Amount),
		validation.NonNegative("timestamp", p.Timestamp),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	tx := p.Transaction(idgen.Transaction(), s.now())

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.SubmitTimeout)
	defer cancel()

	ack, err := s.engine.Submit(ctx, tx)
	if err != nil {
		s.submitError(c, tx, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ack": ack})
}

func (s *Server) submitError(c *gin.Context, tx txstore.Transaction, err error) {
	var verr *txstore.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verr.Field + ": " + verr.Reason,
			"details": validation.ValidationErrors{{Field: verr.Field, Message: verr.Reason}},
		})
	case errors.Is(err, context.DeadlineExceeded):
		// The transaction is queued and will still be processed.
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "timeout",
			"message": "transaction " + tx.ID + " was queued but not processed in time",
		})
	default:
		s.engineError(c, err)
	}
}

// engineError maps the errors of a call that runs on the engine loop.
func (s *Server) engineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, detector.ErrBackpressure):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "busy",
			"message": "engine queue is full, retry later",
		})
	case errors.Is(err, detector.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "engine is shutting down",
		})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "timeout",
			"message": "engine did not answer in time",
		})
	default:
		logging.L(c.Request.Context()).Error("engine call failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}

// listTransactions returns the retained transactions, most recent first.
func (s *Server) listTransactions(c *gin.Context) {
	limit, ok := parseLimit(c, defaultListLimit)
	if !ok {
		return
	}
	account := c.Query("account")
	if account != "" && !validation.IsValidAccountID(account) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_account", "message": "invalid account filter"})
		return
	}

	all := s.broker.Transactions()
	out := make([]txstore.Transaction, 0, min(limit, len(all)))
	for _, tx := range all {
		if len(out) == limit {
			break
		}
		if account != "" && tx.Sender != account && tx.Receiver != account {
			continue
		}
		out = append(out, tx)
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": out,
		"count":        len(out),
		"retained":     len(all),
	})
}

// listRiskRecords returns flagged accounts, highest score first, optionally
// filtered by level and paged with an opaque cursor.
func (s *Server) listRiskRecords(c *gin.Context) {
	limit, ok := parseLimit(c, defaultListLimit)
	if !ok {
		return
	}

	var level risk.Level
	if raw := c.Query("level"); raw != "" {
		if level, ok = parseLevel(raw); !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_level",
				"message": "level must be one of Low, Medium, High",
			})
			return
		}
	}

	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	records := s.broker.RiskRecords()
	if level != "" {
		filtered := records[:0]
		for _, r := range records {
			if r.Level == level {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	page, next := pagination.Page(records, after, limit, func(r risk.Record) pagination.Cursor {
		return pagination.Cursor{Key: int64(r.Score), ID: r.AccountID}
	})

	resp := gin.H{
		"records": page,
		"count":   len(page),
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getRiskRecord(c *gin.Context) {
	account := c.Param("account")
	for _, r := range s.broker.RiskRecords() {
		if r.AccountID == account {
			c.JSON(http.StatusOK, gin.H{"record": r})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": "account is not flagged",
	})
}

// getFeatures runs the extractor on the engine loop.
func (s *Server) getFeatures(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.SubmitTimeout)
	defer cancel()

	f, ok, err := s.engine.Features(ctx, c.Param("account"))
	if err != nil {
		s.engineError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no transactions retained",
		})
		return
	}

	resp := gin.H{
		"features":      f,
		"windowSeconds": int64(f.Window.Seconds()),
	}
	if v, ok := f.VelocityHours(); ok {
		resp["velocityHours"] = v
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, computeStats(s.broker.Transactions(), s.broker.RiskRecords()))
}

func (s *Server) getGraph(c *gin.Context) {
	limit, ok := parseLimit(c, defaultGraphLimit)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, buildGraph(s.broker.Transactions(), s.broker.RiskRecords(), limit))
}

// parseLimit reads ?limit=, writing a 400 when it is not a positive integer.
func parseLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": "limit must be a positive integer",
		})
		return 0, false
	}
	return n, true
}

func parseLevel(s string) (risk.Level, bool) {
	for _, l := range []risk.Level{risk.LevelLow, risk.LevelMedium, risk.LevelHigh} {
		if strings.EqualFold(s, string(l)) {
			return l, true
		}
	}
	return "", false
}
