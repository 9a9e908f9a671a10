package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListRiskRecords lists flagged accounts.
func (h *Handlers) HandleListRiskRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level := req.GetString("level", "")
	limit := req.GetInt("limit", 20)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListRiskRecords(ctx, level, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list risk records: %v", err)), nil
	}

	text, err := formatRecordList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk records: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAccountRisk combines an account's record and features.
func (h *Handlers) HandleGetAccountRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	account := req.GetString("account", "")
	if account == "" {
		return mcp.NewToolResultError("account is required"), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %s\n", account)

	raw, err := h.client.GetRiskRecord(ctx, account)
	switch {
	case IsNotFound(err):
		sb.WriteString("Status: not flagged\n")
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk record: %v", err)), nil
	default:
		var resp struct {
			Record map[string]any `json:"record"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil || resp.Record == nil {
			return mcp.NewToolResultError("Failed to parse risk record"), nil
		}
		sb.WriteString("Status: flagged\n")
		writeRecord(&sb, resp.Record, "")
	}

	raw, err = h.client.GetFeatures(ctx, account)
	switch {
	case IsNotFound(err):
		sb.WriteString("\nNo transactions retained yet.\n")
	case err != nil:
		fmt.Fprintf(&sb, "\nFeatures unavailable: %v\n", err)
	default:
		if text, err := formatFeatures(raw); err == nil {
			sb.WriteString("\n")
			sb.WriteString(text)
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListTransactions lists retained transfers.
func (h *Handlers) HandleListTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	account := req.GetString("account", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListTransactions(ctx, account, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}

	text, err := formatTransactionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSubmitTransaction submits a transfer and reports what changed.
func (h *Handlers) HandleSubmitTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sender := req.GetString("sender", "")
	receiver := req.GetString("receiver", "")
	amount := req.GetString("amount", "")
	if sender == "" || receiver == "" || amount == "" {
		return mcp.NewToolResultError("sender, receiver and amount are required"), nil
	}
	timestamp := int64(req.GetFloat("timestamp", 0))

	raw, err := h.client.SubmitTransaction(ctx, sender, receiver, amount, timestamp)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Submission failed: %v", err)), nil
	}

	var resp struct {
		Ack struct {
			ID       string   `json:"id"`
			Sequence uint64   `json:"sequence"`
			Flagged  []string `json:"flagged"`
			Cleared  []string `json:"cleared"`
		} `json:"ack"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse ack: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Accepted %s (sequence %d): %s -> %s, %s\n",
		resp.Ack.ID, resp.Ack.Sequence, sender, receiver, amount)
	if len(resp.Ack.Flagged) > 0 {
		fmt.Fprintf(&sb, "Newly flagged: %s\n", strings.Join(resp.Ack.Flagged, ", "))
	}
	if len(resp.Ack.Cleared) > 0 {
		fmt.Fprintf(&sb, "Cleared: %s\n", strings.Join(resp.Ack.Cleared, ", "))
	}
	if len(resp.Ack.Flagged) == 0 && len(resp.Ack.Cleared) == 0 {
		sb.WriteString("No change to flagged accounts.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetStats returns the engine summary.
func (h *Handlers) HandleGetStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stats: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Engine Stats:\n")
	fmt.Fprintf(&sb, "  Transactions retained: %s\n", getString(m, "totalTransactions"))
	fmt.Fprintf(&sb, "  Flagged accounts:      %s\n", getString(m, "flaggedAccounts"))
	fmt.Fprintf(&sb, "  High risk:             %s\n", getString(m, "suspiciousCount"))
	if v, ok := getFloat(m, "avgRiskScore"); ok {
		fmt.Fprintf(&sb, "  Average score:         %.1f\n", v)
	}
	if v, ok := getFloat(m, "systemHealth"); ok {
		fmt.Fprintf(&sb, "  System health:         %.1f%%\n", v)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatRecordList(raw json.RawMessage) (string, error) {
	var resp struct {
		Records    []map[string]any `json:"records"`
		NextCursor string           `json:"next_cursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Records) == 0 {
		return "No flagged accounts.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d flagged account(s):\n\n", len(resp.Records))
	for i, r := range resp.Records {
		fmt.Fprintf(&sb, "%d. ", i+1)
		writeRecord(&sb, r, "   ")
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "\nMore results: call again with cursor=%s\n", resp.NextCursor)
	}
	return sb.String(), nil
}

// writeRecord renders one risk record. The first line is not indented.
func writeRecord(sb *strings.Builder, r map[string]any, indent string) {
	fmt.Fprintf(sb, "%s  score %s (%s)\n", getString(r, "accountId"), getString(r, "score"), getString(r, "level"))
	if v := getString(r, "reason"); v != "" {
		fmt.Fprintf(sb, "%s  Reason: %s\n", indent, v)
	}
	if rules, ok := r["triggered"].([]any); ok && len(rules) > 0 {
		names := make([]string, 0, len(rules))
		for _, n := range rules {
			if s, ok := n.(string); ok {
				names = append(names, s)
			}
		}
		fmt.Fprintf(sb, "%s  Rules: %s\n", indent, strings.Join(names, ", "))
	}
	fmt.Fprintf(sb, "%s  In/Out degree: %s/%s\n", indent, getString(r, "inDegree"), getString(r, "outDegree"))
	if v, ok := getFloat(r, "velocityHours"); ok {
		fmt.Fprintf(sb, "%s  Velocity: %.2f hours\n", indent, v)
	}
}

func formatFeatures(raw json.RawMessage) (string, error) {
	var resp struct {
		Features      map[string]any `json:"features"`
		WindowSeconds float64        `json:"windowSeconds"`
		VelocityHours *float64       `json:"velocityHours"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	f := resp.Features

	var sb strings.Builder
	fmt.Fprintf(&sb, "Features (last %.0f hours):\n", resp.WindowSeconds/3600)
	fmt.Fprintf(&sb, "  Inbound:  %s transfers from %s senders, volume %s\n",
		getString(f, "inDegree"), getString(f, "uniqueSenders"), getString(f, "inboundVolume"))
	fmt.Fprintf(&sb, "  Outbound: %s transfers to %s receivers, volume %s\n",
		getString(f, "outDegree"), getString(f, "uniqueReceivers"), getString(f, "outboundVolume"))
	if resp.VelocityHours != nil {
		fmt.Fprintf(&sb, "  Velocity: %.2f hours from first inbound to last outbound\n", *resp.VelocityHours)
	}
	return sb.String(), nil
}

func formatTransactionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []map[string]any `json:"transactions"`
		Retained     int              `json:"retained"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Transactions) == 0 {
		return "No transactions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Showing %d of %d retained transaction(s):\n\n", len(resp.Transactions), resp.Retained)
	for i, tx := range resp.Transactions {
		fmt.Fprintf(&sb, "%d. %s: %s -> %s, %s at %s\n", i+1,
			getString(tx, "id"), getString(tx, "sender"), getString(tx, "receiver"),
			getString(tx, "amount"), getString(tx, "timestamp"))
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return strconv.FormatFloat(f, 'f', -1, 64)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
