package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the mulewatch MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListRiskRecords = mcp.NewTool("list_risk_records",
	mcp.WithDescription(
		"List accounts currently flagged as possible money mules, highest risk score first. "+
			"Each record shows the score, the level (Low/Medium/High), the reason and the rules that fired."),
	mcp.WithString("level",
		mcp.Description("Only return records at this level"),
		mcp.Enum("Low", "Medium", "High")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("next_cursor from a previous call, to fetch the following page")),
)

var ToolGetAccountRisk = mcp.NewTool("get_account_risk",
	mcp.WithDescription(
		"Explain the risk of one account: its risk record if it is flagged, plus the graph features "+
			"(in/out degree, distinct counterparties, inbound to outbound velocity, volumes) it was scored on."),
	mcp.WithString("account",
		mcp.Required(),
		mcp.Description("Account id (e.g. 'ACC_00123')")),
)

var ToolListTransactions = mcp.NewTool("list_transactions",
	mcp.WithDescription(
		"List recent transfers retained by the engine, most recent first. "+
			"Filter by account to see everything it sent or received."),
	mcp.WithString("account",
		mcp.Description("Only transfers where this account is sender or receiver")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
)

var ToolSubmitTransaction = mcp.NewTool("submit_transaction",
	mcp.WithDescription(
		"Submit a transfer to the detection engine. The engine rescores sender and receiver "+
			"and reports which accounts became flagged or were cleared."),
	mcp.WithString("sender",
		mcp.Required(),
		mcp.Description("Sending account id")),
	mcp.WithString("receiver",
		mcp.Required(),
		mcp.Description("Receiving account id, must differ from sender")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Positive decimal amount (e.g. '250.00')")),
	mcp.WithNumber("timestamp",
		mcp.Description("Event time in Unix milliseconds. Defaults to now.")),
)

var ToolGetStats = mcp.NewTool("get_stats",
	mcp.WithDescription(
		"Get a summary of the engine: retained transactions, flagged accounts, "+
			"High-risk count, average risk score and overall system health."),
)
