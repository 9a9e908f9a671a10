package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.3.0"

// NewMCPServer creates a configured MCP server with all mulewatch tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("mulewatch", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListRiskRecords, h.HandleListRiskRecords)
	s.AddTool(ToolGetAccountRisk, h.HandleGetAccountRisk)
	s.AddTool(ToolListTransactions, h.HandleListTransactions)
	s.AddTool(ToolSubmitTransaction, h.HandleSubmitTransaction)
	s.AddTool(ToolGetStats, h.HandleGetStats)

	return s
}
