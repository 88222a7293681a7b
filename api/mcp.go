package api

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/harvest/kit"
)

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// RegisterMCP adds the extraction tools to srv.
func (a *API) RegisterMCP(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "run_extraction",
		Description: "Export one data domain of a seller shop and return the canonical artifact path. Set queue to submit it in the background.",
		InputSchema: inputSchema(map[string]any{
			"id":            str("Optional job ID"),
			"platform":      str("Platform key from the catalog, e.g. shopee"),
			"account_id":    str("Account ID"),
			"account_label": str("Account label used in file names"),
			"shop_name":     str("Shop display name"),
			"shop_id":       str("Platform shop ID"),
			"data_domain":   str("Data domain, e.g. orders"),
			"subtype":       str("Optional data subtype"),
			"granularity":   str("daily, weekly, monthly or custom"),
			"start":         str("Range start, YYYY-MM-DD"),
			"end":           str("Range end, YYYY-MM-DD"),
			"timeout":       str("Job timeout, e.g. 10m"),
			"queue":         map[string]any{"type": "boolean", "description": "Queue the job instead of waiting for it"},
		}, []string{"platform", "account_id", "shop_name", "data_domain"}),
	}, a.run, kit.DecodeJSON[ExtractionRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "get_extraction",
		Description: "Return the ledger entry of an extraction job.",
		InputSchema: inputSchema(map[string]any{
			"id": str("Job ID"),
		}, []string{"id"}),
	}, a.get, kit.DecodeJSON[StatusRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "list_extractions",
		Description: "List recent extraction jobs, newest first.",
		InputSchema: inputSchema(map[string]any{
			"platform":   str("Filter by platform"),
			"account_id": str("Filter by account"),
			"status":     str("queued, running, succeeded or failed"),
			"limit":      map[string]any{"type": "integer", "description": "Maximum rows, default 50"},
		}, nil),
	}, a.list, kit.DecodeJSON[ListRequest]())
}
