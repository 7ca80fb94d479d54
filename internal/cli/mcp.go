package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/colthorp/attendsync-go/internal/cache"
	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/queue"
	"github.com/colthorp/attendsync-go/internal/worker"
)

// MCP Protocol types
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type MCPInitializeResult struct {
	ProtocolVersion string        `json:"protocolVersion"`
	ServerInfo      MCPServerInfo `json:"serverInfo"`
	Capabilities    interface{}   `json:"capabilities"`
}

// PendingMutationsParams are the parameters for the pending_mutations tool
type PendingMutationsParams struct {
	IncludeDeadLetters bool `json:"include_dead_letters"`
}

// DrainQueueParams are the parameters for the drain_queue tool
type DrainQueueParams struct {
	Tag string `json:"tag"`
}

// CacheLookupParams are the parameters for the cache_lookup tool
type CacheLookupParams struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

// mcpServer answers JSON-RPC requests, one per line, against a worker.
type mcpServer struct {
	ctx    context.Context
	worker *worker.Worker
	out    io.Writer
}

// runMCPServer serves MCP over in/out until in is exhausted.
func runMCPServer(ctx context.Context, w *worker.Worker, in io.Reader, out io.Writer) error {
	s := &mcpServer{ctx: ctx, worker: w, out: out}

	scanner := bufio.NewScanner(in)
	// Increase buffer size for large messages
	const maxCapacity = 10 * 1024 * 1024 // 10MB
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var req MCPRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			// For parse errors, we can't know the ID, so we log to stderr
			// but don't send a response (which would have id: null and confuse clients)
			fmt.Fprintf(os.Stderr, "[MCP] Parse error: %v\n", err)
			continue
		}

		s.handle(&req)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	return nil
}

func (s *mcpServer) handle(req *MCPRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "initialized", "notifications/initialized":
		// Notifications don't get responses
		return
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolsCall(req)
	default:
		// Notifications (no ID) are ignored per JSON-RPC
		if req.ID != nil {
			s.sendError(req.ID, -32601, "Method not found", req.Method)
		}
	}
}

func (s *mcpServer) handleInitialize(req *MCPRequest) {
	result := MCPInitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo: MCPServerInfo{
			Name:    "attendsync",
			Version: core.Version,
		},
		Capabilities: map[string]interface{}{
			"tools": map[string]interface{}{},
		},
	}
	s.sendResponse(req.ID, result)
}

func toolList() []MCPToolInfo {
	return []MCPToolInfo{
		{
			Name:        "pending_mutations",
			Description: "List attendance writes waiting to be replayed, oldest first.\n\nArgs:\n    include_dead_letters: Also return mutations the server rejected permanently\n\nReturns:\n    Dictionary with the queue count and records",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"include_dead_letters": map[string]interface{}{
						"type":        "boolean",
						"description": "Also return dead-lettered mutations",
						"default":     false,
					},
				},
			},
		},
		{
			Name:        "drain_queue",
			Description: "Replay every pending mutation against the server once.\n\nArgs:\n    tag: Sync tag (default: " + core.SyncTag + ")\n\nReturns:\n    Per-record outcomes and the number still queued",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"tag": map[string]interface{}{
						"type":        "string",
						"description": "Sync tag to fire",
						"default":     core.SyncTag,
					},
				},
			},
		},
		{
			Name:        "cache_lookup",
			Description: "Look up a cached response, STATIC generation first then DYNAMIC.\n\nArgs:\n    url: Absolute URL or path on the origin\n    method: HTTP method (default: GET)\n\nReturns:\n    Whether the key is cached and the stored entry",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url": map[string]interface{}{
						"type":        "string",
						"description": "URL or origin-relative path",
					},
					"method": map[string]interface{}{
						"type":        "string",
						"description": "HTTP method",
						"default":     "GET",
					},
				},
				"required": []string{"url"},
			},
		},
	}
}

func (s *mcpServer) handleToolsList(req *MCPRequest) {
	s.sendResponse(req.ID, map[string]interface{}{"tools": toolList()})
}

func (s *mcpServer) handleToolsCall(req *MCPRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, -32602, "Invalid params", err.Error())
		return
	}
	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage("{}")
	}

	switch params.Name {
	case "pending_mutations":
		s.handlePendingMutations(req.ID, params.Arguments)
	case "drain_queue":
		s.handleDrainQueue(req.ID, params.Arguments)
	case "cache_lookup":
		s.handleCacheLookup(req.ID, params.Arguments)
	default:
		s.sendError(req.ID, -32602, "Unknown tool", params.Name)
	}
}

func (s *mcpServer) handlePendingMutations(id interface{}, argsJSON json.RawMessage) {
	var args PendingMutationsParams
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		s.sendToolError(id, fmt.Sprintf("Invalid arguments: %v", err))
		return
	}

	records, err := s.worker.Store().ListAll(s.ctx)
	if err != nil {
		s.sendToolError(id, fmt.Sprintf("Failed to read queue: %v", err))
		return
	}
	result := map[string]interface{}{
		"count":     len(records),
		"mutations": formatMutationsForDisplay(records),
	}
	if args.IncludeDeadLetters {
		dead, err := s.worker.Store().ListDeadLetters(s.ctx)
		if err != nil {
			s.sendToolError(id, fmt.Sprintf("Failed to read dead letters: %v", err))
			return
		}
		deadFormatted := make([]map[string]interface{}, 0, len(dead))
		for _, d := range dead {
			deadFormatted = append(deadFormatted, map[string]interface{}{
				"id":       d.Mutation.ID,
				"method":   d.Mutation.Method,
				"endpoint": d.Mutation.Endpoint,
				"status":   d.Status,
				"reason":   d.Reason,
				"dead_at":  core.FormatTimestamp(d.DeadAt),
			})
		}
		result["dead_letters"] = deadFormatted
	}
	s.sendToolResult(id, result)
}

func (s *mcpServer) handleDrainQueue(id interface{}, argsJSON json.RawMessage) {
	var args DrainQueueParams
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		s.sendToolError(id, fmt.Sprintf("Invalid arguments: %v", err))
		return
	}
	if args.Tag == "" {
		args.Tag = core.SyncTag
	}

	done, err := s.worker.Dispatch(s.ctx, worker.Event{Kind: worker.EventSync, Tag: args.Tag})
	if err != nil {
		s.sendToolResult(id, map[string]interface{}{
			"error": fmt.Sprintf("Drain failed: %v", err),
			"tag":   args.Tag,
		})
		return
	}
	s.sendToolResult(id, done.Sync)
}

func (s *mcpServer) handleCacheLookup(id interface{}, argsJSON json.RawMessage) {
	var args CacheLookupParams
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		s.sendToolError(id, fmt.Sprintf("Invalid arguments: %v", err))
		return
	}
	if strings.TrimSpace(args.URL) == "" {
		s.sendToolError(id, "url is required")
		return
	}
	target := args.URL
	if strings.HasPrefix(target, "/") {
		target = s.worker.Interceptor().Origin() + target
	}

	key := cache.CanonicalKey(args.Method, target)
	entry, ok := s.worker.Cache().Lookup(key)
	result := map[string]interface{}{
		"key": key,
		"hit": ok,
	}
	if ok {
		result["entry"] = formatEntryForDisplay(entry)
	}
	s.sendToolResult(id, result)
}

// formatMutationsForDisplay leaves out auth tokens.
func formatMutationsForDisplay(records []queue.PendingMutation) []map[string]interface{} {
	formatted := make([]map[string]interface{}, 0, len(records))
	for _, m := range records {
		body := string(m.Body)
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		formatted = append(formatted, map[string]interface{}{
			"id":            m.ID,
			"method":        m.Method,
			"endpoint":      m.Endpoint,
			"enqueued_at":   core.FormatTimestamp(m.EnqueuedAt),
			"token_present": m.AuthToken != "",
			"body":          body,
		})
	}
	return formatted
}

func formatEntryForDisplay(e *cache.Entry) map[string]interface{} {
	out := map[string]interface{}{
		"key":       e.Key,
		"status":    e.Status,
		"tier":      e.Tier,
		"stored_at": core.FormatTimestamp(e.StoredAt),
		"bytes":     len(e.Payload),
	}
	if ct := e.Headers["Content-Type"]; ct != "" {
		out["content_type"] = ct
	}
	preview := string(e.Payload)
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	out["preview"] = preview
	return out
}

func (s *mcpServer) sendResponse(id interface{}, result interface{}) {
	resp := MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	data, _ := json.Marshal(resp)
	fmt.Fprintln(s.out, string(data))
}

func (s *mcpServer) sendError(id interface{}, code int, message, data string) {
	resp := MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	data2, _ := json.Marshal(resp)
	fmt.Fprintln(s.out, string(data2))
}

func (s *mcpServer) sendToolResult(id interface{}, result interface{}) {
	s.sendResponse(id, map[string]interface{}{
		"content": []map[string]interface{}{
			{
				"type": "text",
				"text": mustMarshal(result),
			},
		},
	})
}

func (s *mcpServer) sendToolError(id interface{}, message string) {
	s.sendResponse(id, map[string]interface{}{
		"content": []map[string]interface{}{
			{
				"type": "text",
				"text": message,
			},
		},
		"isError": true,
	})
}

func mustMarshal(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return string(data)
}
