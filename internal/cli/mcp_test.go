package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/colthorp/attendsync-go/internal/api"
	"github.com/colthorp/attendsync-go/internal/cache"
	"github.com/colthorp/attendsync-go/internal/config"
	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/queue"
	"github.com/colthorp/attendsync-go/internal/worker"
)

const testOrigin = "https://school.test"

func newTestWorker(t *testing.T, transport *api.InMemoryTransport) *worker.Worker {
	t.Helper()
	cfg := config.Default()
	cfg.Origin = testOrigin
	w, err := worker.Build(cfg, worker.BuildOptions{Transport: transport, InMemory: true})
	if err != nil {
		t.Fatalf("build worker: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

// callMCP feeds lines to the server and returns one decoded response per
// response line.
func callMCP(t *testing.T, w *worker.Worker, lines ...string) []MCPResponse {
	t.Helper()
	var out bytes.Buffer
	if err := runMCPServer(context.Background(), w, strings.NewReader(strings.Join(lines, "\n")), &out); err != nil {
		t.Fatalf("runMCPServer: %v", err)
	}

	var responses []MCPResponse
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp MCPResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("bad response line %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

// toolText extracts the text payload of a tools/call result.
func toolText(t *testing.T, resp MCPResponse) (string, bool) {
	t.Helper()
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected result object, got %#v", resp.Result)
	}
	content := result["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)
	isErr, _ := result["isError"].(bool)
	return text, isErr
}

func TestMCPRequestParsing(t *testing.T) {
	// Test initialize request
	initReq := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`
	var req MCPRequest
	if err := json.Unmarshal([]byte(initReq), &req); err != nil {
		t.Fatalf("Failed to parse initialize request: %v", err)
	}
	if req.Method != "initialize" {
		t.Errorf("Expected method 'initialize', got %s", req.Method)
	}

	// Test tools/call request
	callReq := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"drain_queue","arguments":{}}}`
	if err := json.Unmarshal([]byte(callReq), &req); err != nil {
		t.Fatalf("Failed to parse tools/call request: %v", err)
	}
	if req.Method != "tools/call" {
		t.Errorf("Expected method 'tools/call', got %s", req.Method)
	}
}

func TestMCPResponseFormat(t *testing.T) {
	errResp := MCPResponse{
		JSONRPC: "2.0",
		ID:      2,
		Error: &MCPError{
			Code:    -32600,
			Message: "Invalid Request",
		},
	}

	data, err := json.Marshal(errResp)
	if err != nil {
		t.Fatalf("Failed to marshal error response: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Failed to parse error response: %v", err)
	}
	if _, ok := parsed["result"]; ok {
		t.Error("Expected result to be omitted from error response")
	}
	errorObj := parsed["error"].(map[string]interface{})
	if errorObj["code"].(float64) != -32600 {
		t.Errorf("Expected error code -32600, got %v", errorObj["code"])
	}
}

func TestMCPInitializeAndToolsList(t *testing.T) {
	w := newTestWorker(t, api.NewInMemoryTransport())
	responses := callMCP(t, w,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`not json`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/list"}`,
	)

	if len(responses) != 3 {
		t.Fatalf("Expected 3 responses, got %d", len(responses))
	}

	info := responses[0].Result.(map[string]interface{})["serverInfo"].(map[string]interface{})
	if info["name"] != "attendsync" || info["version"] != core.Version {
		t.Errorf("unexpected serverInfo %v", info)
	}

	tools := responses[1].Result.(map[string]interface{})["tools"].([]interface{})
	var names []string
	for _, tool := range tools {
		names = append(names, tool.(map[string]interface{})["name"].(string))
	}
	if strings.Join(names, ",") != "pending_mutations,drain_queue,cache_lookup" {
		t.Errorf("unexpected tools %v", names)
	}

	if responses[2].Error == nil || responses[2].Error.Code != -32601 {
		t.Errorf("Expected method-not-found error, got %+v", responses[2])
	}
}

func TestMCPPendingMutationsHidesTokens(t *testing.T) {
	w := newTestWorker(t, api.NewInMemoryTransport())
	ctx := context.Background()
	id, err := w.Store().Enqueue(ctx, queue.PendingMutation{
		Endpoint: "/api/attendance", Method: "POST", Body: []byte(`{"student":1}`), AuthToken: "secret-token",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Store().DeadLetter(ctx, id, "duplicate", 409); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Store().Enqueue(ctx, queue.PendingMutation{
		Endpoint: "/api/attendance", Method: "POST", Body: []byte(`{"student":2}`), AuthToken: "secret-token",
	}); err != nil {
		t.Fatal(err)
	}

	responses := callMCP(t, w,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"pending_mutations","arguments":{"include_dead_letters":true}}}`)
	text, isErr := toolText(t, responses[0])
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	if strings.Contains(text, "secret-token") {
		t.Error("auth token leaked into tool output")
	}

	var result struct {
		Count       int                      `json:"count"`
		Mutations   []map[string]interface{} `json:"mutations"`
		DeadLetters []map[string]interface{} `json:"dead_letters"`
	}
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		t.Fatal(err)
	}
	if result.Count != 1 || len(result.DeadLetters) != 1 {
		t.Errorf("count=%d dead=%d, want 1 and 1", result.Count, len(result.DeadLetters))
	}
	if result.Mutations[0]["token_present"] != true {
		t.Errorf("expected token_present, got %v", result.Mutations[0])
	}
}

func TestMCPDrainQueue(t *testing.T) {
	transport := api.NewInMemoryTransport()
	transport.Seed("POST", testOrigin+"/api/attendance", api.JSONResponse(201, `{}`))
	w := newTestWorker(t, transport)
	if _, err := w.Store().Enqueue(context.Background(), queue.PendingMutation{
		Endpoint: "/api/attendance", Method: "POST", Body: []byte(`{}`),
	}); err != nil {
		t.Fatal(err)
	}

	responses := callMCP(t, w,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"drain_queue"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"drain_queue","arguments":{"tag":"bogus"}}}`,
	)

	text, _ := toolText(t, responses[0])
	var res map[string]interface{}
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatal(err)
	}
	if res["synced"].(float64) != 1 || res["remaining"].(float64) != 0 {
		t.Errorf("unexpected drain result %v", res)
	}

	text, _ = toolText(t, responses[1])
	if !strings.Contains(text, "unknown sync tag") {
		t.Errorf("expected unknown tag error, got %s", text)
	}
}

func TestMCPCacheLookup(t *testing.T) {
	w := newTestWorker(t, api.NewInMemoryTransport())
	entry := &cache.Entry{
		Key:      cache.CanonicalKey("GET", testOrigin+"/api/classes"),
		Payload:  []byte(`["3A","3B"]`),
		Headers:  map[string]string{"Content-Type": "application/json"},
		Status:   200,
		Tier:     cache.TierDynamic,
		StoredAt: time.Now(),
	}
	if err := w.Cache().Backend().Put(core.DynamicGeneration, entry); err != nil {
		t.Fatal(err)
	}

	responses := callMCP(t, w,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"cache_lookup","arguments":{"url":"/api/classes"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"cache_lookup","arguments":{"url":"/api/missing"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"cache_lookup","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"fetch_day","arguments":{}}}`,
	)
	if len(responses) != 4 {
		t.Fatalf("Expected 4 responses, got %d", len(responses))
	}

	text, _ := toolText(t, responses[0])
	var hit map[string]interface{}
	if err := json.Unmarshal([]byte(text), &hit); err != nil {
		t.Fatal(err)
	}
	if hit["hit"] != true {
		t.Fatalf("expected hit, got %v", hit)
	}
	if e := hit["entry"].(map[string]interface{}); e["content_type"] != "application/json" || e["tier"] != "dynamic" {
		t.Errorf("unexpected entry %v", e)
	}

	text, _ = toolText(t, responses[1])
	if !strings.Contains(text, `"hit": false`) {
		t.Errorf("expected miss, got %s", text)
	}

	if _, isErr := toolText(t, responses[2]); !isErr {
		t.Error("expected missing url to be a tool error")
	}

	if responses[3].Error == nil || responses[3].Error.Message != "Unknown tool" {
		t.Errorf("expected unknown tool error, got %+v", responses[3])
	}
}
